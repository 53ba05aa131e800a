package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dangazineu/kiln/internal/interfaces"
)

const (
	sourceDirName  = "src"
	docsDirName    = "docs"
	manifestName   = "artifacts.json"
	dockerfileName = "Dockerfile"
)

// Workspace lays out run directories under a root:
//
//	<root>/<runID>/src/<filename>      code artifacts, Dockerfile, compose.yaml
//	<root>/<runID>/artifacts.json      artifact metadata
//	<root>/<runID>/docs/<filename>     documentation
//	<root>/<runID>/state/run.json      state snapshots
type Workspace struct {
	root string
}

// NewWorkspace creates the workspace root.
func NewWorkspace(root string) (*Workspace, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace base directory: %v", err)
	}
	return &Workspace{root: root}, nil
}

// Root returns the workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// RunDir returns the directory holding everything for runID.
func (w *Workspace) RunDir(runID string) string {
	return filepath.Join(w.root, runID)
}

// SourceDir is the build context for runID.
func (w *Workspace) SourceDir(runID string) string {
	return filepath.Join(w.RunDir(runID), sourceDirName)
}

// artifactMeta is the manifest entry for one artifact; content lives in src.
type artifactMeta struct {
	Filename    string `json:"filename"`
	Description string `json:"description,omitempty"`
	Language    string `json:"programming_language,omitempty"`
}

// WriteArtifacts materializes the code set. Filenames must be unique,
// relative and stay inside the source directory.
func (w *Workspace) WriteArtifacts(runID string, codeSet []interfaces.CodeArtifact) error {
	src := w.SourceDir(runID)
	if err := os.MkdirAll(src, 0755); err != nil {
		return fmt.Errorf("failed to create source directory: %v", err)
	}

	seen := make(map[string]bool, len(codeSet))
	manifest := make([]artifactMeta, 0, len(codeSet))
	for _, a := range codeSet {
		if err := validateArtifactPath(a.Filename); err != nil {
			return err
		}
		clean := filepath.Clean(a.Filename)
		if seen[clean] {
			return fmt.Errorf("duplicate artifact filename: %s", a.Filename)
		}
		seen[clean] = true

		path := filepath.Join(src, clean)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %v", a.Filename, err)
		}
		if err := os.WriteFile(path, []byte(a.Content), 0644); err != nil {
			return fmt.Errorf("failed to write artifact %s: %v", a.Filename, err)
		}
		manifest = append(manifest, artifactMeta{Filename: a.Filename, Description: a.Description, Language: a.Language})
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact manifest: %v", err)
	}
	return os.WriteFile(filepath.Join(w.RunDir(runID), manifestName), data, 0644)
}

// ReadArtifacts loads the code set written by WriteArtifacts, in order.
func (w *Workspace) ReadArtifacts(runID string) ([]interfaces.CodeArtifact, error) {
	data, err := os.ReadFile(filepath.Join(w.RunDir(runID), manifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact manifest: %v", err)
	}
	var manifest []artifactMeta
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse artifact manifest: %v", err)
	}

	codeSet := make([]interfaces.CodeArtifact, 0, len(manifest))
	for _, m := range manifest {
		if err := validateArtifactPath(m.Filename); err != nil {
			return nil, err
		}
		content, err := os.ReadFile(filepath.Join(w.SourceDir(runID), filepath.Clean(m.Filename)))
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact %s: %v", m.Filename, err)
		}
		codeSet = append(codeSet, interfaces.CodeArtifact{
			Filename:    m.Filename,
			Description: m.Description,
			Language:    m.Language,
			Content:     string(content),
		})
	}
	return codeSet, nil
}

// WriteSpec writes the Dockerfile and the compose spec into the build
// context. Container names in the compose spec are pinned to containerName.
func (w *Workspace) WriteSpec(runID string, spec interfaces.ContainerSpec, containerName string) error {
	src := w.SourceDir(runID)
	if err := os.MkdirAll(src, 0755); err != nil {
		return fmt.Errorf("failed to create source directory: %v", err)
	}

	compose, _, err := NormalizeCompose([]byte(spec.Compose), containerName)
	if err != nil {
		return fmt.Errorf("invalid compose spec: %w", err)
	}

	if err := os.WriteFile(filepath.Join(src, dockerfileName), []byte(spec.Dockerfile), 0644); err != nil {
		return fmt.Errorf("failed to write Dockerfile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, ComposeFileName), compose, 0644); err != nil {
		return fmt.Errorf("failed to write compose spec: %v", err)
	}
	return nil
}

// ReadSpec loads the spec files from the build context.
func (w *Workspace) ReadSpec(runID string) (interfaces.ContainerSpec, error) {
	src := w.SourceDir(runID)
	dockerfile, err := os.ReadFile(filepath.Join(src, dockerfileName))
	if err != nil {
		return interfaces.ContainerSpec{}, fmt.Errorf("failed to read Dockerfile: %v", err)
	}
	compose, err := os.ReadFile(filepath.Join(src, ComposeFileName))
	if err != nil {
		return interfaces.ContainerSpec{}, fmt.Errorf("failed to read compose spec: %v", err)
	}
	return interfaces.ContainerSpec{Dockerfile: string(dockerfile), Compose: string(compose)}, nil
}

// WriteDocs writes documentation artifacts under the run's docs directory.
func (w *Workspace) WriteDocs(runID string, docs []interfaces.CodeArtifact) error {
	dir := filepath.Join(w.RunDir(runID), docsDirName)
	for _, d := range docs {
		if err := validateArtifactPath(d.Filename); err != nil {
			return err
		}
		path := filepath.Join(dir, filepath.Clean(d.Filename))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create docs directory: %v", err)
		}
		if err := os.WriteFile(path, []byte(d.Content), 0644); err != nil {
			return fmt.Errorf("failed to write doc %s: %v", d.Filename, err)
		}
	}
	return nil
}

// Remove deletes the run directory.
func (w *Workspace) Remove(runID string) error {
	if runID == "" || strings.ContainsAny(runID, `/\`) {
		return fmt.Errorf("invalid run ID: %q", runID)
	}
	return os.RemoveAll(w.RunDir(runID))
}

// validateArtifactPath rejects names that would escape the source directory.
func validateArtifactPath(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("artifact filename cannot be empty")
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return fmt.Errorf("absolute paths not allowed for artifacts: %s", name)
	}
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return fmt.Errorf("path traversal detected in artifact filename: %s", name)
		}
	}
	return nil
}

package collaborator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dangazineu/kiln/internal/interfaces"
)

// maxSourceFileSize skips files too large to be hand-written source.
const maxSourceFileSize = 1 << 20

var (
	dockerfileNames = []string{"Dockerfile"}
	composeNames    = []string{"compose.yaml", "compose.yml", "docker-compose.yaml", "docker-compose.yml"}
)

// languages maps file extensions to the language recorded on artifacts.
var languages = map[string]string{
	".py":   "python",
	".go":   "go",
	".js":   "javascript",
	".ts":   "typescript",
	".rb":   "ruby",
	".java": "java",
	".rs":   "rust",
	".sh":   "shell",
	".sql":  "sql",
	".html": "html",
	".css":  "css",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
	".md":   "markdown",
}

// Directory serves a pre-written project: its files are the generated code
// set and its Dockerfile and compose file are the container spec.
type Directory struct {
	root string
}

// NewDirectory creates a directory source rooted at root.
func NewDirectory(root string) (*Directory, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory", root)
	}
	return &Directory{root: root}, nil
}

// Generate returns every regular file under the root, sorted by path. Hidden
// entries and the spec files are skipped; the requirement is ignored.
func (d *Directory) Generate(ctx context.Context, _ string) ([]interfaces.CodeArtifact, error) {
	var codeSet []interfaces.CodeArtifact
	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if strings.HasPrefix(entry.Name(), ".") {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() || !entry.Type().IsRegular() || isSpecFile(rel) {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		if info.Size() > maxSourceFileSize {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		codeSet = append(codeSet, interfaces.CodeArtifact{
			Filename: filepath.ToSlash(rel),
			Language: languages[strings.ToLower(filepath.Ext(rel))],
			Content:  string(content),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read source directory: %w", err)
	}
	if len(codeSet) == 0 {
		return nil, fmt.Errorf("source directory %s has no files", d.root)
	}

	sort.Slice(codeSet, func(i, j int) bool { return codeSet[i].Filename < codeSet[j].Filename })
	return codeSet, nil
}

// Package reads the Dockerfile and compose file from the root.
func (d *Directory) Package(_ context.Context, _ []interfaces.CodeArtifact) (interfaces.ContainerSpec, error) {
	dockerfile, err := d.readFirst(dockerfileNames)
	if err != nil {
		return interfaces.ContainerSpec{}, err
	}
	compose, err := d.readFirst(composeNames)
	if err != nil {
		return interfaces.ContainerSpec{}, err
	}
	return interfaces.ContainerSpec{Dockerfile: dockerfile, Compose: compose}, nil
}

func (d *Directory) readFirst(names []string) (string, error) {
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(d.root, name))
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to read %s: %w", name, err)
		}
	}
	return "", fmt.Errorf("source directory %s has none of %s", d.root, strings.Join(names, ", "))
}

func isSpecFile(rel string) bool {
	if filepath.Dir(rel) != "." {
		return false
	}
	for _, name := range dockerfileNames {
		if rel == name {
			return true
		}
	}
	for _, name := range composeNames {
		if rel == name {
			return true
		}
	}
	return false
}

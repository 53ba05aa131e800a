package engine

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ComposeFile is a parsed composition spec. It keeps the YAML node tree so
// rewriting it preserves key order and comments.
type ComposeFile struct {
	doc      yaml.Node
	services *yaml.Node
}

// ParseCompose parses compose YAML and checks that it declares services.
func ParseCompose(data []byte) (*ComposeFile, error) {
	cf := &ComposeFile{}
	if err := yaml.Unmarshal(data, &cf.doc); err != nil {
		return nil, fmt.Errorf("could not parse compose spec: %w", err)
	}
	if cf.doc.Kind != yaml.DocumentNode || len(cf.doc.Content) == 0 || cf.doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("compose spec must be a mapping")
	}

	cf.services = mappingValue(cf.doc.Content[0], "services")
	if cf.services == nil || cf.services.Kind != yaml.MappingNode || len(cf.services.Content) == 0 {
		return nil, fmt.Errorf("compose spec declares no services")
	}

	for i := 0; i < len(cf.services.Content); i += 2 {
		name := cf.services.Content[i].Value
		svc := cf.services.Content[i+1]
		if svc.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("service '%s' must be a mapping", name)
		}
		if mappingValue(svc, "build") == nil && mappingValue(svc, "image") == nil {
			return nil, fmt.Errorf("service '%s' needs either build or image", name)
		}
	}
	return cf, nil
}

// Services returns service names in document order.
func (cf *ComposeFile) Services() []string {
	names := make([]string, 0, len(cf.services.Content)/2)
	for i := 0; i < len(cf.services.Content); i += 2 {
		names = append(names, cf.services.Content[i].Value)
	}
	return names
}

// PrimaryService is the service whose exit code decides the run: the first
// one that is built from the workspace, else the first declared.
func (cf *ComposeFile) PrimaryService() string {
	for i := 0; i < len(cf.services.Content); i += 2 {
		if mappingValue(cf.services.Content[i+1], "build") != nil {
			return cf.services.Content[i].Value
		}
	}
	return cf.services.Content[0].Value
}

// ContainerName returns the container_name set on service, if any.
func (cf *ComposeFile) ContainerName(service string) string {
	svc := mappingValue(cf.services, service)
	if svc == nil {
		return ""
	}
	if v := mappingValue(svc, "container_name"); v != nil {
		return v.Value
	}
	return ""
}

// SetContainerName forces container_name on service.
func (cf *ComposeFile) SetContainerName(service, name string) error {
	svc := mappingValue(cf.services, service)
	if svc == nil {
		return fmt.Errorf("service '%s' not found", service)
	}
	if v := mappingValue(svc, "container_name"); v != nil {
		v.Kind = yaml.ScalarNode
		v.Tag = "!!str"
		v.Value = name
		return nil
	}
	svc.Content = append(svc.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "container_name"},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name},
	)
	return nil
}

// Bytes renders the spec back to YAML.
func (cf *ComposeFile) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&cf.doc); err != nil {
		return nil, fmt.Errorf("could not render compose spec: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NormalizeCompose pins container names so the run can find its containers
// later. The primary service gets containerName; any other service gets
// containerName-<service>.
func NormalizeCompose(data []byte, containerName string) ([]byte, string, error) {
	cf, err := ParseCompose(data)
	if err != nil {
		return nil, "", err
	}
	primary := cf.PrimaryService()
	for _, svc := range cf.Services() {
		name := containerName
		if svc != primary {
			name = containerName + "-" + svc
		}
		if err := cf.SetContainerName(svc, name); err != nil {
			return nil, "", err
		}
	}
	out, err := cf.Bytes()
	if err != nil {
		return nil, "", err
	}
	return out, primary, nil
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

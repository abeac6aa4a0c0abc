package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadYAML parses a YAML-shaped policy document, the on-disk form the
// orchestrator watches for hot reload.
func LoadYAML(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("policy: parse yaml: %w", err)
	}
	return doc, nil
}

// LoadFile reads and parses a policy document from path.
func LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return LoadYAML(data)
}

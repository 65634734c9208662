package flow

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Decode reads a workflow configuration document into the raw form Parse
// accepts.
func Decode(r io.Reader) (map[string]any, error) {
	var raw map[string]any
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("workflow configuration is empty")
		}
		return nil, fmt.Errorf("failed to decode workflow configuration: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("workflow configuration is empty")
	}
	return raw, nil
}

package workflow

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/orbitmesh/orbitmesh/internal/model"
)

// ParseDefinitionYAML decodes a WorkflowDefinition from its YAML
// representation, the authoring format for workflows defined on disk or
// pasted into the administrative API (spec §8's round-trip law: YAML ->
// parsed model -> serialized YAML -> parsed model must yield an equal
// model, modulo map ordering).
func ParseDefinitionYAML(data []byte) (*model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parsing workflow yaml: %w", err)
	}
	return &def, nil
}

// MarshalDefinitionYAML serializes a WorkflowDefinition back to YAML.
func MarshalDefinitionYAML(def *model.WorkflowDefinition) ([]byte, error) {
	out, err := yaml.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("serializing workflow yaml: %w", err)
	}
	return out, nil
}

package descriptor

import (
	"encoding/json"
	"fmt"
	"os"
)

// ParameterType is the canonical type of a pipeline parameter.
type ParameterType string

const (
	ParameterFile    ParameterType = "File"
	ParameterString  ParameterType = "String"
	ParameterBoolean ParameterType = "Boolean"
	ParameterInt64   ParameterType = "Int64"
	ParameterDouble  ParameterType = "Double"
	ParameterList    ParameterType = "List"
)

// Parameter describes one input or returned value of a pipeline.
type Parameter struct {
	Name            string        `json:"name"`
	Type            ParameterType `json:"type"`
	IsOptional      bool          `json:"isOptional"`
	IsReturnedValue bool          `json:"isReturnedValue"`
	DefaultValue    interface{}   `json:"defaultValue,omitempty"`
	Description     string        `json:"description,omitempty"`
}

// ErrorCodeAndMessage is a pipeline-specific error code.
type ErrorCodeAndMessage struct {
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Pipeline is the canonical pipeline document served to clients.
type Pipeline struct {
	Identifier            string                 `json:"identifier"`
	Name                  string                 `json:"name"`
	Version               string                 `json:"version"`
	Description           string                 `json:"description,omitempty"`
	CanExecute            bool                   `json:"canExecute"`
	Parameters            []Parameter            `json:"parameters"`
	Properties            map[string]interface{} `json:"properties,omitempty"`
	ErrorCodesAndMessages []ErrorCodeAndMessage  `json:"errorCodesAndMessages,omitempty"`
}

// Parameter returns the parameter with the given name.
func (p *Pipeline) Parameter(name string) (Parameter, bool) {
	for _, param := range p.Parameters {
		if param.Name == name {
			return param, true
		}
	}
	return Parameter{}, false
}

// FileInputs returns the names of non-returned File parameters.
func (p *Pipeline) FileInputs() []string {
	var names []string
	for _, param := range p.Parameters {
		if param.Type == ParameterFile && !param.IsReturnedValue {
			names = append(names, param.Name)
		}
	}
	return names
}

// LoadPipeline reads a canonical pipeline document.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline: %w", err)
	}
	var p Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline %s: %w", path, err)
	}
	if p.Identifier == "" {
		return nil, fmt.Errorf("pipeline %s has no identifier", path)
	}
	return &p, nil
}

// WritePipeline writes p as indented JSON.
func WritePipeline(path string, p *Pipeline) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write pipeline: %w", err)
	}
	return nil
}

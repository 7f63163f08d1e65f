package descriptor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/kballard/go-shellquote"
)

// Input types understood by template documents.
const (
	TemplateFile   = "File"
	TemplateString = "String"
	TemplateNumber = "Number"
	TemplateFlag   = "Flag"
)

// TemplateDocument is a command-line template descriptor. Its fields follow
// the Boutiques schema so simple tools can be described without bosh.
type TemplateDocument struct {
	Name        string           `json:"name" validate:"required"`
	ToolVersion string           `json:"tool-version" validate:"required"`
	Description string           `json:"description,omitempty"`
	CommandLine string           `json:"command-line" validate:"required"`
	Inputs      []TemplateInput  `json:"inputs" validate:"dive"`
	OutputFiles []TemplateOutput `json:"output-files,omitempty" validate:"dive"`
	Tags        map[string]any   `json:"tags,omitempty"`
}

// TemplateInput is one input of a template document.
type TemplateInput struct {
	ID              string `json:"id" validate:"required"`
	Name            string `json:"name" validate:"required"`
	Type            string `json:"type" validate:"required,oneof=File String Number Flag"`
	Description     string `json:"description,omitempty"`
	Optional        bool   `json:"optional,omitempty"`
	List            bool   `json:"list,omitempty"`
	Integer         bool   `json:"integer,omitempty"`
	ValueKey        string `json:"value-key,omitempty"`
	CommandLineFlag string `json:"command-line-flag,omitempty"`
	DefaultValue    any    `json:"default-value,omitempty"`
}

// TemplateOutput is one declared output file of a template document.
type TemplateOutput struct {
	ID           string `json:"id" validate:"required"`
	Name         string `json:"name" validate:"required"`
	PathTemplate string `json:"path-template" validate:"required"`
	Optional     bool   `json:"optional,omitempty"`
}

// Template renders the command line in-process and runs it with /bin/sh.
// Validate renders a valid invocation; Execute hands the result out.
type Template struct {
	validate *validator.Validate
	shell    string

	// rendered maps an invocationKey to its command line until Execute
	// takes it.
	rendered sync.Map
}

type invocationKey struct {
	descriptorPath string
	inputsPath     string
}

// NewTemplate creates the template descriptor.
func NewTemplate() *Template {
	return &Template{
		validate: validator.New(),
		shell:    "/bin/sh",
	}
}

// Kind implements Descriptor.
func (t *Template) Kind() Kind { return KindTemplate }

// LoadDocument reads and schema-checks a template document.
func (t *Template) LoadDocument(path string) (*TemplateDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template descriptor: %w", err)
	}
	var doc TemplateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse template descriptor %s: %w", path, err)
	}
	if err := t.validate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("template descriptor %s is invalid: %w", path, err)
	}
	seen := make(map[string]bool, len(doc.Inputs))
	for _, in := range doc.Inputs {
		if seen[in.ID] {
			return nil, fmt.Errorf("template descriptor %s declares input %q twice", path, in.ID)
		}
		seen[in.ID] = true
	}
	return &doc, nil
}

// Validate implements Descriptor.
func (t *Template) Validate(_ context.Context, descriptorPath, inputsPath string) (bool, string, error) {
	doc, err := t.LoadDocument(descriptorPath)
	if err != nil {
		return false, err.Error(), nil
	}
	values, err := loadInputValues(inputsPath)
	if err != nil {
		return false, err.Error(), nil
	}
	line, err := doc.Render(values)
	if err != nil {
		return false, strings.TrimPrefix(err.Error(), "invalid invocation: "), nil
	}
	t.rendered.Store(invocationKey{descriptorPath, inputsPath}, line)
	return true, "", nil
}

// Export implements Descriptor.
func (t *Template) Export(_ context.Context, inputPath, outputPath, identifier string) error {
	doc, err := t.LoadDocument(inputPath)
	if err != nil {
		return err
	}
	return WritePipeline(outputPath, doc.Pipeline(identifier))
}

// Execute implements Descriptor. It returns the command line rendered when
// the invocation was validated, once, and touches no file.
func (t *Template) Execute(_, descriptorPath, inputsPath string) ([]string, error) {
	line, ok := t.rendered.LoadAndDelete(invocationKey{descriptorPath, inputsPath})
	if !ok {
		return nil, fmt.Errorf("invocation %s has not been validated", inputsPath)
	}
	return []string{t.shell, "-c", line.(string)}, nil
}

// Pipeline converts the document to its canonical form.
func (d *TemplateDocument) Pipeline(identifier string) *Pipeline {
	p := &Pipeline{
		Identifier:  identifier,
		Name:        d.Name,
		Version:     d.ToolVersion,
		Description: d.Description,
		CanExecute:  true,
		Properties:  map[string]interface{}{"template": true},
	}
	for k, v := range d.Tags {
		p.Properties[k] = v
	}
	for _, in := range d.Inputs {
		p.Parameters = append(p.Parameters, Parameter{
			Name:         in.ID,
			Type:         in.parameterType(),
			IsOptional:   in.Optional || in.DefaultValue != nil,
			DefaultValue: in.DefaultValue,
			Description:  in.Description,
		})
	}
	for _, out := range d.OutputFiles {
		p.Parameters = append(p.Parameters, Parameter{
			Name:            out.ID,
			Type:            ParameterFile,
			IsOptional:      out.Optional,
			IsReturnedValue: true,
			Description:     out.Name,
		})
	}
	return p
}

func (in TemplateInput) parameterType() ParameterType {
	if in.List {
		return ParameterList
	}
	switch in.Type {
	case TemplateFile:
		return ParameterFile
	case TemplateFlag:
		return ParameterBoolean
	case TemplateNumber:
		if in.Integer {
			return ParameterInt64
		}
		return ParameterDouble
	default:
		return ParameterString
	}
}

// check returns every problem found with values, sorted for stable output.
func (d *TemplateDocument) check(values map[string]any) []string {
	var problems []string
	known := make(map[string]TemplateInput, len(d.Inputs))
	for _, in := range d.Inputs {
		known[in.ID] = in
		v, ok := values[in.ID]
		if !ok || v == nil {
			if !in.Optional && in.DefaultValue == nil {
				problems = append(problems, fmt.Sprintf("required input %q is missing", in.ID))
			}
			continue
		}
		if err := in.checkValue(v); err != nil {
			problems = append(problems, err.Error())
		}
	}
	for id := range values {
		if _, ok := known[id]; !ok {
			problems = append(problems, fmt.Sprintf("input %q is not declared by the descriptor", id))
		}
	}
	sort.Strings(problems)
	return problems
}

func (in TemplateInput) checkValue(v any) error {
	if in.List {
		items, ok := v.([]any)
		if !ok {
			return fmt.Errorf("input %q must be a list", in.ID)
		}
		for _, item := range items {
			if err := in.checkScalar(item); err != nil {
				return err
			}
		}
		return nil
	}
	return in.checkScalar(v)
}

func (in TemplateInput) checkScalar(v any) error {
	switch in.Type {
	case TemplateFile, TemplateString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("input %q must be a string", in.ID)
		}
	case TemplateNumber:
		n, ok := v.(float64)
		if !ok {
			return fmt.Errorf("input %q must be a number", in.ID)
		}
		if in.Integer && n != math.Trunc(n) {
			return fmt.Errorf("input %q must be an integer", in.ID)
		}
	case TemplateFlag:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("input %q must be a boolean", in.ID)
		}
	}
	return nil
}

// Render substitutes every value-key in the command line. Absent optional
// inputs and false flags render as nothing.
func (d *TemplateDocument) Render(values map[string]any) (string, error) {
	if problems := d.check(values); len(problems) > 0 {
		return "", fmt.Errorf("invalid invocation: %s", strings.Join(problems, "; "))
	}

	line := d.CommandLine
	for _, in := range d.Inputs {
		if in.ValueKey == "" {
			continue
		}
		v, ok := values[in.ID]
		if !ok || v == nil {
			v = in.DefaultValue
		}
		line = strings.ReplaceAll(line, in.ValueKey, in.render(v))
	}
	return strings.TrimSpace(line), nil
}

func (in TemplateInput) render(v any) string {
	if v == nil {
		return ""
	}
	if in.Type == TemplateFlag {
		if b, _ := v.(bool); b {
			return in.CommandLineFlag
		}
		return ""
	}

	var words []string
	if items, ok := v.([]any); ok {
		for _, item := range items {
			words = append(words, scalarString(item))
		}
	} else {
		words = []string{scalarString(v)}
	}

	quoted := shellquote.Join(words...)
	if in.CommandLineFlag != "" {
		return in.CommandLineFlag + " " + quoted
	}
	return quoted
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func loadInputValues(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inputs: %w", err)
	}
	values := make(map[string]any)
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("inputs are not a JSON object: %w", err)
	}
	return values, nil
}

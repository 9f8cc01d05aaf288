package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AskTinNguyen/ralph-cli-sub017/internal/validation"
	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// Loader reads workflow definitions from disk. Decoding is strict: unknown
// YAML keys are rejected so a typo'd field fails loudly instead of silently
// disappearing.
type Loader struct {
	validator *validation.WorkflowValidator
}

// NewLoader creates a Loader with a compiled workflow validator.
func NewLoader() (*Loader, error) {
	wv, err := validation.NewWorkflowValidator()
	if err != nil {
		return nil, err
	}
	return &Loader{validator: wv}, nil
}

// Load reads, decodes, and validates the workflow definition at path.
func (l *Loader) Load(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow file not found: %s", path)
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read workflow %s: %v", path, err).WithCause(err)
	}

	def, err := Decode(data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse workflow %s: %v", path, err).WithCause(err)
	}

	if err := l.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}
	return def, nil
}

// Check loads the definition at path and returns the full validation result,
// including warnings. Used by the lint surface of the CLI.
func (l *Loader) Check(path string) (*schema.WorkflowDefinition, *schema.ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow file not found: %s", path)
	}
	def, err := Decode(data)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "parse workflow %s: %v", path, err).WithCause(err)
	}
	return def, l.validator.Validate(def), nil
}

// Decode parses a workflow definition from YAML with unknown keys rejected.
func Decode(data []byte) (*schema.WorkflowDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def schema.WorkflowDefinition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return &def, nil
}

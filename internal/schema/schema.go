// Package schema describes the steps of the intake form and loads them from YAML.
//
// Steps are static: they are parsed and validated once at startup so that the rest of
// the service can rely on every field name being declared.
package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ElementType is the kind of input control bound to a field.
type ElementType string

const (
	TypeText     ElementType = "text"
	TypeEmail    ElementType = "email"
	TypeTextarea ElementType = "textarea"
	TypeCheckbox ElementType = "checkbox"
	TypeRadio    ElementType = "radio"
	TypeDate     ElementType = "date"
	TypeTel      ElementType = "tel"
	TypePhone    ElementType = "phone"
	TypeSelect   ElementType = "select"
	TypeDropdown ElementType = "dropdown"
	TypeID       ElementType = "id"
	TypeCountry  ElementType = "country"
	TypeState    ElementType = "state"
	TypeAddress  ElementType = "address"
	TypeNumber   ElementType = "number"
)

// Well-known field names the state machine treats specially.
const (
	FieldFullName   = "fullName"
	FieldCountry    = "country"
	FieldState      = "state"
	FieldAddress    = "address"
	FieldCity       = "city"
	FieldPhone      = "phone"
	FieldConsent    = "consent"
	FieldDependents = "dependents"
	FieldNationalID = "nationalId"
	FieldEmail      = "email"
)

// Metadata keys written by the address lookup rather than by a declared element.
const (
	MetaCountryCode    = "countryCode"
	MetaCountryPlaceID = "countryPlaceId"
	MetaStateCode      = "stateCode"
	MetaStatePlaceID   = "statePlaceId"
	MetaAddressPlaceID = "addressPlaceId"
)

// metadataKeys are the undeclared names FormData may carry. city is listed because an
// address selection can fill it even when the form does not declare a city element.
var metadataKeys = map[string]struct{}{
	MetaCountryCode:    {},
	MetaCountryPlaceID: {},
	MetaStateCode:      {},
	MetaStatePlaceID:   {},
	MetaAddressPlaceID: {},
	FieldCity:          {},
}

var (
	// ErrNoSteps is returned when a schema declares no steps.
	ErrNoSteps = errors.New("schema declares no steps")
	// ErrDuplicateName is returned when two elements share a field name.
	ErrDuplicateName = errors.New("duplicate element name")
	// ErrUnknownType is returned for an element type the renderer cannot draw.
	ErrUnknownType = errors.New("unknown element type")
	// ErrMissingOptions is returned for choice elements without options.
	ErrMissingOptions = errors.New("choice element has no options")
)

//go:embed steps.yaml
var defaultSteps []byte

// Option is one choice of a radio, select or dropdown element.
type Option struct {
	Value    string `yaml:"value" json:"value"`
	LabelKey string `yaml:"labelKey" json:"labelKey"`
}

// FormElement identifies one form field.
type FormElement struct {
	ID             string      `yaml:"id" json:"id"`
	Type           ElementType `yaml:"type" json:"type"`
	Name           string      `yaml:"name" json:"name"`
	LabelKey       string      `yaml:"labelKey" json:"labelKey"`
	PlaceholderKey string      `yaml:"placeholderKey,omitempty" json:"placeholderKey,omitempty"`
	Options        []Option    `yaml:"options,omitempty" json:"options,omitempty"`
	Pattern        string      `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	InputMode      string      `yaml:"inputMode,omitempty" json:"inputMode,omitempty"`
	Required       bool        `yaml:"required,omitempty" json:"required,omitempty"`
	AllowFuture    bool        `yaml:"allowFuture,omitempty" json:"allowFuture,omitempty"`
	Assist         bool        `yaml:"assist,omitempty" json:"assist,omitempty"`
	Prefix         string      `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// OptionLabelKey returns the label key of the option whose value matches.
func (e FormElement) OptionLabelKey(value string) (string, bool) {
	for _, opt := range e.Options {
		if opt.Value == value {
			return opt.LabelKey, true
		}
	}
	return "", false
}

// FormStep is one page of the form. Order of steps defines the step index.
type FormStep struct {
	ID       string        `yaml:"id" json:"id"`
	TitleKey string        `yaml:"titleKey" json:"titleKey"`
	Elements []FormElement `yaml:"elements" json:"elements"`
}

type document struct {
	Steps []FormStep `yaml:"steps"`
}

type elementRef struct {
	step  int
	index int
}

// Schema is the validated, ordered list of steps.
type Schema struct {
	steps  []FormStep
	byName map[string]elementRef
}

// Default returns the built-in social support form.
func Default() (*Schema, error) {
	return Parse(defaultSteps, "steps.yaml")
}

// LoadFile reads and validates a schema from a YAML file.
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes YAML steps and validates them. source is used in error messages.
func Parse(data []byte, source string) (*Schema, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("schema: parse %s: %w", source, err)
	}
	s, err := New(doc.Steps)
	if err != nil {
		return nil, fmt.Errorf("schema: %s: %w", source, err)
	}
	slog.Debug("Schema.Parse: loaded form steps", "source", source, "steps", len(s.steps), "fields", len(s.byName))
	return s, nil
}

// New validates steps and builds a Schema from them.
func New(steps []FormStep) (*Schema, error) {
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}
	s := &Schema{
		steps:  make([]FormStep, len(steps)),
		byName: make(map[string]elementRef),
	}
	stepIDs := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if strings.TrimSpace(step.ID) == "" {
			return nil, fmt.Errorf("step %d has an empty id", i)
		}
		if _, dup := stepIDs[step.ID]; dup {
			return nil, fmt.Errorf("duplicate step id %q", step.ID)
		}
		stepIDs[step.ID] = struct{}{}

		for j, el := range step.Elements {
			if err := validateElement(el); err != nil {
				return nil, fmt.Errorf("step %q element %d: %w", step.ID, j, err)
			}
			if _, dup := s.byName[el.Name]; dup {
				return nil, fmt.Errorf("%w %q in step %q", ErrDuplicateName, el.Name, step.ID)
			}
			s.byName[el.Name] = elementRef{step: i, index: j}
		}
		copied := step
		copied.Elements = append([]FormElement(nil), step.Elements...)
		s.steps[i] = copied
	}
	return s, nil
}

func validateElement(el FormElement) error {
	if strings.TrimSpace(el.Name) == "" {
		return errors.New("element name is empty")
	}
	if strings.TrimSpace(el.ID) == "" {
		return fmt.Errorf("element %q has an empty id", el.Name)
	}
	if strings.TrimSpace(el.LabelKey) == "" {
		return fmt.Errorf("element %q has an empty labelKey", el.Name)
	}
	if _, meta := metadataKeys[el.Name]; meta && el.Name != FieldCity {
		return fmt.Errorf("element %q collides with a metadata key", el.Name)
	}
	switch el.Type {
	case TypeText, TypeEmail, TypeTextarea, TypeCheckbox, TypeDate, TypeTel, TypePhone,
		TypeID, TypeCountry, TypeState, TypeAddress, TypeNumber:
	case TypeRadio, TypeSelect, TypeDropdown:
		if len(el.Options) == 0 {
			return fmt.Errorf("%w: %q", ErrMissingOptions, el.Name)
		}
		seen := make(map[string]struct{}, len(el.Options))
		for _, opt := range el.Options {
			if _, dup := seen[opt.Value]; dup {
				return fmt.Errorf("element %q has duplicate option %q", el.Name, opt.Value)
			}
			seen[opt.Value] = struct{}{}
		}
	default:
		return fmt.Errorf("%w %q for %q", ErrUnknownType, el.Type, el.Name)
	}
	return nil
}

// Len returns the number of steps.
func (s *Schema) Len() int { return len(s.steps) }

// Steps returns the ordered steps. Callers must not modify the result.
func (s *Schema) Steps() []FormStep { return s.steps }

// Step returns the step at index i, clamped into range.
func (s *Schema) Step(i int) FormStep {
	return s.steps[s.Clamp(i)]
}

// Clamp forces a step index into [0, Len()-1].
func (s *Schema) Clamp(i int) int {
	if i < 0 {
		return 0
	}
	if i >= len(s.steps) {
		return len(s.steps) - 1
	}
	return i
}

// Element looks up a declared element by field name and returns its step index.
func (s *Schema) Element(name string) (FormElement, int, bool) {
	ref, ok := s.byName[name]
	if !ok {
		return FormElement{}, -1, false
	}
	return s.steps[ref.step].Elements[ref.index], ref.step, true
}

// Declares reports whether name belongs to a declared element.
func (s *Schema) Declares(name string) bool {
	_, ok := s.byName[name]
	return ok
}

// Knows reports whether FormData may hold name: declared elements plus metadata keys.
func (s *Schema) Knows(name string) bool {
	if s.Declares(name) {
		return true
	}
	_, ok := metadataKeys[name]
	return ok
}

// IsMetadataKey reports whether name is written by the address lookup side channel.
func IsMetadataKey(name string) bool {
	_, ok := metadataKeys[name]
	return ok
}

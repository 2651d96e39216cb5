package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/richinsley/comfyworker/job"
	"github.com/xeipuuv/gojsonschema"
)

// SlotType is the declared type of a request parameter.
type SlotType string

const (
	SlotString SlotType = "string"
	SlotInt    SlotType = "int"
	SlotFloat  SlotType = "float"
	SlotBool   SlotType = "bool"
	// SlotImage is a URL (or data URI) that is staged into the engine's input folder
	// before submission.
	SlotImage SlotType = "image"
)

func (t SlotType) valid() bool {
	switch t {
	case SlotString, SlotInt, SlotFloat, SlotBool, SlotImage:
		return true
	}
	return false
}

func (t SlotType) jsonType() string {
	switch t {
	case SlotInt:
		return "integer"
	case SlotFloat:
		return "number"
	case SlotBool:
		return "boolean"
	default:
		return "string"
	}
}

// GenerateRandomSeed fills a slot with a random value in [0, 2^32).
const GenerateRandomSeed = "random_seed"

// Target is a node input a slot value is written to.
type Target struct {
	Node  string `yaml:"node"`
	Input string `yaml:"input"`
	// As "string" writes the value in its string form.
	As string `yaml:"as"`
	// Values maps the value's string form to the node value.
	Values map[string]interface{} `yaml:"values"`
}

// Slot is a typed placeholder of a template.
type Slot struct {
	Name      string        `yaml:"-"`
	Type      SlotType      `yaml:"type"`
	Required  bool          `yaml:"required"`
	Default   interface{}   `yaml:"default"`
	Generate  string        `yaml:"generate"`
	Minimum   *float64      `yaml:"minimum"`
	Maximum   *float64      `yaml:"maximum"`
	MinLength *int          `yaml:"min_length"`
	Enum      []interface{} `yaml:"enum"`
	Targets   []Target      `yaml:"targets"`
}

func (s *Slot) resolvable() bool {
	return s.Required || s.Default != nil || s.Generate != ""
}

// Schema is the typed slot schema of one operation.
type Schema struct {
	Operation job.Operation
	Template  string
	Slots     []*Slot

	validator *gojsonschema.Schema
}

// Slot returns the named slot or nil.
func (s *Schema) Slot(name string) *Slot {
	for _, sl := range s.Slots {
		if sl.Name == name {
			return sl
		}
	}
	return nil
}

// Required lists the names of the required slots.
func (s *Schema) Required() []string {
	var names []string
	for _, sl := range s.Slots {
		if sl.Required {
			names = append(names, sl.Name)
		}
	}
	return names
}

func (s *Schema) compile() error {
	props := make(map[string]interface{}, len(s.Slots))
	for _, sl := range s.Slots {
		p := map[string]interface{}{"type": sl.Type.jsonType()}
		if sl.Minimum != nil {
			p["minimum"] = *sl.Minimum
		}
		if sl.Maximum != nil {
			p["maximum"] = *sl.Maximum
		}
		if sl.MinLength != nil {
			p["minLength"] = *sl.MinLength
		}
		if len(sl.Enum) > 0 {
			p["enum"] = sl.Enum
		}
		props[sl.Name] = p
	}
	doc := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	v, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", s.Operation, err)
	}
	s.validator = v
	return nil
}

// validate checks resolved values against the slot constraints.
func (s *Schema) validate(values map[string]interface{}) error {
	if s.validator == nil {
		return nil
	}
	result, err := s.validator.Validate(gojsonschema.NewGoLoader(values))
	if err != nil {
		return job.NewValidationError("validation error: %v", err)
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, len(result.Errors()))
	for i, desc := range result.Errors() {
		errs[i] = fmt.Sprintf("%s: %s", desc.Field(), desc.Description())
	}
	sort.Strings(errs)
	return job.NewValidationError("invalid %s parameters: %s", s.Operation, strings.Join(errs, "; "))
}

func (s *Schema) check(template map[string]bool, hasInput func(node, input string) bool, isLink func(node, input string) bool) error {
	for _, sl := range s.Slots {
		if !sl.Type.valid() {
			return fmt.Errorf("slot %s: unknown type %q", sl.Name, sl.Type)
		}
		if !sl.resolvable() {
			return fmt.Errorf("slot %s is unresolvable: it is not required and has no default or generator", sl.Name)
		}
		if sl.Generate != "" && sl.Generate != GenerateRandomSeed {
			return fmt.Errorf("slot %s: unknown generator %q", sl.Name, sl.Generate)
		}
		if sl.Default != nil {
			if _, err := coerce(sl.Type, sl.Default); err != nil {
				return fmt.Errorf("slot %s: default: %w", sl.Name, err)
			}
		}
		if len(sl.Targets) == 0 {
			return fmt.Errorf("slot %s has no targets", sl.Name)
		}
		for _, t := range sl.Targets {
			if !template[t.Node] {
				return fmt.Errorf("slot %s: node %s not in template", sl.Name, t.Node)
			}
			if !hasInput(t.Node, t.Input) {
				return fmt.Errorf("slot %s: node %s has no input %s", sl.Name, t.Node, t.Input)
			}
			if isLink(t.Node, t.Input) {
				return fmt.Errorf("slot %s: input %s of node %s is a link", sl.Name, t.Input, t.Node)
			}
			if t.As != "" && t.As != "string" {
				return fmt.Errorf("slot %s: unsupported rendering %q", sl.Name, t.As)
			}
			if sl.Type == SlotBool && t.Values != nil {
				for _, k := range []string{"true", "false"} {
					if _, ok := t.Values[k]; !ok {
						return fmt.Errorf("slot %s: values has no entry for %s", sl.Name, k)
					}
				}
			}
		}
	}
	return nil
}

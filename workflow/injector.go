package workflow

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/richinsley/comfyworker/graphapi"
	"github.com/richinsley/comfyworker/job"
)

// Injector is the Parameter Injector: it turns (operation, parameters) into a concrete
// graph. It performs no I/O.
type Injector struct {
	store *Store
	seed  func() int64
}

func NewInjector(store *Store) *Injector {
	return &Injector{store: store, seed: randomSeed}
}

func randomSeed() int64 {
	return rand.Int64N(1 << 32)
}

// WithSeedSource replaces the random seed generator.
func (i *Injector) WithSeedSource(fn func() int64) *Injector {
	i.seed = fn
	return i
}

// Store returns the template store the injector reads from.
func (i *Injector) Store() *Store {
	return i.store
}

// Resolve validates params against the operation's slot schema and returns one coerced
// value per slot. Unknown keys are ignored.
func (i *Injector) Resolve(op job.Operation, params map[string]interface{}) (map[string]interface{}, error) {
	schema, err := i.store.Schema(op)
	if err != nil {
		return nil, err
	}
	return i.resolve(schema, params)
}

func (i *Injector) resolve(schema *Schema, params map[string]interface{}) (map[string]interface{}, error) {
	values := make(map[string]interface{}, len(schema.Slots))
	var missing []string
	var invalid []string

	for _, sl := range schema.Slots {
		if raw, ok := params[sl.Name]; ok && !isEmpty(raw) {
			v, err := coerce(sl.Type, raw)
			if err != nil {
				invalid = append(invalid, fmt.Sprintf("%s: %v", sl.Name, err))
				continue
			}
			values[sl.Name] = v
			continue
		}
		switch {
		case sl.Required:
			missing = append(missing, sl.Name)
		case sl.Default != nil:
			v, err := coerce(sl.Type, sl.Default)
			if err != nil {
				return nil, job.WrapConfigurationError(fmt.Sprintf("default of slot %s", sl.Name), err)
			}
			values[sl.Name] = v
		case sl.Generate == GenerateRandomSeed:
			values[sl.Name] = i.seed()
		}
	}

	if len(missing) > 0 {
		quoted := make([]string, len(missing))
		for n, m := range missing {
			quoted[n] = "'" + m + "'"
		}
		noun := "field"
		if len(missing) > 1 {
			noun = "fields"
		}
		return nil, job.NewValidationError("%s requires %s %s", schema.Operation, strings.Join(quoted, ", "), noun)
	}
	if len(invalid) > 0 {
		return nil, job.NewValidationError("invalid %s parameters: %s", schema.Operation, strings.Join(invalid, "; "))
	}
	if err := schema.validate(values); err != nil {
		return nil, err
	}
	return values, nil
}

// Inject selects the operation's template and writes every slot. The returned graph has
// no unresolved slot; a slot that could not be written is a ConfigurationError.
func (i *Injector) Inject(op job.Operation, params map[string]interface{}) (graphapi.Workflow, error) {
	w, schema, err := i.store.Template(op)
	if err != nil {
		return nil, err
	}
	values, err := i.resolve(schema, params)
	if err != nil {
		return nil, err
	}

	for _, sl := range schema.Slots {
		v, ok := values[sl.Name]
		if !ok {
			return nil, job.NewConfigurationError("slot %s of %s is unresolved", sl.Name, op)
		}
		for _, t := range sl.Targets {
			nv, err := render(t, v)
			if err != nil {
				return nil, job.WrapConfigurationError(fmt.Sprintf("slot %s", sl.Name), err)
			}
			if err := w.SetInput(t.Node, t.Input, nv); err != nil {
				return nil, job.WrapConfigurationError(fmt.Sprintf("slot %s", sl.Name), err)
			}
		}
	}
	return w, nil
}

// Readback recovers the slot values from a concrete graph. It is the inverse of Inject
// for every slot.
func (i *Injector) Readback(op job.Operation, w graphapi.Workflow) (map[string]interface{}, error) {
	schema, err := i.store.Schema(op)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(schema.Slots))
	for _, sl := range schema.Slots {
		t := sl.Targets[0]
		nv, ok := w.Input(t.Node, t.Input)
		if !ok {
			return nil, fmt.Errorf("slot %s: node %s input %s missing", sl.Name, t.Node, t.Input)
		}
		v, err := unrender(sl, t, nv)
		if err != nil {
			return nil, fmt.Errorf("slot %s: %w", sl.Name, err)
		}
		out[sl.Name] = v
	}
	return out, nil
}

// ImageSlots returns the image slots of op with their targets, for input staging.
func (i *Injector) ImageSlots(op job.Operation) ([]*Slot, error) {
	schema, err := i.store.Schema(op)
	if err != nil {
		return nil, err
	}
	var out []*Slot
	for _, sl := range schema.Slots {
		if sl.Type == SlotImage {
			out = append(out, sl)
		}
	}
	return out, nil
}

func render(t Target, v interface{}) (interface{}, error) {
	if t.Values != nil {
		nv, ok := t.Values[canonical(v)]
		if !ok {
			return nil, fmt.Errorf("no value mapped for %v", v)
		}
		return nv, nil
	}
	if t.As == "string" {
		return canonical(v), nil
	}
	return v, nil
}

func unrender(sl *Slot, t Target, nv interface{}) (interface{}, error) {
	if t.Values != nil {
		for k, mv := range t.Values {
			if canonical(mv) == canonical(nv) {
				return coerce(sl.Type, k)
			}
		}
		return nil, fmt.Errorf("value %v not in mapping", nv)
	}
	return coerce(sl.Type, nv)
}

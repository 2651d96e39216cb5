package graphapi

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// NodeObjects is the engine's /object_info answer: every installed node class by name.
type NodeObjects struct {
	Objects map[string]*NodeObject
}

func (n *NodeObjects) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &n.Objects)
}

// NodeObject describes one installed node class.
type NodeObject struct {
	Input       *NodeObjectInput `json:"input"`
	Output      []interface{}    `json:"output"`
	Name        string           `json:"name"`
	DisplayName string           `json:"display_name"`
	Category    string           `json:"category"`
	OutputNode  bool             `json:"output_node"`
}

// HasInput reports whether the class declares name as a required or optional input.
func (o *NodeObject) HasInput(name string) bool {
	if o.Input == nil {
		return false
	}
	if _, ok := o.Input.Required[name]; ok {
		return true
	}
	_, ok := o.Input.Optional[name]
	return ok
}

// NodeObjectInput keeps the declaration order of the inputs next to their specs.
type NodeObjectInput struct {
	Required        map[string]interface{} `json:"required"`
	Optional        map[string]interface{} `json:"optional,omitempty"`
	OrderedRequired []string               `json:"-"`
	OrderedOptional []string               `json:"-"`
}

func (noi *NodeObjectInput) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()

	if _, err := dec.Token(); err != nil { // opening brace
		return err
	}
	for dec.More() {
		t, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := t.(string)
		if key != "required" && key != "optional" {
			// "hidden" and anything newer
			if err := dec.Decode(new(interface{})); err != nil {
				return err
			}
			continue
		}

		if _, err := dec.Token(); err != nil { // opening brace of the section
			return err
		}
		section := make(map[string]interface{})
		var order []string
		for dec.More() {
			nameTok, err := dec.Token()
			if err != nil {
				return err
			}
			name, _ := nameTok.(string)
			var decl interface{}
			if err := dec.Decode(&decl); err != nil {
				return err
			}
			section[name] = decl
			order = append(order, name)
		}
		if _, err := dec.Token(); err != nil { // closing brace of the section
			return err
		}

		if key == "required" {
			noi.Required, noi.OrderedRequired = section, order
		} else {
			noi.Optional, noi.OrderedOptional = section, order
		}
	}
	_, err := dec.Token() // closing brace
	return err
}

func (n *NodeObjects) GetNodeObjectByName(name string) *NodeObject {
	return n.Objects[name]
}

// Check verifies that every node of w is an installed class and that every literal input
// it sets is declared by that class. Link inputs are not checked.
func (n *NodeObjects) Check(w Workflow) error {
	var problems []string
	for _, id := range w.NodeIDs() {
		node := w[id]
		obj := n.GetNodeObjectByName(node.ClassType)
		if obj == nil {
			problems = append(problems, fmt.Sprintf("node %s: class %s is not installed", id, node.ClassType))
			continue
		}
		for _, input := range sortedKeys(node.Inputs) {
			if IsLink(node.Inputs[input]) {
				continue
			}
			if !obj.HasInput(input) {
				problems = append(problems, fmt.Sprintf("node %s: %s has no input %s", id, node.ClassType, input))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

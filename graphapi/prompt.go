package graphapi

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Prompt is the data that is enqueued to an instance of ComfyUI
type Prompt struct {
	ClientID  string           `json:"client_id"`
	Nodes     Workflow         `json:"prompt"`
	ExtraData *PromptExtraData `json:"extra_data,omitempty"`
}

// Workflow is an API-format graph: node id -> node. This is the format ComfyUI's
// "Save (API Format)" exports and the format /prompt accepts.
type Workflow map[string]PromptNode

type PromptNode struct {
	// Inputs can be one of:
	//	float64
	//	string
	//	bool
	//	[]interface{} where: [0] is string of target node
	//					     [1] is float64 (int) of slot index
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
	Meta      *NodeMeta              `json:"_meta,omitempty"`
}

type NodeMeta struct {
	Title string `json:"title"`
}

// PromptExtraData is stored by ComfyUI in the tEXt chunks of the PNG files it saves,
// one chunk per key of extra_pnginfo.
type PromptExtraData struct {
	PngInfo map[string]interface{} `json:"extra_pnginfo,omitempty"`
}

// NewPrompt wraps a workflow for submission.
func NewPrompt(clientID string, w Workflow) *Prompt {
	return &Prompt{ClientID: clientID, Nodes: w}
}

// NewWorkflowFromJson parses an API-format workflow.
func NewWorkflowFromJson(data []byte) (Workflow, error) {
	w := Workflow{}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	for id, n := range w {
		if n.ClassType == "" {
			return nil, fmt.Errorf("node %s has no class_type", id)
		}
		if n.Inputs == nil {
			n.Inputs = map[string]interface{}{}
			w[id] = n
		}
	}
	return w, nil
}

// Clone returns a deep copy; inputs holding links are copied too.
func (w Workflow) Clone() Workflow {
	out := make(Workflow, len(w))
	for id, n := range w {
		c := PromptNode{
			ClassType: n.ClassType,
			Inputs:    make(map[string]interface{}, len(n.Inputs)),
		}
		if n.Meta != nil {
			m := *n.Meta
			c.Meta = &m
		}
		for k, v := range n.Inputs {
			c.Inputs[k] = cloneValue(v)
		}
		out[id] = c
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []interface{}:
		s := make([]interface{}, len(t))
		for i := range t {
			s[i] = cloneValue(t[i])
		}
		return s
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	default:
		return v
	}
}

// GetNodeById returns the node with the given id, or nil
func (w Workflow) GetNodeById(id string) *PromptNode {
	n, ok := w[id]
	if !ok {
		return nil
	}
	return &n
}

// Title is the node's display title, falling back to its class type.
func (w Workflow) Title(id string) string {
	n, ok := w[id]
	if !ok {
		return id
	}
	if n.Meta != nil && n.Meta.Title != "" {
		return n.Meta.Title
	}
	return n.ClassType
}

// HasInput reports whether node id declares input name.
func (w Workflow) HasInput(id string, name string) bool {
	n, ok := w[id]
	if !ok {
		return false
	}
	_, ok = n.Inputs[name]
	return ok
}

// Input returns the value of an input.
func (w Workflow) Input(id string, name string) (interface{}, bool) {
	n, ok := w[id]
	if !ok {
		return nil, false
	}
	v, ok := n.Inputs[name]
	return v, ok
}

// SetInput overwrites a widget input. Link inputs cannot be overwritten.
func (w Workflow) SetInput(id string, name string, value interface{}) error {
	n, ok := w[id]
	if !ok {
		return fmt.Errorf("node %s not found", id)
	}
	if IsLink(n.Inputs[name]) {
		return fmt.Errorf("input %s of node %s is a link", name, id)
	}
	n.Inputs[name] = value
	return nil
}

// IsLink reports whether an input value is a [node_id, slot] connection.
func IsLink(v interface{}) bool {
	s, ok := v.([]interface{})
	if !ok || len(s) != 2 {
		return false
	}
	_, isStr := s[0].(string)
	switch s[1].(type) {
	case float64, int:
		return isStr
	}
	return false
}

// NodeIDs returns the node ids in numeric order (non-numeric ids sort last).
func (w Workflow) NodeIDs() []string {
	ids := make([]string, 0, len(w))
	for id := range w {
		ids = append(ids, id)
	}
	SortNodeIDs(ids)
	return ids
}

// SortNodeIDs orders ComfyUI node ids numerically where possible.
func SortNodeIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, aerr := strconv.Atoi(ids[i])
		b, berr := strconv.Atoi(ids[j])
		switch {
		case aerr == nil && berr == nil:
			return a < b
		case aerr == nil:
			return true
		case berr == nil:
			return false
		}
		return ids[i] < ids[j]
	})
}

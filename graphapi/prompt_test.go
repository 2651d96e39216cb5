package graphapi

import (
	"encoding/json"
	"testing"
)

const sampleWorkflow = `{
  "10": {"class_type": "SaveImage", "inputs": {"filename_prefix": "x", "images": ["2", 0]}},
  "2": {"class_type": "VAEDecode", "inputs": {"samples": ["1", 0], "vae": ["1", 2]}, "_meta": {"title": "Decode"}},
  "1": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "m.safetensors"}}
}`

func TestNewWorkflowFromJson(t *testing.T) {
	w, err := NewWorkflowFromJson([]byte(sampleWorkflow))
	if err != nil {
		t.Fatalf("Failed to parse workflow: %v", err)
	}
	if len(w) != 3 {
		t.Fatalf("Expected 3 nodes, got %d", len(w))
	}
	if got := w.Title("2"); got != "Decode" {
		t.Errorf("Expected title Decode, got %s", got)
	}
	if got := w.Title("1"); got != "CheckpointLoaderSimple" {
		t.Errorf("Expected class type as title, got %s", got)
	}

	ids := w.NodeIDs()
	if ids[0] != "1" || ids[1] != "2" || ids[2] != "10" {
		t.Errorf("Expected numeric node order, got %v", ids)
	}

	if _, err := NewWorkflowFromJson([]byte(`{"1": {"inputs": {}}}`)); err == nil {
		t.Error("Expected an error for a node without class_type")
	}
}

func TestSetInputRejectsLinks(t *testing.T) {
	w, err := NewWorkflowFromJson([]byte(sampleWorkflow))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.SetInput("2", "vae", "nope"); err == nil {
		t.Error("Expected an error when overwriting a link input")
	}
	if err := w.SetInput("1", "ckpt_name", "other.safetensors"); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if v, _ := w.Input("1", "ckpt_name"); v != "other.safetensors" {
		t.Errorf("Expected input to be updated, got %v", v)
	}
	if err := w.SetInput("99", "x", 1); err == nil {
		t.Error("Expected an error for a missing node")
	}
}

func TestCloneIsDeep(t *testing.T) {
	w, err := NewWorkflowFromJson([]byte(sampleWorkflow))
	if err != nil {
		t.Fatal(err)
	}
	c := w.Clone()
	_ = c.SetInput("1", "ckpt_name", "changed")
	c["2"].Inputs["samples"].([]interface{})[0] = "7"

	if v, _ := w.Input("1", "ckpt_name"); v != "m.safetensors" {
		t.Errorf("Clone shares inputs with the original: %v", v)
	}
	if v, _ := w.Input("2", "samples"); v.([]interface{})[0] != "1" {
		t.Errorf("Clone shares links with the original: %v", v)
	}
}

func TestPromptMarshal(t *testing.T) {
	w, err := NewWorkflowFromJson([]byte(sampleWorkflow))
	if err != nil {
		t.Fatal(err)
	}
	p := NewPrompt("client-1", w)
	p.ExtraData = &PromptExtraData{PngInfo: map[string]interface{}{"job_id": "abc"}}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]interface{}
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back["client_id"] != "client-1" {
		t.Errorf("Expected client_id, got %v", back["client_id"])
	}
	nodes := back["prompt"].(map[string]interface{})
	if len(nodes) != 3 {
		t.Errorf("Expected 3 prompt nodes, got %d", len(nodes))
	}
	extra := back["extra_data"].(map[string]interface{})["extra_pnginfo"].(map[string]interface{})
	if extra["job_id"] != "abc" {
		t.Errorf("Expected extra_pnginfo.job_id, got %v", extra["job_id"])
	}
}

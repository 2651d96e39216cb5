package client

import "github.com/richinsley/comfyworker/graphapi"

// QueueItem is the server's acknowledgement of a queued prompt.
type QueueItem struct {
	PromptID   string                 `json:"prompt_id"`
	Number     int                    `json:"number"`
	NodeErrors map[string]interface{} `json:"node_errors"`
	Workflow   graphapi.Workflow      `json:"-"`
	// outputs reported by "executed" messages, keyed by node id
	Outputs map[string][]DataOutput `json:"-"`
}

func (qi *QueueItem) addOutputs(d *PromptMessageData) {
	if qi.Outputs == nil {
		qi.Outputs = make(map[string][]DataOutput)
	}
	for _, outs := range d.Data {
		qi.Outputs[d.NodeID] = append(qi.Outputs[d.NodeID], outs...)
	}
}

// Package serverless is the platform boundary: it takes jobs from RunPod (or from a local
// HTTP API that mirrors RunPod's job API) and hands each one to a Handler.
package serverless

import (
	"context"

	"github.com/richinsley/comfyworker/job"
)

// Handler processes one job to its terminal result.
type Handler interface {
	Handle(ctx context.Context, jobID string, input map[string]interface{}) job.Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, jobID string, input map[string]interface{}) job.Result

func (f HandlerFunc) Handle(ctx context.Context, jobID string, input map[string]interface{}) job.Result {
	return f(ctx, jobID, input)
}

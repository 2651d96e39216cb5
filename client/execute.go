package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/gabriel-vasile/mimetype"
	"github.com/richinsley/comfyworker/graphapi"
	"go.uber.org/zap"
)

func (c *ComfyClient) webSocketURL(clientID string) string {
	return fmt.Sprintf("ws://%s/ws?clientId=%s", c.serverBaseAddress, url.QueryEscape(clientID))
}

// Execute submits prompt once, follows its progress over the websocket and downloads every
// output file once the prompt finishes. The whole call is bounded by the client's execution
// timeout; hitting it returns an error wrapping ErrExecutionTimeout.
func (c *ComfyClient) Execute(ctx context.Context, prompt *graphapi.Prompt, handlers *MessageHandlers) ([]Artifact, error) {
	timeout := c.executionTimeout
	ctx, cancel := context.WithTimeoutCause(ctx, timeout, fmt.Errorf("%w after %s", ErrExecutionTimeout, timeout))
	defer cancel()

	if prompt.ClientID == "" {
		prompt.ClientID = c.clientid
	}

	// the socket has to be open before queueing or early messages are lost
	ws := NewWebSocketConnection(c.webSocketURL(prompt.ClientID), c.dialRetry, c.logger)
	if err := ws.Connect(ctx); err != nil {
		return nil, err
	}
	defer ws.Close()

	item, err := c.QueuePrompt(ctx, prompt)
	if err != nil {
		return nil, err
	}
	logger := c.logger.With(zap.String("prompt_id", item.PromptID))
	logger.Info("prompt queued", zap.Int("number", item.Number))

	// giving up on a prompt leaves it running on the server; it is never interrupted here
	if err := item.ProcessMessages(ctx, c, ws, handlers); err != nil {
		if errors.Is(err, ErrExecutionTimeout) {
			logger.Warn("prompt exceeded execution timeout", zap.Duration("timeout", timeout))
		}
		return nil, err
	}

	artifacts, err := c.collectArtifacts(ctx, item)
	if err != nil {
		return nil, err
	}
	logger.Info("prompt finished", zap.Int("artifacts", len(artifacts)))

	if err := c.EraseHistoryItem(ctx, item.PromptID); err != nil {
		logger.Debug("erasing history item", zap.Error(err))
	}
	return artifacts, nil
}

// collectArtifacts downloads the prompt's output files in node id order. The history
// entry is authoritative; outputs seen on the websocket are the fallback.
func (c *ComfyClient) collectArtifacts(ctx context.Context, item *QueueItem) ([]Artifact, error) {
	outputs := make(map[string][]DataOutput)
	history, err := c.GetHistory(ctx, item.PromptID)
	if err != nil {
		c.logger.Warn("reading prompt history", zap.String("prompt_id", item.PromptID), zap.Error(err))
	}
	if history != nil {
		for id, o := range history.Outputs {
			files := append(append([]DataOutput{}, o.Images...), o.Gifs...)
			if len(files) > 0 {
				outputs[id] = files
			}
		}
	}
	if len(outputs) == 0 {
		for id, files := range item.Outputs {
			outputs[id] = files
		}
	}

	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	graphapi.SortNodeIDs(ids)

	var artifacts []Artifact
	for _, id := range ids {
		for _, o := range outputs[id] {
			// previews land in temp; only saved outputs are results
			if !o.IsFile() || o.Type == string(TempImageType) {
				continue
			}
			data, err := c.GetImage(ctx, o)
			if err != nil {
				return nil, fmt.Errorf("downloading %s: %w", o.Filename, err)
			}
			artifacts = append(artifacts, Artifact{
				NodeID:      id,
				Filename:    o.Filename,
				ContentType: mimetype.Detect(data).String(),
				Data:        data,
			})
		}
	}
	if len(artifacts) == 0 {
		return nil, ErrNoOutputs
	}
	return artifacts, nil
}

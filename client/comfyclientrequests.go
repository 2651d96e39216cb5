package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/richinsley/comfyworker/graphapi"
	"go.uber.org/zap"
)

/*
@routes.get("/view")
@routes.get("/system_stats")
@routes.get("/prompt")
@routes.get("/history/{prompt_id}")

@routes.post("/prompt")
@routes.post("/interrupt")
@routes.post("/history")
@routes.post("/upload/image")
*/

const readyPollInterval = 2 * time.Second

// do performs one request against the server and returns the body and status code
func (c *ComfyClient) do(ctx context.Context, method string, path string, contentType string, body io.Reader) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL()+path, body)
	if err != nil {
		return nil, 0, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

func (c *ComfyClient) getJSON(ctx context.Context, path string, v interface{}) error {
	body, status, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, status)
	}
	return json.Unmarshal(body, v)
}

func (c *ComfyClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	retv := &SystemStats{}
	if err := c.getJSON(ctx, "/system_stats", retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// GetObjectInfos returns the node classes installed on the server
func (c *ComfyClient) GetObjectInfos(ctx context.Context) (*graphapi.NodeObjects, error) {
	retv := &graphapi.NodeObjects{}
	if err := c.getJSON(ctx, "/object_info", retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// WaitForReady polls /system_stats every two seconds until the server answers or
// timeout elapses.
func (c *ComfyClient) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		_, err := c.GetSystemStats(ctx)
		if err == nil {
			return nil
		}
		c.logger.Debug("ComfyUI not ready", zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("ComfyUI at %s not ready after %s: %w", c.BaseURL(), timeout, err)
		case <-ticker.C:
		}
	}
}

// GetImage downloads an output file through /view
func (c *ComfyClient) GetImage(ctx context.Context, image_data DataOutput) ([]byte, error) {
	params := url.Values{}
	params.Add("filename", image_data.Filename)
	params.Add("subfolder", image_data.Subfolder)
	params.Add("type", image_data.Type)
	body, status, err := c.do(ctx, http.MethodGet, "/view?"+params.Encode(), "", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("view %s: unexpected status %d", image_data.Filename, status)
	}
	return body, nil
}

// GetQueueExecutionInfo reports how many prompts the server still has queued.
func (c *ComfyClient) GetQueueExecutionInfo(ctx context.Context) (*QueueExecInfo, error) {
	queue_exec := &QueueExecInfo{}
	if err := c.getJSON(ctx, "/prompt", queue_exec); err != nil {
		return nil, err
	}
	return queue_exec, nil
}

// GetHistory returns the history entry of a prompt, or nil if the server has none yet.
func (c *ComfyClient) GetHistory(ctx context.Context, promptID string) (*HistoryItem, error) {
	history := make(map[string]HistoryItem)
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), &history); err != nil {
		return nil, err
	}
	item, ok := history[promptID]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

// QueuePrompt submits a prompt. A rejected prompt is returned as a *PromptError.
func (c *ComfyClient) QueuePrompt(ctx context.Context, prompt *graphapi.Prompt) (*QueueItem, error) {
	if prompt.ClientID == "" {
		prompt.ClientID = c.clientid
	}

	data, err := json.Marshal(prompt)
	if err != nil {
		return nil, err
	}
	body, status, err := c.do(ctx, http.MethodPost, "/prompt", "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		// {"error": {"type": "prompt_no_outputs",
		//				"message": "Prompt has no outputs",
		//				"details": "",
		//				"extra_info": {}
		//			  },
		// "node_errors": {}
		// }
		perr := &PromptError{StatusCode: status}
		perror := &PromptErrorMessage{}
		if jerr := json.Unmarshal(body, perror); jerr != nil {
			perr.Message = string(body)
		} else {
			perr.Type = perror.Error.Type
			perr.Message = perror.Error.Message
			perr.Details = perror.Error.Details
			perr.NodeErrors = perror.NodeErrors
		}
		return nil, perr
	}

	// create the queue item
	item := &QueueItem{Workflow: prompt.Nodes}
	if err := json.Unmarshal(body, item); err != nil {
		return nil, fmt.Errorf("decoding prompt response: %w", err)
	}
	if item.PromptID == "" {
		return nil, errors.New("prompt response has no prompt_id")
	}
	if len(item.NodeErrors) > 0 {
		return nil, &PromptError{StatusCode: status, Type: "node_errors", NodeErrors: item.NodeErrors}
	}
	return item, nil
}

// Interrupt stops the prompt the server is currently executing
func (c *ComfyClient) Interrupt(ctx context.Context) error {
	_, status, err := c.do(ctx, http.MethodPost, "/interrupt", "application/json", bytes.NewReader([]byte("{}")))
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("interrupt: unexpected status %d", status)
	}
	return nil
}

func (c *ComfyClient) EraseHistoryItem(ctx context.Context, promptID string) error {
	// delete post takes an array of IDs. We'll provide a single ID in a json array
	data, _ := json.Marshal(map[string][]string{"delete": {promptID}})
	_, status, err := c.do(ctx, http.MethodPost, "/history", "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("erase history: unexpected status %d", status)
	}
	return nil
}

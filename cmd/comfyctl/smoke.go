package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/richinsley/comfyworker/config"
	"github.com/richinsley/comfyworker/job"
	"github.com/richinsley/comfyworker/storage"
	"github.com/spf13/cobra"
)

const defaultSmokeBase = "https://api.runpod.ai/v2/"

// jobResponse is the job API's answer for /run, /runsync and /status.
type jobResponse struct {
	ID     string      `json:"id"`
	Status string      `json:"status"`
	Output *job.Result `json:"output"`
	Error  string      `json:"error"`
}

type smokeClient struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	pollInterval time.Duration
	maxPolls     int
	out          io.Writer
	ui           *ui
	// artifacts, when set, confirms every reported URL exists in the worker's storage.
	artifacts storage.Checker
}

type checkResult struct {
	name   string
	passed bool
}

func (c *smokeClient) request(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out, nil
}

func (c *smokeClient) submit(ctx context.Context, path string, input map[string]any) (*jobResponse, error) {
	status, body, err := c.request(ctx, http.MethodPost, path, map[string]any{"input": input})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", status, truncate(string(body), 500))
	}
	var jr jobResponse
	if err := json.Unmarshal(body, &jr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &jr, nil
}

func (c *smokeClient) printf(format string, a ...any) {
	fmt.Fprintf(c.out, format, a...)
}

func (c *smokeClient) checkValidation(ctx context.Context) bool {
	c.printf("\n%s\n", c.ui.title("--- Testing input validation ---"))

	jr, err := c.submit(ctx, "/runsync", map[string]any{"prompt": "test"})
	if err != nil || jr.Output == nil || !strings.Contains(jr.Output.Error, "workflow_type") {
		c.printf("  Missing workflow_type: %s\n", c.ui.err("unexpected response"))
		return false
	}
	c.printf("  Missing workflow_type: %s\n", c.ui.ok("correctly rejected"))

	jr, err = c.submit(ctx, "/runsync", map[string]any{"workflow_type": "nonexistent"})
	if err != nil || jr.Output == nil || jr.Output.Error == "" {
		c.printf("  Invalid workflow_type: %s\n", c.ui.err("unexpected response"))
		return false
	}
	c.printf("  Invalid workflow_type: %s\n", c.ui.ok("correctly rejected"))
	return true
}

func (c *smokeClient) checkImageGen(ctx context.Context) bool {
	c.printf("\n%s\n", c.ui.title("--- Testing image_gen workflow ---"))
	input := map[string]any{
		"workflow_type":   "image_gen",
		"prompt":          "Modern luxury kitchen with marble countertops, warm natural lighting, professional real estate photography, 8K, ultra detailed",
		"negative_prompt": "blurry, low quality, watermark, text, cartoon",
		"width":           1280,
		"height":          720,
		"steps":           20,
		"seed":            12345,
	}

	spin := c.spinner(" Waiting for /runsync...")
	jr, err := c.submit(ctx, "/runsync", input)
	spin.Stop()
	if err != nil {
		c.printf("  %s %v\n", c.ui.err("FAILED:"), err)
		return false
	}
	if jr.Status != "COMPLETED" || jr.Output == nil {
		c.printf("  %s status=%s\n", c.ui.err("FAILED:"), jr.Status)
		c.printf("  Error: %s\n", jobError(jr))
		return false
	}
	c.printf("  Status: %s\n", jr.Output.Status)
	c.printf("  Output URLs: %d\n", len(jr.Output.OutputURLs))
	for _, u := range jr.Output.OutputURLs {
		c.printf("    %s %s\n", c.ui.dim("->"), truncate(u, 100))
	}
	if len(jr.Output.OutputURLs) == 0 {
		return false
	}
	return c.verifyArtifacts(ctx, jr.Output.OutputURLs)
}

func (c *smokeClient) verifyArtifacts(ctx context.Context, urls []string) bool {
	if c.artifacts == nil {
		return true
	}
	for _, u := range urls {
		key, ok := storage.KeyFromURL(u)
		if !ok {
			c.printf("  Storage: %s %s\n", c.ui.err("unrecognised artifact URL"), truncate(u, 100))
			return false
		}
		found, err := c.artifacts.Exists(ctx, key)
		if err != nil {
			c.printf("  Storage: %s %v\n", c.ui.err("check failed:"), err)
			return false
		}
		if !found {
			c.printf("  Storage: %s %s\n", c.ui.err("missing"), key)
			return false
		}
		c.printf("  Storage: %s %s\n", c.ui.ok("found"), key)
	}
	return true
}

func (c *smokeClient) checkFaceSwap(ctx context.Context) bool {
	c.printf("\n%s\n", c.ui.title("--- Testing face_swap workflow ---"))
	input := map[string]any{
		"workflow_type": "face_swap",
		"source_image":  "https://example.com/agent-headshot.jpg",
		"target_image":  "https://example.com/generated-presenter.png",
		"face_index":    0,
		"restore_face":  true,
	}
	jr, err := c.submit(ctx, "/run", input)
	if err != nil {
		c.printf("  %s %v\n", c.ui.err("FAILED:"), err)
		return false
	}
	c.printf("  Job ID: %s\n", jr.ID)

	for attempt := 1; attempt <= c.maxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.pollInterval):
		}
		status, body, err := c.request(ctx, http.MethodGet, "/status/"+jr.ID, nil)
		if err != nil || status != http.StatusOK {
			c.printf("  Poll %d: %s\n", attempt, c.ui.warn("unavailable"))
			continue
		}
		var st jobResponse
		if err := json.Unmarshal(body, &st); err != nil {
			continue
		}
		c.printf("  Poll %d: %s\n", attempt, st.Status)
		switch st.Status {
		case "COMPLETED":
			if st.Output != nil {
				c.printf("  Output URLs: %d\n", len(st.Output.OutputURLs))
			}
			return true
		case "FAILED", "CANCELLED":
			c.printf("  Error: %s\n", jobError(&st))
			return false
		}
	}
	c.printf("  %s\n", c.ui.err("TIMED OUT waiting for completion"))
	return false
}

func (c *smokeClient) spinner(suffix string) *spinner.Spinner {
	spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
	spin.Suffix = suffix
	spin.Writer = os.Stderr
	spin.Start()
	return spin
}

// run executes the checks and prints the summary. It reports whether all passed.
func (c *smokeClient) run(ctx context.Context, skipGeneration bool) bool {
	c.printf("Testing endpoint: %s\n", c.ui.info(c.baseURL))

	results := []checkResult{{"Validation", c.checkValidation(ctx)}}
	if !skipGeneration {
		results = append(results,
			checkResult{"Image Gen", c.checkImageGen(ctx)},
			checkResult{"Face Swap", c.checkFaceSwap(ctx)},
		)
	}

	c.printf("\n%s\n", c.ui.title("=== Results ==="))
	allPassed := true
	for _, r := range results {
		mark := c.ui.ok("PASS")
		if !r.passed {
			mark = c.ui.err("FAIL")
			allPassed = false
		}
		c.printf("  %s: %s\n", r.name, mark)
	}
	return allPassed
}

func jobError(jr *jobResponse) string {
	if jr.Output != nil && jr.Output.Error != "" {
		return jr.Output.Error
	}
	if jr.Error != "" {
		return jr.Error
	}
	return "unknown"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func newSmokeCmd(u *ui) *cobra.Command {
	var endpointID, apiKey, baseURL string
	var skipGeneration, checkStorage bool
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Smoke test a deployed endpoint or a local worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if baseURL == "" {
				if endpointID == "" {
					return fmt.Errorf("--endpoint-id or --base-url is required")
				}
				baseURL = defaultSmokeBase + endpointID
			}
			if apiKey == "" {
				apiKey = os.Getenv("RUNPOD_API_KEY")
			}
			c := &smokeClient{
				baseURL:      strings.TrimRight(baseURL, "/"),
				apiKey:       apiKey,
				httpClient:   &http.Client{Timeout: 300 * time.Second},
				pollInterval: 5 * time.Second,
				maxPolls:     60,
				out:          cmd.OutOrStdout(),
				ui:           u,
			}
			if checkStorage {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				p, err := storage.New(cmd.Context(), cfg.Storage, nil)
				if err != nil {
					return err
				}
				checker, ok := p.(storage.Checker)
				if !ok {
					return fmt.Errorf("storage backend %q cannot be checked", cfg.Storage.Backend)
				}
				c.artifacts = checker
			}
			if !c.run(cmd.Context(), skipGeneration) {
				return fmt.Errorf("smoke test failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&endpointID, "endpoint-id", "", "serverless endpoint id")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (default $RUNPOD_API_KEY)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "job API base URL, e.g. a worker started with -local-api")
	cmd.Flags().BoolVar(&skipGeneration, "skip-generation", false, "only run the validation checks")
	cmd.Flags().BoolVar(&checkStorage, "check-storage", false, "confirm generated artifacts exist in the configured storage")
	return cmd
}

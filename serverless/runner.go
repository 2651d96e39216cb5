package serverless

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/richinsley/comfyworker/job"
	"github.com/richinsley/comfyworker/metrics"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = time.Second
	deliveryAttempts    = 3
)

// RunnerConfig carries the webhooks the platform injects into each worker.
type RunnerConfig struct {
	GetJobURL     string // RUNPOD_WEBHOOK_GET_JOB, $ID is the pod id
	PostOutputURL string // RUNPOD_WEBHOOK_POST_OUTPUT, $ID is the job id
	APIKey        string // RUNPOD_AI_API_KEY
	PodID         string
	PollInterval  time.Duration
	// DeliveryBaseDelay is the first backoff step when posting a result fails
	DeliveryBaseDelay time.Duration
}

// Runner takes jobs from the platform one at a time and posts each result back.
type Runner struct {
	cfg        RunnerConfig
	handler    Handler
	httpclient *http.Client
	logger     *zap.Logger
}

type takenJob struct {
	ID    string                 `json:"id"`
	Input map[string]interface{} `json:"input"`
}

func NewRunner(cfg RunnerConfig, handler Handler, logger *zap.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.DeliveryBaseDelay <= 0 {
		cfg.DeliveryBaseDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:     cfg,
		handler: handler,
		// job-take is a long poll on the platform side
		httpclient: &http.Client{Timeout: 90 * time.Second},
		logger:     logger,
	}
}

func (r *Runner) SetHttpClient(client *http.Client) {
	r.httpclient = client
}

// Run polls for jobs until ctx is cancelled. A job in flight is finished and its result
// delivered before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner started", zap.String("pod_id", r.cfg.PodID))
	for {
		if ctx.Err() != nil {
			r.logger.Info("runner stopped")
			return nil
		}
		jobs, err := r.takeJobs(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.logger.Warn("job take failed", zap.Error(err))
			sleepCtx(ctx, r.cfg.PollInterval)
			continue
		}
		if len(jobs) == 0 {
			sleepCtx(ctx, r.cfg.PollInterval)
			continue
		}
		for _, j := range jobs {
			r.runJob(ctx, j)
		}
	}
}

func (r *Runner) runJob(ctx context.Context, j takenJob) {
	r.logger.Info("job taken", zap.String("job_id", j.ID))
	// the job owns the GPU until it finishes; shutdown does not abort it
	res := r.handler.Handle(context.WithoutCancel(ctx), j.ID, j.Input)
	if err := r.postOutput(context.WithoutCancel(ctx), j.ID, res); err != nil {
		metrics.ResultDeliveries.WithLabelValues("failed").Inc()
		r.logger.Error("result delivery failed", zap.String("job_id", j.ID), zap.Error(err))
		return
	}
	metrics.ResultDeliveries.WithLabelValues("delivered").Inc()
}

func (r *Runner) takeURL() (string, error) {
	raw := strings.ReplaceAll(r.cfg.GetJobURL, "$ID", r.cfg.PodID)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid job take url: %w", err)
	}
	// jobs run serially, so nothing is in flight while polling
	q := u.Query()
	q.Set("job_in_progress", "0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *Runner) takeJobs(ctx context.Context) ([]takenJob, error) {
	u, err := r.takeURL()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", r.cfg.APIKey)

	resp, err := r.httpclient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("job take returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return decodeJobs(body)
}

// decodeJobs accepts a single job object or a batch.
func decodeJobs(body []byte) ([]takenJob, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	var jobs []takenJob
	if body[0] == '[' {
		if err := json.Unmarshal(body, &jobs); err != nil {
			return nil, fmt.Errorf("decoding jobs: %w", err)
		}
	} else {
		var j takenJob
		if err := json.Unmarshal(body, &j); err != nil {
			return nil, fmt.Errorf("decoding job: %w", err)
		}
		jobs = []takenJob{j}
	}
	out := jobs[:0]
	for _, j := range jobs {
		if j.ID != "" {
			out = append(out, j)
		}
	}
	return out, nil
}

type outputPayload struct {
	Output job.Result `json:"output"`
	Error  string     `json:"error,omitempty"`
}

func (r *Runner) outputURL(jobID string) string {
	u := strings.ReplaceAll(r.cfg.PostOutputURL, "$RUNPOD_POD_ID", r.cfg.PodID)
	u = strings.ReplaceAll(u, "$ID", jobID)
	if strings.Contains(u, "?") {
		return u + "&isStream=false"
	}
	return u + "?isStream=false"
}

// postOutput delivers res, retrying with exponential backoff. Only delivery is retried;
// the job itself never runs twice.
func (r *Runner) postOutput(ctx context.Context, jobID string, res job.Result) error {
	payload := outputPayload{Output: res}
	if !res.Success() {
		payload.Error = res.Error
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	delay := r.cfg.DeliveryBaseDelay
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		lastErr = r.post(ctx, r.outputURL(jobID), body)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return lastErr
		}
		r.logger.Warn("posting result",
			zap.String("job_id", jobID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt < deliveryAttempts && !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("posting result after %d attempts: %w", deliveryAttempts, lastErr)
}

type permanentError struct {
	status int
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("job done rejected with %d", e.status)
}

func (r *Runner) post(ctx context.Context, u string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", r.cfg.APIKey)

	resp, err := r.httpclient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("job done returned %d", resp.StatusCode)
	default:
		return &permanentError{status: resp.StatusCode}
	}
}

// sleepCtx waits d or until ctx is done. It reports whether the full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Package handler turns one platform job into one Job Result: it injects the job's
// parameters into a workflow template, runs it on the engine and publishes the artifacts.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/richinsley/comfyworker/client"
	"github.com/richinsley/comfyworker/graphapi"
	"github.com/richinsley/comfyworker/job"
	"github.com/richinsley/comfyworker/logger"
	"github.com/richinsley/comfyworker/metrics"
	"github.com/richinsley/comfyworker/storage"
	"github.com/richinsley/comfyworker/tracing"
	"github.com/richinsley/comfyworker/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is the lifecycle state of a job inside the dispatcher.
type State string

const (
	StateReceived   State = "received"
	StateProcessing State = "processing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

const (
	stageInject   = "inject"
	stageInputs   = "stage_inputs"
	stageGenerate = "generate"
	stagePublish  = "publish"
)

// Engine is the part of the Engine Client the dispatcher uses.
type Engine interface {
	UploadFileFromReader(ctx context.Context, r io.Reader, filename string, overwrite bool, filetype client.ImageType, subfolder string) (string, error)
	Execute(ctx context.Context, prompt *graphapi.Prompt, handlers *client.MessageHandlers) ([]client.Artifact, error)
}

// Dispatcher runs jobs one stage after another; it holds no per-job state.
type Dispatcher struct {
	injector  *workflow.Injector
	engine    Engine
	publisher storage.Publisher
	fetcher   *Fetcher
	logger    *zap.Logger
	tracer    trace.Tracer
}

type Option func(*Dispatcher)

// WithFetcher replaces the input image fetcher.
func WithFetcher(f *Fetcher) Option {
	return func(d *Dispatcher) { d.fetcher = f }
}

func NewDispatcher(injector *workflow.Injector, engine Engine, publisher storage.Publisher, l *zap.Logger, opts ...Option) *Dispatcher {
	if l == nil {
		l = zap.NewNop()
	}
	d := &Dispatcher{
		injector:  injector,
		engine:    engine,
		publisher: publisher,
		fetcher:   NewFetcher(DefaultFetchTimeout),
		logger:    l,
		tracer:    tracing.Tracer(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Handle runs one job to its terminal result. It never panics on bad input and never
// retries: the first failing stage decides the result.
func (d *Dispatcher) Handle(ctx context.Context, jobID string, input map[string]interface{}) job.Result {
	start := time.Now()
	metrics.JobsActive.Inc()
	defer metrics.JobsActive.Dec()

	opName := operationName(input)
	log := logger.ForJob(d.logger, jobID, opName)
	log.Info("job state", zap.String("state", string(StateReceived)))

	ctx, span := d.tracer.Start(ctx, "job",
		trace.WithAttributes(attribute.String("job.id", jobID), attribute.String("job.operation", opName)))
	defer span.End()

	result := d.run(ctx, jobID, input, log)

	metrics.JobsTotal.WithLabelValues(opName, string(result.Status)).Inc()
	metrics.JobDuration.WithLabelValues(opName).Observe(time.Since(start).Seconds())
	if result.Success() {
		log.Info("job state",
			zap.String("state", string(StateSucceeded)),
			zap.Strings("output_urls", result.OutputURLs),
			zap.Duration("took", time.Since(start)),
		)
	} else {
		metrics.JobFailures.WithLabelValues(opName, string(result.ErrorKind)).Inc()
		span.SetStatus(codes.Error, result.Error)
		log.Warn("job state",
			zap.String("state", string(StateFailed)),
			zap.String("error_kind", string(result.ErrorKind)),
			zap.String("error", result.Error),
			zap.Duration("took", time.Since(start)),
		)
	}
	return result
}

func (d *Dispatcher) run(ctx context.Context, jobID string, input map[string]interface{}, log *zap.Logger) job.Result {
	req, err := job.ParseRequest(jobID, input)
	if err != nil {
		return job.Failed(jobID, "", err)
	}
	op := req.Operation
	log.Info("job state", zap.String("state", string(StateProcessing)))

	var w graphapi.Workflow
	err = d.stage(ctx, op, stageInject, func(ctx context.Context) error {
		w, err = d.injector.Inject(op, req.Params)
		return err
	})
	if err != nil {
		return job.Failed(jobID, op, err)
	}

	err = d.stage(ctx, op, stageInputs, func(ctx context.Context) error {
		return d.stageInputs(ctx, op, w, log)
	})
	if err != nil {
		return job.Failed(jobID, op, err)
	}

	var artifacts []client.Artifact
	err = d.stage(ctx, op, stageGenerate, func(ctx context.Context) error {
		artifacts, err = d.generate(ctx, req, w, log)
		return err
	})
	if err != nil {
		return job.Failed(jobID, op, err)
	}

	var urls []string
	err = d.stage(ctx, op, stagePublish, func(ctx context.Context) error {
		urls, err = d.publish(ctx, req, artifacts)
		return err
	})
	if err != nil {
		return job.Failed(jobID, op, err)
	}
	return job.Succeeded(jobID, op, urls)
}

func (d *Dispatcher) stage(ctx context.Context, op job.Operation, name string, fn func(context.Context) error) error {
	ctx, span := d.tracer.Start(ctx, name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.StageDuration.WithLabelValues(string(op), name).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (d *Dispatcher) generate(ctx context.Context, req *job.Request, w graphapi.Workflow, log *zap.Logger) ([]client.Artifact, error) {
	prompt := graphapi.NewPrompt("", w)
	prompt.ExtraData = &graphapi.PromptExtraData{PngInfo: map[string]interface{}{
		"job_id":    req.ID,
		"operation": string(req.Operation),
	}}

	handlers := client.LoggingMessageHandlers(log).
		WithProgressHandler(func(p *client.PromptMessageProgress) {
			metrics.EngineProgress.Inc()
		})

	artifacts, err := d.engine.Execute(ctx, prompt, handlers)
	if err == nil {
		return artifacts, nil
	}

	var execErr *client.ExecutionError
	var promptErr *client.PromptError
	switch {
	case errors.Is(err, client.ErrExecutionTimeout):
		return nil, job.NewEngineError("ComfyUI execution timeout", err)
	case errors.Is(err, client.ErrNoOutputs):
		return nil, job.NewEngineError("workflow produced no output images", nil)
	case errors.As(err, &execErr):
		return nil, job.NewEngineError(fmt.Sprintf("%s failed", execErr.NodeType), errors.New(execErr.ExceptionMessage))
	case errors.As(err, &promptErr):
		return nil, job.NewEngineError("ComfyUI rejected the workflow", err)
	case errors.Is(err, context.Canceled):
		return nil, job.NewEngineError("job cancelled while waiting for ComfyUI", err)
	}
	return nil, job.NewEngineError("ComfyUI execution failed", err)
}

func (d *Dispatcher) publish(ctx context.Context, req *job.Request, artifacts []client.Artifact) ([]string, error) {
	if len(artifacts) == 0 {
		return nil, job.NewEngineError("workflow produced no output images", nil)
	}
	urls := make([]string, 0, len(artifacts))
	for i, a := range artifacts {
		key := storage.ArtifactKey(req.ID, req.Operation, i, a.ContentType)
		u, err := d.publisher.Publish(ctx, key, a.ContentType, a.Data)
		if err != nil {
			if job.KindOf(err) == "" {
				err = job.NewStorageError(fmt.Sprintf("publishing %s", key), err)
			}
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, nil
}

// operationName reads the operation for labelling before the request is validated.
func operationName(input map[string]interface{}) string {
	for _, k := range []string{"operation", "workflow_type"} {
		if s, ok := input[k].(string); ok && job.Operation(s).Valid() {
			return s
		}
	}
	return "unknown"
}

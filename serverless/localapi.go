package serverless

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/richinsley/comfyworker/metrics"
	"go.uber.org/zap"
)

const defaultQueueSize = 32

type runRequest struct {
	Input map[string]interface{} `json:"input"`
}

type queuedJob struct {
	id       string
	input    map[string]interface{}
	enqueued time.Time
	done     chan *JobRecord
	// ctx is cancelled when a /runsync caller goes away; the handler stops waiting on
	// the engine but the prompt already submitted keeps running.
	ctx    context.Context
	cancel context.CancelFunc
}

// LocalAPI serves the platform's job API over HTTP so the worker can be driven without
// the platform. All jobs, sync or async, go through one serial worker.
type LocalAPI struct {
	handler Handler
	store   JobStore
	queue   chan *queuedJob
	logger  *zap.Logger
}

func NewLocalAPI(handler Handler, store JobStore, logger *zap.Logger, queueSize int) *LocalAPI {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalAPI{
		handler: handler,
		store:   store,
		queue:   make(chan *queuedJob, queueSize),
		logger:  logger,
	}
}

// Start runs the worker until ctx is cancelled. The job in flight is allowed to finish
// unless its own caller cancels it.
func (a *LocalAPI) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case q := <-a.queue:
				a.work(q)
			}
		}
	}()
}

func (a *LocalAPI) work(q *queuedJob) {
	defer q.cancel()
	ctx := context.WithoutCancel(q.ctx)
	started := time.Now()
	rec := &JobRecord{
		ID:        q.id,
		Status:    JobInProgress,
		DelayTime: started.Sub(q.enqueued).Milliseconds(),
		CreatedAt: q.enqueued,
	}
	a.put(ctx, rec)

	res := a.handler.Handle(q.ctx, q.id, q.input)
	rec.Finish(res, started)
	a.put(ctx, rec)
	if q.done != nil {
		q.done <- rec
	}
}

func (a *LocalAPI) put(ctx context.Context, rec *JobRecord) {
	if err := a.store.Put(ctx, rec); err != nil {
		a.logger.Error("storing job record", zap.String("job_id", rec.ID), zap.Error(err))
	}
}

// Router builds the gin engine with every route of the API.
func (a *LocalAPI) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), a.logRequests())

	r.POST("/run", a.handleRun)
	r.POST("/runsync", a.handleRunSync)
	r.GET("/status/:id", a.handleStatus)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "queued": len(a.queue)})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	return r
}

func (a *LocalAPI) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (a *LocalAPI) enqueue(c *gin.Context, id string, wait bool) (*queuedJob, bool) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return nil, false
	}
	q := &queuedJob{id: id, input: req.Input, enqueued: time.Now()}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	if wait {
		q.done = make(chan *JobRecord, 1)
	}
	a.put(c.Request.Context(), &JobRecord{ID: id, Status: JobInQueue, CreatedAt: q.enqueued})

	select {
	case a.queue <- q:
		return q, true
	default:
		q.cancel()
		a.put(c.Request.Context(), &JobRecord{ID: id, Status: JobFailed, Error: "queue full", CreatedAt: q.enqueued})
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "queue full"})
		return nil, false
	}
}

func (a *LocalAPI) handleRun(c *gin.Context) {
	id := uuid.New().String()
	q, ok := a.enqueue(c, id, false)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, JobRecord{ID: id, Status: JobInQueue, CreatedAt: q.enqueued})
}

func (a *LocalAPI) handleRunSync(c *gin.Context) {
	id := "sync-" + uuid.New().String()
	q, ok := a.enqueue(c, id, true)
	if !ok {
		return
	}
	select {
	case rec := <-q.done:
		c.JSON(http.StatusOK, rec)
	case <-c.Request.Context().Done():
		q.cancel()
		a.logger.Info("runsync client went away, job cancelled", zap.String("job_id", id))
	}
}

func (a *LocalAPI) handleStatus(c *gin.Context) {
	rec, err := a.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Serve starts the worker and listens on addr until ctx is cancelled.
func (a *LocalAPI) Serve(ctx context.Context, addr string) error {
	a.Start(ctx)
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("local api listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Command worker is the container entry point: it starts ComfyUI, then serves jobs either
// from the platform's worker webhooks or from a local copy of the job API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richinsley/comfyworker/client"
	"github.com/richinsley/comfyworker/config"
	"github.com/richinsley/comfyworker/handler"
	"github.com/richinsley/comfyworker/logger"
	"github.com/richinsley/comfyworker/metrics"
	"github.com/richinsley/comfyworker/serverless"
	"github.com/richinsley/comfyworker/storage"
	"github.com/richinsley/comfyworker/supervisor"
	"github.com/richinsley/comfyworker/tracing"
	"github.com/richinsley/comfyworker/workflow"
	"go.uber.org/zap"
)

func main() {
	localAPI := flag.String("local-api", "", "serve the job API on this address instead of polling the platform")
	flag.Parse()

	if err := run(*localAPI); err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR]", err)
		os.Exit(1)
	}
}

func run(localAPI string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateHandler(); err != nil {
		return err
	}
	if localAPI == "" {
		if err := cfg.ValidateRunner(); err != nil {
			return err
		}
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.Endpoint,
		OTLPInsecure: cfg.Tracing.Insecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	templates := workflow.Embedded()
	if cfg.Workflow.Dir != "" {
		templates = os.DirFS(cfg.Workflow.Dir)
	}
	store, err := workflow.LoadStore(templates)
	if err != nil {
		return err
	}

	callbacks := &client.ComfyClientCallbacks{
		ClientQueueCountChanged: func(c *client.ComfyClient, queuecount int) {
			metrics.EngineQueueRemaining.Set(float64(queuecount))
		},
	}
	engine := client.NewComfyClientWithTimeout(cfg.ComfyUI.Host, cfg.ComfyUI.Port, callbacks, cfg.ComfyUI.ExecutionTimeout, 3)
	engine.SetLogger(log.Named("engine"))

	publisher, err := storage.New(ctx, cfg.Storage, log.Named("storage"))
	if err != nil {
		return err
	}

	if !cfg.ComfyUI.External {
		sup := supervisor.New(supervisor.Config{
			Dir:          cfg.ComfyUI.Path,
			Port:         cfg.ComfyUI.Port,
			StartTimeout: cfg.ComfyUI.StartupTimeout,
		}, engine, log)
		if err := sup.Start(ctx); err != nil {
			return err
		}
		defer sup.Stop()
		var cancel context.CancelFunc
		ctx, cancel = sup.Watch(ctx)
		defer cancel()
	} else if err := engine.WaitForReady(ctx, cfg.ComfyUI.StartupTimeout); err != nil {
		return err
	}

	if objects, err := engine.GetObjectInfos(ctx); err != nil {
		log.Warn("could not verify templates against installed nodes", zap.Error(err))
	} else if err := store.Verify(objects); err != nil {
		return err
	}

	if info, err := engine.GetQueueExecutionInfo(ctx); err == nil {
		metrics.EngineQueueRemaining.Set(float64(info.ExecInfo.QueueRemaining))
		log.Info("ComfyUI ready", zap.Int("queue_remaining", info.ExecInfo.QueueRemaining))
	}

	dispatcher := handler.NewDispatcher(workflow.NewInjector(store), engine, publisher, log)

	if cfg.Metrics.Addr != "" {
		go serveMetrics(ctx, cfg.Metrics.Addr, log)
	}

	if localAPI != "" {
		releaseGin()
		var jobs serverless.JobStore = serverless.NewMemoryStore()
		if cfg.Redis.Addr != "" {
			rdb := serverless.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			defer rdb.Close()
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis ping: %w", err)
			}
			jobs = serverless.NewRedisStore(rdb, cfg.Redis.TTL)
		}
		err := serverless.NewLocalAPI(dispatcher, jobs, log.Named("api"), 0).Serve(ctx, localAPI)
		return exitCause(ctx, err)
	}

	runner := serverless.NewRunner(serverless.RunnerConfig{
		GetJobURL:     cfg.RunPod.WebhookGetJob,
		PostOutputURL: cfg.RunPod.WebhookPostOutput,
		APIKey:        cfg.RunPod.AIAPIKey,
		PodID:         cfg.RunPod.PodID,
	}, dispatcher, log.Named("runner"))
	return exitCause(ctx, runner.Run(ctx))
}

// releaseGin keeps gin's debug route dump out of the JSON logs unless GIN_MODE asks for it.
func releaseGin() {
	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}
}

// exitCause turns a clean shutdown caused by ComfyUI dying into an error so the worker
// exits non-zero and the platform replaces it.
func exitCause(ctx context.Context, err error) error {
	if err != nil {
		return err
	}
	if cause := context.Cause(ctx); errors.Is(cause, supervisor.ErrExited) {
		return cause
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server", zap.Error(err))
	}
}

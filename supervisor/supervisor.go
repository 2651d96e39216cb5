// Package supervisor runs the ComfyUI server as a child process of the worker.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const stopGracePeriod = 10 * time.Second

// ErrExited is the cancellation cause of a Watch context when ComfyUI dies on its own.
var ErrExited = errors.New("ComfyUI exited unexpectedly")

// ReadyChecker reports when the engine accepts requests. *client.ComfyClient implements it.
type ReadyChecker interface {
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

type Config struct {
	Dir          string // COMFYUI_PATH
	Port         int
	Python       string
	Args         []string // replaces the default main.py arguments when set
	StartTimeout time.Duration
}

func (c Config) command() (string, []string) {
	python := c.Python
	if python == "" {
		python = "python"
	}
	if len(c.Args) > 0 {
		return python, c.Args
	}
	return python, []string{
		"main.py",
		"--listen", "127.0.0.1",
		"--port", strconv.Itoa(c.Port),
		"--disable-auto-launch",
	}
}

type Supervisor struct {
	cfg    Config
	ready  ReadyChecker
	logger *zap.Logger

	cmd      *exec.Cmd
	exited   chan struct{}
	err      error
	wg       sync.WaitGroup
	stopping atomic.Bool
}

func New(cfg Config, ready ReadyChecker, logger *zap.Logger) *Supervisor {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{cfg: cfg, ready: ready, logger: logger.Named("comfyui")}
}

// Start launches the server and blocks until it is ready, it exits, or StartTimeout
// elapses. On failure the process is stopped.
func (s *Supervisor) Start(ctx context.Context) error {
	name, args := s.cfg.command()
	cmd := exec.Command(name, args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ComfyUI: %w", err)
	}
	s.cmd = cmd
	s.exited = make(chan struct{})
	s.logger.Info("ComfyUI started", zap.Int("pid", cmd.Process.Pid), zap.String("dir", s.cfg.Dir))

	s.wg.Add(2)
	go s.stream(stdout, "stdout")
	go s.stream(stderr, "stderr")
	go func() {
		s.wg.Wait()
		s.err = cmd.Wait()
		close(s.exited)
	}()

	readyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	readyErr := make(chan error, 1)
	go func() { readyErr <- s.ready.WaitForReady(readyCtx, s.cfg.StartTimeout) }()

	select {
	case err := <-readyErr:
		if err != nil {
			s.Stop()
			return err
		}
		s.logger.Info("ComfyUI ready")
		return nil
	case <-s.exited:
		return fmt.Errorf("ComfyUI exited during startup: %v", s.err)
	}
}

func (s *Supervisor) stream(r io.Reader, name string) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Debug(scanner.Text(), zap.String("stream", name))
	}
}

// Exited is closed when the child process ends.
func (s *Supervisor) Exited() <-chan struct{} {
	return s.exited
}

// Watch returns a context that is cancelled with ErrExited if the process ends before
// Stop is called. The worker serves jobs under it so a dead engine ends the worker.
func (s *Supervisor) Watch(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.Exited():
			if s.stopping.Load() {
				return
			}
			s.logger.Error("ComfyUI exited", zap.Error(s.err))
			cancel(fmt.Errorf("%w: %v", ErrExited, s.err))
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}

// Stop asks the process to exit and kills it after a grace period.
func (s *Supervisor) Stop() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	s.stopping.Store(true)
	select {
	case <-s.exited:
		return nil
	default:
	}

	_ = s.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-s.exited:
	case <-time.After(stopGracePeriod):
		s.logger.Warn("ComfyUI did not exit, killing it")
		_ = s.cmd.Process.Kill()
		<-s.exited
	}

	var exitErr *exec.ExitError
	if s.err != nil && !errors.As(s.err, &exitErr) {
		return s.err
	}
	s.logger.Info("ComfyUI stopped")
	return nil
}

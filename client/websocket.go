package client

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WebSocketConnection struct {
	WebSocketURL string
	Conn         *websocket.Conn
	// Messages carries text frames until the connection drops; then it is closed.
	Messages   chan []byte
	MaxRetry   int
	RetryCount int

	// Exponential backoff configuration
	BaseDelay time.Duration // The initial delay, e.g., 1 second
	MaxDelay  time.Duration // The maximum delay, e.g., 1 minute
	Dialer    websocket.Dialer

	logger    *zap.Logger
	mu        sync.Mutex
	err       error
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocketConnection prepares a connection to url; call Connect to dial it.
func NewWebSocketConnection(url string, maxRetry int, logger *zap.Logger) *WebSocketConnection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketConnection{
		WebSocketURL: url,
		Messages:     make(chan []byte, 64),
		MaxRetry:     maxRetry,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Dialer:       websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:       logger,
		done:         make(chan struct{}),
	}
}

// Connect dials the server with exponential backoff, then starts reading messages.
func (w *WebSocketConnection) Connect(ctx context.Context) error {
	retries := 0
	for {
		err := w.connect(ctx)
		if err == nil {
			go w.handleMessages()
			return nil
		}
		w.logger.Warn("websocket connection attempt failed", zap.Error(err), zap.Int("attempt", retries+1))

		// Check if the maximum number of retries has been reached
		retries++
		if retries > w.MaxRetry {
			return fmt.Errorf("websocket connect to %s failed after %d attempts: %w", w.WebSocketURL, retries, err)
		}

		// Wait a bit before retrying to connect
		t := time.NewTimer(w.getReconnectDelay())
		select {
		case <-ctx.Done():
			t.Stop()
			return context.Cause(ctx)
		case <-t.C:
		}
	}
}

func (w *WebSocketConnection) connect(ctx context.Context) error {
	conn, _, err := w.Dialer.DialContext(ctx, w.WebSocketURL, nil)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.Conn = conn
	w.mu.Unlock()
	return nil
}

// Handle incoming WebSocket messages
func (w *WebSocketConnection) handleMessages() {
	defer close(w.Messages)
	for {
		mt, message, err := w.Conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
			select {
			case <-w.done:
			default:
				w.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		// binary frames are latent previews
		if mt != websocket.TextMessage {
			continue
		}
		select {
		case w.Messages <- message:
		case <-w.done:
			return
		}
	}
}

// Err returns the error that ended the read loop, if any.
func (w *WebSocketConnection) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close stops the read loop and closes the underlying connection.
func (w *WebSocketConnection) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		conn := w.Conn
		w.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

// exponential backoff calculation
func (w *WebSocketConnection) getReconnectDelay() time.Duration {
	// Calculate the delay as BaseDelay * 2^(RetryCount), capped at MaxDelay
	delay := w.BaseDelay * time.Duration(math.Pow(2, float64(w.RetryCount)))
	if delay > w.MaxDelay {
		delay = w.MaxDelay
	}
	w.RetryCount++ // Increment the retry counter for the next attempt
	return delay
}

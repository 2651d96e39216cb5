package client

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// MessageHandlers holds the per-prompt callbacks ProcessMessages invokes. Nil entries are
// skipped.
type MessageHandlers struct {
	OnStarted   func(*PromptMessageStarted)
	OnExecuting func(*PromptMessageExecuting)
	// OnProgress receives sampler step updates for the running node.
	OnProgress func(*PromptMessageProgress)
	// OnData receives the outputs of each output node as it finishes.
	OnData             func(*PromptMessageData)
	OnExecutionSuccess func(*PromptMessageExecutionSuccess)
	// OnError runs before OnStopped when the engine reports an exception.
	OnError   func(*PromptMessageStoppedException)
	OnStopped func(*PromptMessageStopped)
	// OnComplete runs once ProcessMessages returns, whatever the outcome.
	OnComplete func()
}

// LoggingMessageHandlers returns MessageHandlers that log started, executing, error and
// stopped messages at debug level
func LoggingMessageHandlers(logger *zap.Logger) *MessageHandlers {
	return &MessageHandlers{
		OnStarted: func(msg *PromptMessageStarted) {
			logger.Debug("execution started", zap.String("prompt_id", msg.PromptID))
		},
		OnExecuting: func(msg *PromptMessageExecuting) {
			logger.Debug("executing node", zap.String("node_id", msg.NodeID), zap.String("title", msg.Title))
		},
		OnError: func(err *PromptMessageStoppedException) {
			logger.Warn("execution error",
				zap.String("node_id", err.NodeID),
				zap.String("node_type", err.NodeType),
				zap.String("error", err.ExceptionMessage),
			)
		},
		OnStopped: func(msg *PromptMessageStopped) {
			if msg.Exception == nil && !msg.Interrupted {
				logger.Debug("execution completed")
			}
		},
	}
}

// WithProgressHandler sets OnProgress and returns h for chaining
func (h *MessageHandlers) WithProgressHandler(fn func(*PromptMessageProgress)) *MessageHandlers {
	h.OnProgress = fn
	return h
}

// WithErrorHandler sets OnError and returns h for chaining
func (h *MessageHandlers) WithErrorHandler(fn func(*PromptMessageStoppedException)) *MessageHandlers {
	h.OnError = fn
	return h
}

// ProcessMessages reads the connection's messages for this QueueItem using the provided handlers.
// This function blocks until execution stops, the connection drops or ctx is done.
// Returns an error if execution failed, nil if successful.
func (qi *QueueItem) ProcessMessages(ctx context.Context, c *ComfyClient, ws *WebSocketConnection, handlers *MessageHandlers) error {
	if handlers == nil {
		handlers = &MessageHandlers{}
	}

	if handlers.OnComplete != nil {
		defer handlers.OnComplete()
	}

	for {
		var raw []byte
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case m, ok := <-ws.Messages:
			if !ok {
				return fmt.Errorf("websocket closed before prompt %s finished: %w", qi.PromptID, ws.Err())
			}
			raw = m
		}

		msg := c.OnWebSocketMessage(raw, qi)
		if msg == nil {
			continue
		}

		switch msg.Type {
		case "started":
			if handlers.OnStarted != nil {
				handlers.OnStarted(msg.ToPromptMessageStarted())
			}

		case "executing":
			if handlers.OnExecuting != nil {
				handlers.OnExecuting(msg.ToPromptMessageExecuting())
			}

		case "progress":
			if handlers.OnProgress != nil {
				handlers.OnProgress(msg.ToPromptMessageProgress())
			}

		case "data":
			data := msg.ToPromptMessageData()
			qi.addOutputs(data)
			if handlers.OnData != nil {
				handlers.OnData(data)
			}

		case "execution_success":
			if handlers.OnExecutionSuccess != nil {
				handlers.OnExecutionSuccess(msg.ToPromptMessageExecutionSuccess())
			}

		case "stopped":
			stopped := msg.ToPromptMessageStopped()

			var executionError error
			if stopped.Exception != nil {
				if handlers.OnError != nil {
					handlers.OnError(stopped.Exception)
				}
				executionError = newExecutionError(qi.PromptID, stopped.Exception)
			} else if stopped.Interrupted {
				executionError = ErrExecutionInterrupted
			}

			if handlers.OnStopped != nil {
				handlers.OnStopped(stopped)
			}

			return executionError

		default:
			c.logger.Warn("unknown message type received", zap.String("type", msg.Type))
		}
	}
}

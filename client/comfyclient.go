package client

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type QueuedItemStoppedReason string

const (
	QueuedItemStoppedReasonFinished    QueuedItemStoppedReason = "finished"
	QueuedItemStoppedReasonInterrupted QueuedItemStoppedReason = "interrupted"
	QueuedItemStoppedReasonError       QueuedItemStoppedReason = "error"
)

// DefaultExecutionTimeout bounds one workflow execution, submission to last output.
const DefaultExecutionTimeout = 300 * time.Second

const defaultRequestTimeout = 30 * time.Second

type ComfyClientCallbacks struct {
	ClientQueueCountChanged func(*ComfyClient, int)
	QueuedItemStarted       func(*ComfyClient, *QueueItem)
	QueuedItemStopped       func(*ComfyClient, *QueueItem, QueuedItemStoppedReason)
	QueuedItemDataAvailable func(*ComfyClient, *QueueItem, *PromptMessageData)
}

// ComfyClient is the top level object that allows for interaction with the ComfyUI backend
type ComfyClient struct {
	serverBaseAddress string
	serverAddress     string
	serverPort        int
	clientid          string
	callbacks         *ComfyClientCallbacks
	executionTimeout  time.Duration
	dialRetry         int
	httpclient        *http.Client
	logger            *zap.Logger
}

// NewComfyClientWithTimeout creates a new instance of a Comfy2go client with an execution
// timeout and the number of websocket dial retries
func NewComfyClientWithTimeout(server_address string, server_port int, callbacks *ComfyClientCallbacks, timeout time.Duration, retry int) *ComfyClient {
	c := NewComfyClient(server_address, server_port, callbacks)
	if timeout > 0 {
		c.executionTimeout = timeout
	}
	if retry >= 0 {
		c.dialRetry = retry
	}
	return c
}

// NewComfyClient creates a new instance of a Comfy2go client
func NewComfyClient(server_address string, server_port int, callbacks *ComfyClientCallbacks) *ComfyClient {
	sbaseaddr := server_address + ":" + strconv.Itoa(server_port)
	cid := uuid.New().String()
	retv := &ComfyClient{
		serverBaseAddress: sbaseaddr,
		serverAddress:     server_address,
		serverPort:        server_port,
		clientid:          cid,
		callbacks:         callbacks,
		executionTimeout:  DefaultExecutionTimeout,
		dialRetry:         3,
		httpclient:        &http.Client{Timeout: defaultRequestTimeout},
		logger:            zap.NewNop(),
	}
	return retv
}

// ClientID returns the unique client ID for the connection to the ComfyUI backend
func (c *ComfyClient) ClientID() string {
	return c.clientid
}

// BaseURL returns the http base address of the ComfyUI server
func (c *ComfyClient) BaseURL() string {
	return "http://" + c.serverBaseAddress
}

// ExecutionTimeout returns the deadline applied to each Execute call
func (c *ComfyClient) ExecutionTimeout() time.Duration {
	return c.executionTimeout
}

// SetHttpClient replaces the client used for REST calls
func (c *ComfyClient) SetHttpClient(client *http.Client) {
	c.httpclient = client
}

func (c *ComfyClient) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c.logger = logger.With(zap.String("client_id", c.clientid))
}

// OnWebSocketMessage translates one websocket message into a PromptMessage for qi.
// It returns nil for messages that do not concern qi.
func (c *ComfyClient) OnWebSocketMessage(msg []byte, qi *QueueItem) *PromptMessage {
	message := &WSStatusMessage{}
	err := json.Unmarshal(msg, &message)
	if err != nil {
		c.logger.Error("deserializing status message", zap.Error(err))
		return nil
	}

	switch message.Type {
	case "status":
		s := message.Data.(*WSMessageDataStatus)
		if c.callbacks != nil && c.callbacks.ClientQueueCountChanged != nil {
			c.callbacks.ClientQueueCountChanged(c, s.Status.ExecInfo.QueueRemaining)
		}
	case "execution_start":
		s := message.Data.(*WSMessageDataExecutionStart)
		if s.PromptID != qi.PromptID {
			return nil
		}
		if c.callbacks != nil && c.callbacks.QueuedItemStarted != nil {
			c.callbacks.QueuedItemStarted(c, qi)
		}
		return &PromptMessage{
			Type:    "started",
			Message: &PromptMessageStarted{PromptID: qi.PromptID},
		}
	case "execution_cached":
		// cached nodes produce no further messages
	case "executing":
		s := message.Data.(*WSMessageDataExecuting)
		if s.PromptID != qi.PromptID {
			return nil
		}
		if s.Node == nil {
			// final node was processed
			if c.callbacks != nil && c.callbacks.QueuedItemStopped != nil {
				c.callbacks.QueuedItemStopped(c, qi, QueuedItemStoppedReasonFinished)
			}
			return &PromptMessage{
				Type:    "stopped",
				Message: &PromptMessageStopped{QueueItem: qi},
			}
		}
		return &PromptMessage{
			Type: "executing",
			Message: &PromptMessageExecuting{
				NodeID: *s.Node,
				Title:  qi.Workflow.Title(*s.Node),
			},
		}
	case "progress":
		s := message.Data.(*WSMessageDataProgress)
		if s.PromptID != "" && s.PromptID != qi.PromptID {
			return nil
		}
		return &PromptMessage{
			Type:    "progress",
			Message: &PromptMessageProgress{Value: s.Value, Max: s.Max, NodeID: s.Node},
		}
	case "executed":
		s := message.Data.(*WSMessageDataExecuted)
		if s.PromptID != qi.PromptID {
			return nil
		}
		// collect the data from the output
		mdata := &PromptMessageData{
			NodeID: s.Node,
			Data:   make(map[string][]DataOutput),
		}
		for k, v := range s.Output {
			mdata.Data[k] = *v
		}
		if c.callbacks != nil && c.callbacks.QueuedItemDataAvailable != nil {
			c.callbacks.QueuedItemDataAvailable(c, qi, mdata)
		}
		return &PromptMessage{Type: "data", Message: mdata}
	case "execution_success":
		s := message.Data.(*WSMessageExecutionSuccess)
		if s.PromptID != qi.PromptID {
			return nil
		}
		return &PromptMessage{
			Type:    "execution_success",
			Message: &PromptMessageExecutionSuccess{PromptID: s.PromptID},
		}
	case "execution_interrupted":
		s := message.Data.(*WSMessageExecutionInterrupted)
		if s.PromptID != qi.PromptID {
			return nil
		}
		if c.callbacks != nil && c.callbacks.QueuedItemStopped != nil {
			c.callbacks.QueuedItemStopped(c, qi, QueuedItemStoppedReasonInterrupted)
		}
		return &PromptMessage{
			Type: "stopped",
			Message: &PromptMessageStopped{
				QueueItem:   qi,
				Interrupted: true,
			},
		}
	case "execution_error":
		s := message.Data.(*WSMessageExecutionError)
		if s.PromptID != qi.PromptID {
			return nil
		}
		if c.callbacks != nil && c.callbacks.QueuedItemStopped != nil {
			c.callbacks.QueuedItemStopped(c, qi, QueuedItemStoppedReasonError)
		}
		return &PromptMessage{
			Type: "stopped",
			Message: &PromptMessageStopped{
				QueueItem: qi,
				Exception: &PromptMessageStoppedException{
					NodeID:           s.Node,
					NodeType:         s.NodeType,
					NodeName:         qi.Workflow.Title(s.Node),
					ExceptionMessage: s.ExceptionMessage,
					ExceptionType:    s.ExceptionType,
					Traceback:        s.Traceback,
				},
			},
		}
	case "crystools.monitor":
	default:
		c.logger.Debug("unhandled message type", zap.String("type", message.Type))
	}
	return nil
}

package client

import (
	"log/slog"
)

// EventHandlers defines optional callback functions for the events received
// while a prompt is tracked. All handlers are optional - only provide handlers
// for the messages you care about. Handlers run on the tracking goroutine.
type EventHandlers struct {
	// OnStatus is called with the server's remaining queue size
	OnStatus func(queueRemaining int)

	// OnStarted is called when execution of the tracked prompt begins
	OnStarted func(*WSMessageDataExecutionStart)

	// OnExecuting is called when a node starts executing
	OnExecuting func(*WSMessageDataExecuting)

	// OnProgress is called with progress updates during node execution
	OnProgress func(*WSMessageDataProgress)

	// OnExecuted is called when a node has produced output
	OnExecuted func(*WSMessageDataExecuted)

	// OnError is called if there was an exception during execution
	OnError func(*WSMessageExecutionError)
}

// DefaultEventHandlers returns EventHandlers that log started, executing and
// error messages. Progress is left to the caller.
func DefaultEventHandlers(logger *slog.Logger) *EventHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHandlers{
		OnStarted: func(msg *WSMessageDataExecutionStart) {
			logger.Info("Execution started", "prompt_id", msg.PromptID)
		},
		OnExecuting: func(msg *WSMessageDataExecuting) {
			if msg.Node != nil {
				logger.Info("Executing node", "prompt_id", msg.PromptID, "node_id", *msg.Node)
			}
		},
		OnError: func(msg *WSMessageExecutionError) {
			logger.Error("Execution error",
				"prompt_id", msg.PromptID,
				"node_id", msg.Node,
				"node_type", msg.NodeType,
				"error", msg.ExceptionMessage,
			)
		},
	}
}

// WithStatusHandler adds a status handler (builder pattern)
func (h *EventHandlers) WithStatusHandler(fn func(int)) *EventHandlers {
	h.OnStatus = fn
	return h
}

// WithStartedHandler adds a started handler (builder pattern)
func (h *EventHandlers) WithStartedHandler(fn func(*WSMessageDataExecutionStart)) *EventHandlers {
	h.OnStarted = fn
	return h
}

// WithExecutingHandler adds an executing handler (builder pattern)
func (h *EventHandlers) WithExecutingHandler(fn func(*WSMessageDataExecuting)) *EventHandlers {
	h.OnExecuting = fn
	return h
}

// WithProgressHandler adds a progress handler (builder pattern)
func (h *EventHandlers) WithProgressHandler(fn func(*WSMessageDataProgress)) *EventHandlers {
	h.OnProgress = fn
	return h
}

// WithExecutedHandler adds an executed handler (builder pattern)
func (h *EventHandlers) WithExecutedHandler(fn func(*WSMessageDataExecuted)) *EventHandlers {
	h.OnExecuted = fn
	return h
}

// WithErrorHandler adds an error handler (builder pattern)
func (h *EventHandlers) WithErrorHandler(fn func(*WSMessageExecutionError)) *EventHandlers {
	h.OnError = fn
	return h
}

// matches reports whether an event belongs to promptID. Some events (older
// progress messages) carry no prompt id and are attributed to the tracked prompt.
func matches(eventPromptID, promptID string) bool {
	return eventPromptID == "" || eventPromptID == promptID
}

func (h *EventHandlers) dispatch(msg *WSStatusMessage, promptID string) {
	if h == nil {
		return
	}
	switch d := msg.Data.(type) {
	case *WSMessageDataStatus:
		if h.OnStatus != nil {
			h.OnStatus(d.Status.ExecInfo.QueueRemaining)
		}
	case *WSMessageDataExecutionStart:
		if h.OnStarted != nil && matches(d.PromptID, promptID) {
			h.OnStarted(d)
		}
	case *WSMessageDataExecuting:
		if h.OnExecuting != nil && matches(d.PromptID, promptID) {
			h.OnExecuting(d)
		}
	case *WSMessageDataProgress:
		if h.OnProgress != nil && matches(d.PromptID, promptID) {
			h.OnProgress(d)
		}
	case *WSMessageDataExecuted:
		if h.OnExecuted != nil && matches(d.PromptID, promptID) {
			h.OnExecuted(d)
		}
	case *WSMessageExecutionError:
		if h.OnError != nil && matches(d.PromptID, promptID) {
			h.OnError(d)
		}
	}
}

package client

import (
	"context"
	"fmt"
	"time"

	"github.com/richinsley/comfyrunner/internal/xjson"
)

type CompletionStatus string

const (
	StatusCompleted CompletionStatus = "completed"
	StatusTimedOut  CompletionStatus = "timed_out"
	StatusUnknown   CompletionStatus = "unknown"
	// StatusVanished is reported by ModeQueue for a prompt that left the queue
	// without ever being seen running.
	StatusVanished CompletionStatus = "vanished"
	// StatusFailed is reported by ModeEvents when the server sent an
	// execution_error or execution_interrupted for the prompt.
	StatusFailed CompletionStatus = "failed"
)

// TrackMode selects how completion is detected
type TrackMode string

const (
	// ModeEvents listens on the websocket for the final "executing" event and
	// polls /history/{prompt_id} in between.
	ModeEvents TrackMode = "events"
	// ModeQueue polls /queue and requires the prompt to be seen running before
	// its disappearance counts as completion.
	ModeQueue TrackMode = "queue"
)

func ParseTrackMode(s string) (TrackMode, error) {
	switch TrackMode(s) {
	case ModeEvents, ModeQueue:
		return TrackMode(s), nil
	case "":
		return ModeEvents, nil
	}
	return "", fmt.Errorf("unknown tracking mode %q (want %q or %q)", s, ModeEvents, ModeQueue)
}

type TrackOptions struct {
	Mode TrackMode
	// Timeout is the wall clock ceiling for the whole tracking call
	Timeout time.Duration
	// EventSlice is how long one iteration waits for a websocket event
	EventSlice time.Duration
	// PollInterval spaces history polls (events mode) and queue polls (queue mode)
	PollInterval time.Duration
	// VanishConfirm is the pause before re-checking a prompt that was never seen running
	VanishConfirm time.Duration
	// ErrorBackoff is the pause after a failed queue request
	ErrorBackoff time.Duration
	// DialRetries bounds websocket reconnection attempts
	DialRetries int
	Handlers    *EventHandlers
}

func DefaultTrackOptions() TrackOptions {
	return TrackOptions{
		Mode:          ModeEvents,
		Timeout:       300 * time.Second,
		EventSlice:    time.Second,
		PollInterval:  time.Second,
		VanishConfirm: 3 * time.Second,
		ErrorBackoff:  5 * time.Second,
		DialRetries:   3,
	}
}

func (o TrackOptions) withDefaults() TrackOptions {
	def := DefaultTrackOptions()
	if o.Mode == "" {
		o.Mode = def.Mode
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.EventSlice <= 0 {
		o.EventSlice = def.EventSlice
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.VanishConfirm <= 0 {
		o.VanishConfirm = def.VanishConfirm
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = def.ErrorBackoff
	}
	if o.DialRetries < 0 {
		o.DialRetries = 0
	}
	return o
}

// AwaitCompletion blocks until the prompt finishes, the timeout passes, or ctx
// is cancelled. The error is non-nil only for StatusFailed and StatusUnknown;
// StatusTimedOut and StatusVanished are outcomes for the caller to judge.
func (c *ComfyClient) AwaitCompletion(ctx context.Context, promptID string, opts TrackOptions) (CompletionStatus, error) {
	opts = opts.withDefaults()
	switch opts.Mode {
	case ModeQueue:
		return c.awaitQueue(ctx, promptID, opts)
	case ModeEvents:
		return c.awaitEvents(ctx, promptID, opts)
	}
	return StatusUnknown, fmt.Errorf("unknown tracking mode %q", opts.Mode)
}

func (c *ComfyClient) awaitEvents(ctx context.Context, promptID string, opts TrackOptions) (CompletionStatus, error) {
	deadline := time.Now().Add(opts.Timeout)

	var messages <-chan string
	ws, err := c.OpenEventStream(ctx, opts.DialRetries)
	if err != nil {
		if ctx.Err() != nil {
			return StatusUnknown, ctx.Err()
		}
		c.logger.Error("Websocket unavailable, tracking via history only", "prompt_id", promptID, "error", err)
	} else {
		defer func() {
			ws.Close()
			c.logger.Info("Websocket closed", "prompt_id", promptID)
		}()
		messages = ws.Messages()
		c.logger.Info("Websocket connected, waiting for prompt to finish", "prompt_id", promptID)
	}

	var lastPoll time.Time
	for time.Now().Before(deadline) {
		wait := opts.EventSlice
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		slice := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			slice.Stop()
			return StatusUnknown, ctx.Err()
		case raw, ok := <-messages:
			slice.Stop()
			if !ok {
				c.logger.Error("Websocket stream ended, continuing with history polling", "prompt_id", promptID, "error", ws.Err())
				// a nil channel is never ready, the slice timer drives the loop from here
				messages = nil
				break
			}
			status, done, err := c.handleEvent(raw, promptID, opts.Handlers)
			if done {
				return status, err
			}
		case <-slice.C:
		}

		if time.Since(lastPoll) < opts.PollInterval {
			continue
		}
		lastPoll = time.Now()
		if c.InHistory(ctx, promptID) {
			c.logger.Info("Prompt completion confirmed by history", "prompt_id", promptID)
			return StatusCompleted, nil
		}
		c.logger.Debug("Prompt still running", "prompt_id", promptID)
	}

	c.logger.Warn("Completion not confirmed before timeout, checking history one last time",
		"prompt_id", promptID, "timeout", opts.Timeout)
	if c.InHistory(ctx, promptID) {
		c.logger.Info("Prompt completion confirmed by final history check", "prompt_id", promptID)
		return StatusCompleted, nil
	}
	c.logger.Error("Could not confirm completion from websocket or history", "prompt_id", promptID)
	return StatusTimedOut, nil
}

// handleEvent decodes one websocket frame and reports whether it ends tracking
func (c *ComfyClient) handleEvent(raw string, promptID string, handlers *EventHandlers) (CompletionStatus, bool, error) {
	msg := &WSStatusMessage{}
	if err := xjson.Unmarshal([]byte(raw), msg); err != nil {
		c.logger.Error("Deserializing websocket message", "prompt_id", promptID, "error", err)
		return "", false, nil
	}
	c.logger.Debug("Websocket message", "type", msg.Type)
	handlers.dispatch(msg, promptID)

	switch d := msg.Data.(type) {
	case *WSMessageDataExecuting:
		if d.PromptID == promptID && d.Node == nil {
			c.logger.Info("Prompt completion confirmed by websocket", "prompt_id", promptID)
			return StatusCompleted, true, nil
		}
	case *WSMessageExecutionError:
		if d.PromptID == promptID {
			return StatusFailed, true, fmt.Errorf("%w: node %s (%s): %s: %s",
				ErrExecutionFailed, d.Node, d.NodeType, d.ExceptionType, d.ExceptionMessage)
		}
	case *WSMessageExecutionInterrupted:
		if d.PromptID == promptID {
			c.logger.Warn("Prompt was interrupted", "prompt_id", promptID, "node_id", d.Node)
			return StatusFailed, true, fmt.Errorf("%w: interrupted at node %s", ErrExecutionFailed, d.Node)
		}
	}
	return "", false, nil
}

func (c *ComfyClient) awaitQueue(ctx context.Context, promptID string, opts TrackOptions) (CompletionStatus, error) {
	deadline := time.Now().Add(opts.Timeout)
	started := false

	c.logger.Info("Waiting for prompt to start", "prompt_id", promptID)
	for time.Now().Before(deadline) {
		queue, err := c.GetQueue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return StatusUnknown, ctx.Err()
			}
			c.logger.Error("Failed to check queue state", "prompt_id", promptID, "endpoint", "/queue", "error", err)
			if err := sleepCtx(ctx, opts.ErrorBackoff); err != nil {
				return StatusUnknown, err
			}
			continue
		}

		switch queue.Classify(promptID) {
		case JobRunning:
			if !started {
				started = true
				c.logger.Info("Prompt started executing", "prompt_id", promptID)
			}
		case JobQueued:
		case JobAbsent:
			if started {
				c.logger.Info("Prompt finished executing", "prompt_id", promptID)
				return StatusCompleted, nil
			}

			// never seen running; give the server a moment before calling it lost
			if err := sleepCtx(ctx, opts.VanishConfirm); err != nil {
				return StatusUnknown, err
			}
			again, err := c.GetQueue(ctx)
			if err == nil {
				switch again.Classify(promptID) {
				case JobAbsent:
					c.logger.Warn("Prompt disappeared from the queue without ever running", "prompt_id", promptID)
					return StatusVanished, nil
				case JobRunning:
					started = true
					c.logger.Info("Prompt started executing", "prompt_id", promptID)
				}
			}
		}

		if err := sleepCtx(ctx, opts.PollInterval); err != nil {
			return StatusUnknown, err
		}
	}

	c.logger.Warn("Prompt did not finish before timeout", "prompt_id", promptID, "timeout", opts.Timeout, "started", started)
	return StatusTimedOut, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

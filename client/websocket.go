package client

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConnection is a read-only subscription to the ComfyUI event stream.
// A reader goroutine feeds text frames into Messages(); the channel is closed
// when the connection ends, after which Err() reports why.
type WebSocketConnection struct {
	WebSocketURL string
	Conn         *websocket.Conn
	Dialer       *websocket.Dialer
	MaxRetry     int
	RetryCount   int

	// Exponential backoff configuration
	BaseDelay time.Duration // The initial delay, e.g., 500 milliseconds
	MaxDelay  time.Duration // The maximum delay, e.g., 5 seconds

	logger    *slog.Logger
	messages  chan string
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// Connect dials the event stream, retrying with exponential backoff up to
// MaxRetry times, then starts the reader goroutine.
func (w *WebSocketConnection) Connect(ctx context.Context) error {
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.Dialer == nil {
		w.Dialer = websocket.DefaultDialer
	}
	w.messages = make(chan string, 64)
	w.done = make(chan struct{})

	retries := 0
	for {
		err := w.connect(ctx)
		if err == nil {
			go w.handleMessages()
			return nil
		}

		retries++
		if retries > w.MaxRetry {
			return fmt.Errorf("connecting to %s after %d attempts: %w", w.WebSocketURL, retries, err)
		}

		delay := w.getReconnectDelay()
		w.logger.Warn("Websocket connection attempt failed", "url", w.WebSocketURL, "retry_in", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (w *WebSocketConnection) connect(ctx context.Context) error {
	conn, _, err := w.Dialer.DialContext(ctx, w.WebSocketURL, nil)
	if err != nil {
		return err
	}

	w.Conn = conn
	return nil
}

// Messages delivers the text frames received from the server
func (w *WebSocketConnection) Messages() <-chan string {
	return w.messages
}

// Err returns the read error that ended the stream, nil while it is open or
// after a local Close.
func (w *WebSocketConnection) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close shuts the connection down and stops the reader goroutine. It is safe
// to call more than once.
func (w *WebSocketConnection) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		if w.Conn != nil {
			// best effort close frame before dropping the socket
			w.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = w.Conn.Close()
		}
	})
	return err
}

// Handle incoming WebSocket messages
func (w *WebSocketConnection) handleMessages() {
	defer close(w.messages)
	for {
		mt, message, err := w.Conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				// closed locally
			default:
				w.mu.Lock()
				w.err = err
				w.mu.Unlock()
			}
			return
		}
		// binary frames carry preview images
		if mt != websocket.TextMessage {
			continue
		}
		select {
		case w.messages <- string(message):
		case <-w.done:
			return
		}
	}
}

// exponential backoff calculation
func (w *WebSocketConnection) getReconnectDelay() time.Duration {
	// Calculate the delay as BaseDelay * 2^(RetryCount), capped at MaxDelay
	delay := w.BaseDelay * time.Duration(math.Pow(2, float64(w.RetryCount)))
	if w.MaxDelay > 0 && delay > w.MaxDelay {
		delay = w.MaxDelay
	}
	w.RetryCount++ // Increment the retry counter for the next attempt
	return delay
}

// OpenEventStream subscribes to the server's websocket with this client's id
func (c *ComfyClient) OpenEventStream(ctx context.Context, maxRetry int) (*WebSocketConnection, error) {
	ws := &WebSocketConnection{
		WebSocketURL: c.wsURL(),
		Dialer:       c.dialer,
		MaxRetry:     maxRetry,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		logger:       c.logger,
	}
	if err := ws.Connect(ctx); err != nil {
		return nil, err
	}
	return ws, nil
}

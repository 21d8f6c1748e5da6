package client

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeComfy is a scripted stand-in for the ComfyUI HTTP and websocket API
type fakeComfy struct {
	*httptest.Server
	t        *testing.T
	promptID string

	// websocket frames sent right after the subscription is accepted
	events    []string
	disableWS bool
	wsClient  atomic.Value

	historyDone  atomic.Bool
	historyBody  string
	historyMu    sync.Mutex
	historyTimes []time.Time

	// /queue bodies served in order, the last one repeats
	queueMu     sync.Mutex
	queueBodies []string
	queueHits   int

	lastPrompt atomic.Value
}

func newFakeComfy(t *testing.T, promptID string) *fakeComfy {
	f := &fakeComfy{t: t, promptID: promptID}
	f.historyBody = fmt.Sprintf(`{%q: {"outputs": {"7": {"text": ["false"]}}, "status": {"status_str": "success", "completed": true}}}`, promptID)

	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.lastPrompt.Store(string(body))
		fmt.Fprintf(w, `{"prompt_id": %q, "number": 1, "node_errors": {}}`, f.promptID)
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		f.historyMu.Lock()
		f.historyTimes = append(f.historyTimes, time.Now())
		f.historyMu.Unlock()
		if f.historyDone.Load() && strings.TrimPrefix(r.URL.Path, "/history/") == f.promptID {
			io.WriteString(w, f.historyBody)
			return
		}
		io.WriteString(w, `{}`)
	})
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		f.queueMu.Lock()
		defer f.queueMu.Unlock()
		if len(f.queueBodies) == 0 {
			io.WriteString(w, `{"queue_running": [], "queue_pending": []}`)
			return
		}
		idx := f.queueHits
		if idx >= len(f.queueBodies) {
			idx = len(f.queueBodies) - 1
		}
		f.queueHits++
		io.WriteString(w, f.queueBodies[idx])
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if f.disableWS {
			http.NotFound(w, r)
			return
		}
		f.wsClient.Store(r.URL.Query().Get("clientId"))
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, ev := range f.events {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(ev)); err != nil {
				return
			}
		}
		// hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeComfy) client(opts ...Option) *ComfyClient {
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewComfyClient(f.URL, opts...)
}

func (f *fakeComfy) historyRequests() []time.Time {
	f.historyMu.Lock()
	defer f.historyMu.Unlock()
	return append([]time.Time(nil), f.historyTimes...)
}

func queueBody(running []string, pending []string) string {
	entries := func(ids []string) string {
		parts := make([]string, 0, len(ids))
		for i, id := range ids {
			parts = append(parts, fmt.Sprintf(`[%d, %q, {}, {}, []]`, i, id))
		}
		return "[" + strings.Join(parts, ",") + "]"
	}
	return fmt.Sprintf(`{"queue_running": %s, "queue_pending": %s}`, entries(running), entries(pending))
}

func fastTrackOptions(mode TrackMode) TrackOptions {
	return TrackOptions{
		Mode:          mode,
		Timeout:       400 * time.Millisecond,
		EventSlice:    10 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
		VanishConfirm: 20 * time.Millisecond,
		ErrorBackoff:  10 * time.Millisecond,
		DialRetries:   0,
	}
}

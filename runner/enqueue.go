package runner

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/richinsley/comfyrunner/graphapi"
)

// Origin is the address of whoever asked for the prompt
type Origin struct {
	Host string
	Port int
}

// Enqueuer puts a prompt straight into a server's internal queue, bypassing
// HTTP. It is implemented by a host that embeds the server.
type Enqueuer interface {
	Enqueue(number int, promptID string, workflow graphapi.Workflow, extra map[string]interface{}, origin Origin) error
}

// EnqueueSubmitter is a Submitter on top of an Enqueuer. It numbers prompts
// with an increasing sequence and makes up their ids.
type EnqueueSubmitter struct {
	enqueuer Enqueuer
	clientID string
	origin   Origin
	seq      atomic.Int64
}

// NewEnqueueSubmitter numbers prompts from first onwards. clientID is passed
// in the extra data so websocket events still reach the tracker.
func NewEnqueueSubmitter(e Enqueuer, clientID string, origin Origin, first int) *EnqueueSubmitter {
	s := &EnqueueSubmitter{
		enqueuer: e,
		clientID: clientID,
		origin:   origin,
	}
	s.seq.Store(int64(first) - 1)
	return s
}

func (s *EnqueueSubmitter) Submit(ctx context.Context, workflow graphapi.Workflow) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	number := int(s.seq.Add(1))
	promptID := uuid.New().String()

	extra := map[string]interface{}{}
	if s.clientID != "" {
		extra["client_id"] = s.clientID
	}
	if err := s.enqueuer.Enqueue(number, promptID, workflow, extra, s.origin); err != nil {
		return "", fmt.Errorf("enqueue prompt %s: %w", promptID, err)
	}
	return promptID, nil
}

package runner

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinsley/comfyrunner/graphapi"
)

type enqueued struct {
	number   int
	promptID string
	extra    map[string]interface{}
	origin   Origin
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	items []enqueued
	err   error
}

func (f *fakeEnqueuer) Enqueue(number int, promptID string, workflow graphapi.Workflow, extra map[string]interface{}, origin Origin) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, enqueued{number: number, promptID: promptID, extra: extra, origin: origin})
	return nil
}

func TestEnqueueSubmitterNumbersAndIDs(t *testing.T) {
	wf, err := graphapi.LoadWorkflowString(workflowJSON)
	require.NoError(t, err)

	enq := &fakeEnqueuer{}
	origin := Origin{Host: "10.0.0.5", Port: 8188}
	s := NewEnqueueSubmitter(enq, "client-1", origin, 40)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Submit(context.Background(), wf)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, enq.items, 20)
	numbers := make([]int, 0, 20)
	ids := map[string]bool{}
	for _, it := range enq.items {
		numbers = append(numbers, it.number)
		ids[it.promptID] = true
		assert.Equal(t, "client-1", it.extra["client_id"])
		assert.Equal(t, origin, it.origin)
	}
	sort.Ints(numbers)
	for i, n := range numbers {
		assert.Equal(t, 40+i, n)
	}
	assert.Len(t, ids, 20)
}

func TestEnqueueSubmitterError(t *testing.T) {
	wf, err := graphapi.LoadWorkflowString(workflowJSON)
	require.NoError(t, err)

	full := errors.New("queue full")
	s := NewEnqueueSubmitter(&fakeEnqueuer{err: full}, "", Origin{}, 1)
	_, err = s.Submit(context.Background(), wf)
	require.ErrorIs(t, err, full)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Submit(ctx, wf)
	require.ErrorIs(t, err, context.Canceled)
}

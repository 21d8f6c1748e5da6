package runner

import (
	"context"
	"fmt"
)

// Task is a run executing in the background
type Task struct {
	done   chan struct{}
	result *Result
	err    error
}

// Done is closed once the run has ended
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the run has ended and returns its outcome
func (t *Task) Wait() (*Result, error) {
	<-t.done
	return t.result, t.err
}

// RunAsync starts Run on its own goroutine so a host is not blocked. Callers
// that do not care about the outcome may drop the Task; the run still logs.
func (r *Runner) RunAsync(ctx context.Context) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("Run panicked", "panic", p)
				t.err = fmt.Errorf("run panicked: %v", p)
			}
		}()
		t.result, t.err = r.Run(ctx)
	}()
	return t
}

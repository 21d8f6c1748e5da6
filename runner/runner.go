// Package runner strings the client operations together into one run: wait
// for the server, load the workflow, skip it if a cache check says so,
// submit, and track the prompt to completion.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/richinsley/comfyrunner/client"
	"github.com/richinsley/comfyrunner/config"
	"github.com/richinsley/comfyrunner/graphapi"
)

// Server is the part of the ComfyUI client a run needs
type Server interface {
	WaitForReady(ctx context.Context, interval time.Duration) error
	AwaitCompletion(ctx context.Context, promptID string, opts client.TrackOptions) (client.CompletionStatus, error)
}

// Submitter hands a workflow to the server and returns the prompt id
type Submitter interface {
	Submit(ctx context.Context, workflow graphapi.Workflow) (string, error)
}

// CacheChecker reports whether the work a run would do is already in place
type CacheChecker interface {
	IsCached(ctx context.Context, key string) (bool, error)
}

// CacheCheckerFunc adapts a plain function to CacheChecker
type CacheCheckerFunc func(ctx context.Context, key string) (bool, error)

func (f CacheCheckerFunc) IsCached(ctx context.Context, key string) (bool, error) {
	return f(ctx, key)
}

var ErrNoSubmitter = errors.New("no submitter configured")

type Result struct {
	PromptID string
	Status   client.CompletionStatus
	// Skipped is set when the cache check found nothing to do
	Skipped bool
}

type Runner struct {
	cfg       *config.Config
	server    Server
	submitter Submitter
	cache     CacheChecker
	track     client.TrackOptions
	logger    *slog.Logger
}

type Option func(*Runner)

// WithSubmitter replaces the HTTP submission, e.g. with an EnqueueSubmitter
func WithSubmitter(s Submitter) Option {
	return func(r *Runner) {
		r.submitter = s
	}
}

func WithCacheChecker(c CacheChecker) Option {
	return func(r *Runner) {
		r.cache = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithEventHandlers receives the websocket events of the tracked prompt
func WithEventHandlers(h *client.EventHandlers) Option {
	return func(r *Runner) {
		r.track.Handlers = h
	}
}

// New builds a Runner. Unless WithSubmitter is given, server must also be a
// Submitter (*client.ComfyClient is).
func New(cfg *config.Config, server Server, opts ...Option) (*Runner, error) {
	r := &Runner{
		cfg:    cfg,
		server: server,
		track:  cfg.TrackOptions(),
		logger: slog.Default(),
	}
	if s, ok := server.(Submitter); ok {
		r.submitter = s
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.submitter == nil {
		return nil, ErrNoSubmitter
	}
	return r, nil
}

// Run executes one full run. A missing or malformed workflow aborts before
// anything is submitted. A timed out or vanished prompt is not an error;
// check Result.Status.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	r.logger.Info("Run started", "workflow", r.cfg.Workflow.Path)

	if err := r.server.WaitForReady(ctx, r.cfg.Runner.ReadyInterval); err != nil {
		return nil, fmt.Errorf("waiting for server: %w", err)
	}

	workflow, err := graphapi.LoadWorkflow(r.cfg.Workflow.Path)
	if err != nil {
		r.logger.Error("Failed to load workflow", "path", r.cfg.Workflow.Path, "error", err)
		return nil, fmt.Errorf("loading workflow: %w", err)
	}

	if r.cache != nil {
		cached, err := r.cache.IsCached(ctx, r.cfg.Workflow.CacheKey)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("Cache check failed, running workflow anyway", "key", r.cfg.Workflow.CacheKey, "error", err)
		case cached:
			r.logger.Info("Already cached, nothing to run", "key", r.cfg.Workflow.CacheKey)
			return &Result{Skipped: true, Status: client.StatusCompleted}, nil
		default:
			r.logger.Info("Not cached, running workflow", "key", r.cfg.Workflow.CacheKey, "workflow", r.cfg.Workflow.Path)
		}
	}

	promptID, err := r.submitter.Submit(ctx, workflow)
	if err != nil {
		r.logger.Error("Failed to submit workflow", "workflow", r.cfg.Workflow.Path, "error", err)
		return nil, fmt.Errorf("submitting workflow: %w", err)
	}

	status, err := r.server.AwaitCompletion(ctx, promptID, r.track)
	result := &Result{PromptID: promptID, Status: status}
	switch status {
	case client.StatusCompleted:
		r.logger.Info("Workflow finished", "prompt_id", promptID)
	case client.StatusTimedOut:
		r.logger.Warn("Workflow completion could not be confirmed", "prompt_id", promptID)
	case client.StatusVanished:
		r.logger.Warn("Workflow left the queue without running", "prompt_id", promptID)
	default:
		r.logger.Error("Workflow did not finish", "prompt_id", promptID, "status", status, "error", err)
	}
	r.logger.Info("Run finished", "prompt_id", promptID, "status", status)
	return result, err
}

// SubmitOnly loads and submits the workflow without waiting for the server
// first and without tracking it.
func (r *Runner) SubmitOnly(ctx context.Context) (string, error) {
	workflow, err := graphapi.LoadWorkflow(r.cfg.Workflow.Path)
	if err != nil {
		r.logger.Error("Failed to load workflow", "path", r.cfg.Workflow.Path, "error", err)
		return "", fmt.Errorf("loading workflow: %w", err)
	}
	promptID, err := r.submitter.Submit(ctx, workflow)
	if err != nil {
		r.logger.Error("Failed to submit workflow", "workflow", r.cfg.Workflow.Path, "error", err)
		return "", fmt.Errorf("submitting workflow: %w", err)
	}
	r.logger.Info("Workflow submitted", "prompt_id", promptID)
	return promptID, nil
}

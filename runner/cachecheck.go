package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/richinsley/comfyrunner/client"
	"github.com/richinsley/comfyrunner/config"
	"github.com/richinsley/comfyrunner/graphapi"
)

// NotCachedValue is what the check workflow's node prints when the cache is cold
const NotCachedValue = "false"

// CheckClient is what WorkflowCacheChecker needs from the ComfyUI client
type CheckClient interface {
	Submitter
	AwaitCompletion(ctx context.Context, promptID string, opts client.TrackOptions) (client.CompletionStatus, error)
	GetNodeValue(ctx context.Context, promptID string, nodeID string) (string, error)
}

// WorkflowCacheChecker answers the cache question by running a check workflow
// and reading one node's text output: anything but "false" means cached.
type WorkflowCacheChecker struct {
	Client   CheckClient
	Workflow graphapi.Workflow
	NodeID   string
	Track    client.TrackOptions
	Logger   *slog.Logger
}

// NewWorkflowCacheChecker loads the check workflow named in cfg.
func NewWorkflowCacheChecker(cfg *config.Config, c CheckClient, logger *slog.Logger) (*WorkflowCacheChecker, error) {
	workflow, err := graphapi.LoadWorkflow(cfg.Workflow.CheckPath)
	if err != nil {
		return nil, fmt.Errorf("loading check workflow: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowCacheChecker{
		Client:   c,
		Workflow: workflow,
		NodeID:   cfg.Workflow.CheckNode,
		Track:    cfg.TrackOptions(),
		Logger:   logger,
	}, nil
}

func (w *WorkflowCacheChecker) IsCached(ctx context.Context, key string) (bool, error) {
	promptID, err := w.Client.Submit(ctx, w.Workflow)
	if err != nil {
		return false, fmt.Errorf("submitting check workflow: %w", err)
	}

	status, err := w.Client.AwaitCompletion(ctx, promptID, w.Track)
	if err != nil {
		return false, fmt.Errorf("check workflow %s: %w", promptID, err)
	}
	if status != client.StatusCompleted {
		return false, fmt.Errorf("check workflow %s ended as %s", promptID, status)
	}

	value, err := w.Client.GetNodeValue(ctx, promptID, w.NodeID)
	if err != nil {
		return false, err
	}
	w.Logger.Info("Cache check result", "key", key, "prompt_id", promptID, "node_id", w.NodeID, "value", value)
	return value != NotCachedValue, nil
}

package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/richinsley/comfyrunner/graphapi"
	"github.com/richinsley/comfyrunner/internal/xjson"
)

/*
endpoints used here:

@routes.get("/queue")
@routes.get("/history/{prompt_id}")
@routes.get("/system_stats")

@routes.post("/prompt")
@routes.post("/interrupt")
@routes.post("/history")
*/

// do sends a request and returns the body of a 2xx response
func (c *ComfyClient) do(ctx context.Context, method string, path string, body []byte) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.httpURL(path), rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return data, &StatusError{Endpoint: path, StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func (c *ComfyClient) getJSON(ctx context.Context, path string, v interface{}) error {
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := xjson.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// Ready probes the queue endpoint once. A 200 means the server is accepting prompts.
func (c *ComfyClient) Ready(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/queue", nil)
	return err
}

// WaitForReady blocks until the server answers the readiness probe, retrying
// every interval. There is no upper bound: servers are often started by hand
// after the client. Only ctx ends the wait early.
func (c *ComfyClient) WaitForReady(ctx context.Context, interval time.Duration) error {
	c.logger.Info("Waiting for ComfyUI server", "address", c.serverBaseAddress)
	for {
		err := c.Ready(ctx)
		if err == nil {
			c.logger.Info("ComfyUI server is ready", "address", c.serverBaseAddress)
			return nil
		}
		c.logger.Debug("ComfyUI server not ready", "address", c.serverBaseAddress, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// GetQueue lists the running and pending prompts
func (c *ComfyClient) GetQueue(ctx context.Context) (*QueueState, error) {
	retv := &QueueState{}
	if err := c.getJSON(ctx, "/queue", retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// QueuePrompt submits a workflow to the /prompt endpoint and returns the queued item.
// Failures are logged and returned; the call is never retried here.
func (c *ComfyClient) QueuePrompt(ctx context.Context, workflow graphapi.Workflow) (*QueueItem, error) {
	prompt := graphapi.Prompt{Workflow: workflow}
	if c.sendClientID {
		prompt.ClientID = c.clientid
	}

	data, err := xjson.Marshal(prompt)
	if err != nil {
		return nil, fmt.Errorf("encoding prompt: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/prompt", data)
	if err != nil {
		var serr *StatusError
		if errors.As(err, &serr) {
			// is it one of these:
			// {"error": {"type": "prompt_no_outputs", "message": "Prompt has no outputs", ...}, "node_errors": {}}
			perror := &PromptErrorMessage{}
			if perr := xjson.Unmarshal(body, perror); perr == nil && perror.Error.Message != "" {
				err = fmt.Errorf("%w: %s", err, perror.Error.Message)
			}
		}
		c.logger.Error("Failed to queue prompt", "endpoint", "/prompt", "address", c.serverBaseAddress, "error", err)
		return nil, err
	}

	item := &QueueItem{}
	if err := xjson.Unmarshal(body, item); err != nil {
		c.logger.Error("Failed to decode prompt response", "endpoint", "/prompt", "body", string(body), "error", err)
		return nil, fmt.Errorf("decoding /prompt response: %w", err)
	}
	if item.PromptID == "" {
		c.logger.Error("Prompt response has no prompt_id", "endpoint", "/prompt", "body", string(body))
		return nil, ErrMissingPromptID
	}

	c.logger.Info("Queued prompt", "prompt_id", item.PromptID, "number", item.Number)
	return item, nil
}

// Submit queues the workflow and returns only the prompt id
func (c *ComfyClient) Submit(ctx context.Context, workflow graphapi.Workflow) (string, error) {
	item, err := c.QueuePrompt(ctx, workflow)
	if err != nil {
		return "", err
	}
	return item.PromptID, nil
}

// GetHistory fetches the history record of a single prompt. The record is
// empty while the prompt is still queued or running.
func (c *ComfyClient) GetHistory(ctx context.Context, promptID string) (HistoryRecord, error) {
	retv := make(HistoryRecord)
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), &retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// InHistory reports whether the prompt has a history record, which ComfyUI
// only writes once execution has ended. Request errors count as "not yet".
func (c *ComfyClient) InHistory(ctx context.Context, promptID string) bool {
	history, err := c.GetHistory(ctx, promptID)
	if err != nil {
		c.logger.Debug("Failed to fetch history", "prompt_id", promptID, "error", err)
		return false
	}
	_, ok := history[promptID]
	return ok
}

func (c *ComfyClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	retv := &SystemStats{}
	if err := c.getJSON(ctx, "/system_stats", retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// Interrupt stops the prompt that is currently executing
func (c *ComfyClient) Interrupt(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/interrupt", []byte("{}"))
	return err
}

func (c *ComfyClient) EraseHistoryItem(ctx context.Context, promptID string) error {
	// delete post takes an array of IDs. We'll provide a single ID in a json array
	data, err := xjson.Marshal(map[string][]string{"delete": {promptID}})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, "/history", data)
	return err
}

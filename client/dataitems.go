package client

import (
	"errors"
	"fmt"

	"github.com/richinsley/comfyrunner/internal/xjson"
)

var (
	ErrServerStatus          = errors.New("unexpected server status")
	ErrMissingPromptID       = errors.New("response does not contain a prompt_id")
	ErrHistoryNotFound       = errors.New("prompt not found in history")
	ErrNodeOutputNotFound    = errors.New("node output not found in history")
	ErrUnexpectedOutputShape = errors.New("unexpected node output shape")
	ErrExecutionFailed       = errors.New("execution failed")
)

// StatusError is returned when the server answers with a non-2xx status
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrServerStatus
}

// QueueItem is the server's answer to a prompt submission
type QueueItem struct {
	PromptID   string      `json:"prompt_id"`
	Number     int         `json:"number"`
	NodeErrors interface{} `json:"node_errors"`
}

type PromptError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details"`
	ExtraInfo map[string]interface{} `json:"extra_info"`
}

// PromptErrorMessage is the body ComfyUI sends back for a rejected prompt:
//
//	{"error": {"type": "prompt_no_outputs", "message": "Prompt has no outputs", ...},
//	 "node_errors": {}}
type PromptErrorMessage struct {
	Error      PromptError `json:"error"`
	NodeErrors interface{} `json:"node_errors"`
}

// HistoryRecord is the body of /history/{prompt_id}: prompt id -> entry.
// It is empty until the prompt has finished.
type HistoryRecord map[string]HistoryEntry

type HistoryEntry struct {
	// node id -> node specific output, kept raw because its shape depends on the node
	Outputs map[string]xjson.RawMessage `json:"outputs"`
	Status  *HistoryStatus              `json:"status,omitempty"`
}

type HistoryStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

// JobState is where a prompt currently sits in the server queue
type JobState string

const (
	JobRunning JobState = "running"
	JobQueued  JobState = "queued"
	JobAbsent  JobState = "absent"
)

// QueueState lists the prompt ids that are running and pending on the server
type QueueState struct {
	Running []string
	Pending []string
}

// Classify reports whether promptID is running, queued, or absent
func (q *QueueState) Classify(promptID string) JobState {
	for _, id := range q.Running {
		if id == promptID {
			return JobRunning
		}
	}
	for _, id := range q.Pending {
		if id == promptID {
			return JobQueued
		}
	}
	return JobAbsent
}

// queue entries are either ComfyUI tuples [number, prompt_id, prompt, extra_data, outputs]
// or objects carrying a prompt_id field
func queueEntryPromptID(raw xjson.RawMessage) string {
	var tuple []interface{}
	if err := xjson.Unmarshal(raw, &tuple); err == nil {
		if len(tuple) > 1 {
			if id, ok := tuple[1].(string); ok {
				return id
			}
		}
		return ""
	}
	var obj struct {
		PromptID string `json:"prompt_id"`
	}
	if err := xjson.Unmarshal(raw, &obj); err == nil {
		return obj.PromptID
	}
	return ""
}

func (q *QueueState) UnmarshalJSON(b []byte) error {
	var temp struct {
		QueueRunning []xjson.RawMessage `json:"queue_running"`
		QueuePending []xjson.RawMessage `json:"queue_pending"`
		RunningItems []xjson.RawMessage `json:"running_items"`
		QueueItems   []xjson.RawMessage `json:"queue_items"`
	}
	if err := xjson.Unmarshal(b, &temp); err != nil {
		return err
	}
	q.Running = collectPromptIDs(temp.QueueRunning, temp.RunningItems)
	q.Pending = collectPromptIDs(temp.QueuePending, temp.QueueItems)
	return nil
}

func collectPromptIDs(lists ...[]xjson.RawMessage) []string {
	retv := make([]string, 0)
	for _, list := range lists {
		for _, raw := range list {
			if id := queueEntryPromptID(raw); id != "" {
				retv = append(retv, id)
			}
		}
	}
	return retv
}

type SystemStats struct {
	System  System `json:"system"`
	Devices []GPU  `json:"devices"`
}

type System struct {
	OS             string `json:"os"`
	PythonVersion  string `json:"python_version"`
	EmbeddedPython bool   `json:"embedded_python"`
}

type GPU struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	Index          int    `json:"index"`
	VRAMTotal      int64  `json:"vram_total"`
	VRAMFree       int64  `json:"vram_free"`
	TorchVRAMTotal int64  `json:"torch_vram_total"`
	TorchVRAMFree  int64  `json:"torch_vram_free"`
}

package graphapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrWorkflowNotFound  = errors.New("workflow file not found")
	ErrWorkflowMalformed = errors.New("malformed workflow json")
)

// Workflow is an API-format ComfyUI workflow: a mapping of node id to node
// definition. The client never edits it; the node bodies are kept as raw JSON
// and the file's key order is preserved when the workflow is re-encoded.
type Workflow struct {
	order []string
	nodes map[string]json.RawMessage
}

// LoadWorkflow loads a workflow JSON file, or the workflow embedded in a
// ComfyUI output image when path ends in .png.
func LoadWorkflow(path string) (Workflow, error) {
	if strings.EqualFold(filepath.Ext(path), ".png") {
		return LoadWorkflowPNG(path)
	}
	return LoadWorkflowFile(path)
}

// LoadWorkflowFile reads and parses the workflow JSON file at path.
func LoadWorkflowFile(path string) (Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Workflow{}, fmt.Errorf("%w: %s: %w", ErrWorkflowNotFound, path, err)
		}
		return Workflow{}, err
	}
	wf, err := parseWorkflow(data)
	if err != nil {
		return Workflow{}, fmt.Errorf("%s: %w", path, err)
	}
	return wf, nil
}

// LoadWorkflowReader parses a workflow from the data read from an io.Reader
func LoadWorkflowReader(r io.Reader) (Workflow, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Workflow{}, err
	}
	return parseWorkflow(data)
}

// LoadWorkflowString parses a workflow from a JSON string
func LoadWorkflowString(s string) (Workflow, error) {
	return LoadWorkflowReader(strings.NewReader(s))
}

func parseWorkflow(data []byte) (Workflow, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return Workflow{}, fmt.Errorf("%w: %v", ErrWorkflowMalformed, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return Workflow{}, fmt.Errorf("%w: top-level value is not an object", ErrWorkflowMalformed)
	}

	wf := Workflow{nodes: make(map[string]json.RawMessage)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Workflow{}, fmt.Errorf("%w: %v", ErrWorkflowMalformed, err)
		}
		key, ok := tok.(string)
		if !ok {
			return Workflow{}, fmt.Errorf("%w: unexpected token %v", ErrWorkflowMalformed, tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return Workflow{}, fmt.Errorf("%w: node %q: %v", ErrWorkflowMalformed, key, err)
		}
		// a repeated key keeps its first position, last value wins
		if _, dup := wf.nodes[key]; !dup {
			wf.order = append(wf.order, key)
		}
		wf.nodes[key] = raw
	}

	// closing brace
	if _, err := dec.Token(); err != nil {
		return Workflow{}, fmt.Errorf("%w: %v", ErrWorkflowMalformed, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Workflow{}, fmt.Errorf("%w: trailing data after workflow object", ErrWorkflowMalformed)
	}
	return wf, nil
}

// Len returns the number of nodes in the workflow
func (w Workflow) Len() int {
	return len(w.order)
}

// NodeIDs returns the node ids in file order
func (w Workflow) NodeIDs() []string {
	retv := make([]string, len(w.order))
	copy(retv, w.order)
	return retv
}

// Raw returns the undecoded definition of a node
func (w Workflow) Raw(id string) (json.RawMessage, bool) {
	raw, ok := w.nodes[id]
	return raw, ok
}

// Node decodes the definition of the node with the given id.
func (w Workflow) Node(id string) (*PromptNode, error) {
	raw, ok := w.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %q not found in workflow", id)
	}
	node := &PromptNode{}
	if err := json.Unmarshal(raw, node); err != nil {
		return nil, fmt.Errorf("node %q: %w", id, err)
	}
	return node, nil
}

// FindNodeByClassType returns the id of the first node (in file order) with
// the given class_type.
func (w Workflow) FindNodeByClassType(classType string) (string, bool) {
	for _, id := range w.order {
		node, err := w.Node(id)
		if err != nil {
			continue
		}
		if node.ClassType == classType {
			return id, true
		}
	}
	return "", false
}

// AsMap decodes the workflow into loosely typed maps, for collaborators that
// want to walk the graph themselves.
func (w Workflow) AsMap() (map[string]interface{}, error) {
	data, err := w.MarshalJSON()
	if err != nil {
		return nil, err
	}
	retv := make(map[string]interface{})
	if err := json.Unmarshal(data, &retv); err != nil {
		return nil, err
	}
	return retv, nil
}

func (w Workflow) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range w.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(w.nodes[id])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (w *Workflow) UnmarshalJSON(b []byte) error {
	wf, err := parseWorkflow(b)
	if err != nil {
		return err
	}
	*w = wf
	return nil
}

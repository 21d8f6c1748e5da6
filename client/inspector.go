package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/richinsley/comfyrunner/internal/xjson"
)

// ExtractNodeValue pulls the first text value a node produced out of a history
// record, lowercased. Two output shapes are accepted, checked in this order:
//
//	{"text": ["false"]}
//	{"ui": {"text": ["false"]}}
func ExtractNodeValue(record HistoryRecord, promptID string, nodeID string) (string, error) {
	entry, ok := record[promptID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrHistoryNotFound, promptID)
	}
	raw, ok := entry.Outputs[nodeID]
	if !ok {
		return "", fmt.Errorf("%w: prompt %s node %s", ErrNodeOutputNotFound, promptID, nodeID)
	}

	var output map[string]interface{}
	if err := xjson.Unmarshal(raw, &output); err != nil {
		return "", fmt.Errorf("%w: node %s: %v: %s", ErrUnexpectedOutputShape, nodeID, err, string(raw))
	}

	var values interface{}
	if v, ok := output["text"]; ok {
		values = v
	} else if ui, ok := output["ui"].(map[string]interface{}); ok && ui["text"] != nil {
		values = ui["text"]
	} else {
		return "", fmt.Errorf("%w: node %s has neither text nor ui.text: %s", ErrUnexpectedOutputShape, nodeID, string(raw))
	}

	list, ok := values.([]interface{})
	if !ok || len(list) == 0 {
		return "", fmt.Errorf("%w: node %s text is not a non-empty list: %s", ErrUnexpectedOutputShape, nodeID, string(raw))
	}
	return strings.ToLower(stringify(list[0])), nil
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "none"
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprint(t)
	}
	data, err := xjson.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// GetNodeValue fetches the prompt's history and extracts the node's text value
// with ExtractNodeValue. Failures are logged with the raw node output.
func (c *ComfyClient) GetNodeValue(ctx context.Context, promptID string, nodeID string) (string, error) {
	history, err := c.GetHistory(ctx, promptID)
	if err != nil {
		c.logger.Error("Failed to fetch history", "prompt_id", promptID, "endpoint", "/history/"+promptID, "error", err)
		return "", err
	}

	value, err := ExtractNodeValue(history, promptID, nodeID)
	if err != nil {
		c.logger.Error("Failed to read node output", "prompt_id", promptID, "node_id", nodeID, "error", err)
		return "", err
	}

	c.logger.Info("Read node output", "prompt_id", promptID, "node_id", nodeID, "value", value)
	return value, nil
}

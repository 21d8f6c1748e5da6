package graphapi

// Prompt is the data that is enqueued to an instance of ComfyUI.
// ClientID routes the websocket events for the prompt to our connection; it is
// left out for submissions that are not tracked over the websocket.
type Prompt struct {
	Workflow Workflow `json:"prompt"`
	ClientID string   `json:"client_id,omitempty"`
}

type PromptNode struct {
	// Inputs can be one of:
	//	float64
	//	string
	//	[]interface{} where: [0] is string of target node
	//					     [1] is float64 (int) of slot index
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
	Meta      *PromptNodeMeta        `json:"_meta,omitempty"`
}

type PromptNodeMeta struct {
	Title string `json:"title"`
}

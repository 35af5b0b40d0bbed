package dispatcher

import "encoding/json"

// EventPayload is the optional event carried on a workflow-run job when
// the dispatch was triggered by triggerEvent or a waitUntil firing.
type EventPayload struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RunPayload is the wire schema of the workflow-run queue, per spec §6.
type RunPayload struct {
	RunID      string          `json:"runId"`
	ResourceID string          `json:"resourceId,omitempty"`
	WorkflowID string          `json:"workflowId"`
	Input      json.RawMessage `json:"input,omitempty"`
	Event      *EventPayload   `json:"event,omitempty"`

	// BatchSizeHint carries a per-call startWorkflow batchSize override.
	// The dispatcher's poll batch size is fixed per queue subscription at
	// registration time, so this can't resize an already-open
	// subscription; it's surfaced to the dispatcher's log so a hint that
	// disagrees with the active subscription is visible rather than
	// silently dropped.
	BatchSizeHint int `json:"batchSizeHint,omitempty"`
}

// Encode marshals p for a queue Send call.
func (p RunPayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodeRunPayload parses a workflow-run queue message.
func DecodeRunPayload(raw []byte) (RunPayload, error) {
	var p RunPayload
	err := json.Unmarshal(raw, &p)
	return p, err
}

package wire

import (
	"encoding/json"
	"fmt"
)

// Backend message types.
const (
	TypeLLMRequest  = "llm_request"
	TypeLLMStream   = "llm_stream"
	TypeLLMResponse = "llm_response"
	TypeLLMError    = "llm_error"
)

// LLMRequest is one merged utterance submitted to the backend. The
// underscore-prefixed fields are diagnostic only; backends echo or ignore
// them.
type LLMRequest struct {
	Type        string `json:"type"`
	RequestID   string `json:"request_id"`
	SessionID   string `json:"session_id"`
	Text        string `json:"text"`
	Emotion     string `json:"emotion"`
	AudioEvent  string `json:"event"`
	Final       bool   `json:"final"`
	TsMS        int64  `json:"ts_ms"`
	MergeReason string `json:"_merge_reason"`
	MergeCount  int    `json:"_merge_count"`
}

// BackendMessage is the single inbound shape covering llm_stream,
// llm_response and llm_error. Which fields are meaningful depends on Type;
// switch on it and read the matching field.
type BackendMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id,omitempty"`
	Delta     string `json:"delta,omitempty"`
	Reply     string `json:"reply,omitempty"`
	Error     string `json:"error,omitempty"`
	Emotion   string `json:"emotion,omitempty"`
	Event     string `json:"event,omitempty"`
	Final     bool   `json:"final"`
	TsMS      int64  `json:"ts_ms,omitempty"`
}

// DecodeBackend parses one backend text frame. Unknown Type values decode
// fine and are left to the caller to route or drop; only malformed JSON is
// an error.
func DecodeBackend(data []byte) (BackendMessage, error) {
	var msg BackendMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return BackendMessage{}, fmt.Errorf("wire: decode backend message: %w", err)
	}
	return msg, nil
}

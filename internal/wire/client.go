// Package wire defines the JSON payloads of both websocket links: the events
// pushed to browser clients and the request/response messages exchanged with
// the LLM backend. Field order and presence follow the protocol exactly;
// optional keys are pointers or omitempty so absent and empty stay distinct.
package wire

// Client event names, carried in every payload's "event" field.
const (
	EventStatus        = "status"
	EventASR           = "asr"
	EventFiltered      = "filtered"
	EventBackendState  = "backend_state"
	EventBackendStream = "backend_stream"
	EventBackendResult = "backend_result"
	EventWarn          = "warn"
	EventPong          = "pong"
)

// Dispatch stages announced via backend_state events.
const (
	StageQueued       = "queued"
	StageQueueBusy    = "queue_busy"
	StageThinking     = "thinking"
	StageStreaming    = "streaming"
	StageCompleted    = "completed"
	StageFailed       = "failed"
	StageTimeout      = "timeout"
	StageInterrupting = "interrupting"
	StageInterrupted  = "interrupted"
)

// Admission rejection reasons carried by filtered events.
const (
	ReasonFillerText      = "filler_text"
	ReasonTextTooShort    = "text_too_short"
	ReasonNotSpeechEvent  = "not_speech_event"
	ReasonIntervalLimited = "submit_interval_limited"
	ReasonQueueBusy       = "backend_queue_busy_buffering"
)

// Status reports connection-level state changes. BackendConnected is only
// present on the initial "connected" status.
type Status struct {
	Event            string `json:"event"`
	SessionID        string `json:"session_id"`
	Message          string `json:"message"`
	BackendConnected *bool  `json:"backend_connected,omitempty"`
}

// ASR carries one recognized utterance with its rich-transcription fields.
type ASR struct {
	Event      string `json:"event"`
	SessionID  string `json:"session_id"`
	Text       string `json:"text"`
	RawText    string `json:"raw_text"`
	Language   string `json:"language"`
	Emotion    string `json:"emotion"`
	AudioEvent string `json:"audio_event"`
	ITN        string `json:"itn"`
	Final      bool   `json:"final"`
}

// Filtered reports an utterance that was recognized but not submitted.
type Filtered struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	Text      string `json:"text"`
}

// BackendState announces a dispatch stage transition for one request.
type BackendState struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	Stage     string `json:"stage"`
	RequestID string `json:"request_id"`
	QueueSize int    `json:"queue_size"`
	TsMS      int64  `json:"ts_ms"`
	Detail    string `json:"detail,omitempty"`
}

// BackendStream forwards one non-empty token delta. Final is always false;
// the end of a reply is signalled by BackendResult.
type BackendStream struct {
	Event      string `json:"event"`
	SessionID  string `json:"session_id"`
	RequestID  string `json:"request_id"`
	Delta      string `json:"delta"`
	Emotion    string `json:"emotion"`
	AudioEvent string `json:"audio_event"`
	Final      bool   `json:"final"`
}

// BackendResult carries the full reply text. Emotion and AudioEvent are
// present (possibly empty) on complete results and absent on interrupted
// partials; Interrupted is only set on partials.
type BackendResult struct {
	Event       string  `json:"event"`
	SessionID   string  `json:"session_id"`
	RequestID   string  `json:"request_id"`
	Reply       string  `json:"reply"`
	Emotion     *string `json:"emotion,omitempty"`
	AudioEvent  *string `json:"audio_event,omitempty"`
	Final       bool    `json:"final"`
	Interrupted bool    `json:"interrupted,omitempty"`
}

// Warn is a non-fatal, human-readable diagnostic. SessionID is absent only
// on the pre-session "model not ready" warning.
type Warn struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pong answers a client ping.
type Pong struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
}

// ClientControl is the inbound text-frame shape. Unknown events are ignored
// by the session.
type ClientControl struct {
	Event string `json:"event"`
}

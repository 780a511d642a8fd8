// Package asr defines the speech-processing seams of the ingest pipeline:
// boundary detection (VAD) and segment recognition. The session only ever
// sees these interfaces; concrete engines live in subpackages (energy,
// whisper, mock) and are selected by configuration at startup.
package asr

import "context"

// Boundary marks speech onset and offset positions within a detector stream,
// in milliseconds from stream start. A value of -1 means the event carries no
// boundary on that side: onset-only events have EndMS == -1 and offset-only
// events have BeginMS == -1.
type Boundary struct {
	BeginMS int
	EndMS   int
}

// SpeechDetector creates per-session detector streams. Implementations are
// shared process-wide and must be safe for concurrent NewStream calls.
type SpeechDetector interface {
	NewStream() (SpeechStream, error)
}

// SpeechStream consumes chunks of float32 mono samples and emits speech
// boundaries. A stream is stateful and not safe for concurrent use; each
// session owns exactly one.
type SpeechStream interface {
	// Detect processes one chunk. final marks the trailing sub-chunk of a
	// flush; detectors close any open speech run on it.
	Detect(chunk []float32, final bool) ([]Boundary, error)

	// Reset clears accumulated state so the stream can be reused after a
	// flush.
	Reset()
}

// Recognizer transcribes one finalized speech segment. Implementations are
// shared process-wide and must be safe for concurrent use. Output is either
// plain text or a rich-transcription string (positional <|tag|> groups
// followed by text); the pipeline parses both.
type Recognizer interface {
	Recognize(ctx context.Context, samples []float32) (string, error)
}

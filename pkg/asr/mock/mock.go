// Package mock provides scripted test doubles for the asr interfaces.
//
// Detector returns boundaries keyed by chunk index, so a test can place
// speech onsets and offsets at exact chunk positions; Recognizer returns
// queued transcripts in order. Zero values behave as "no boundaries" and
// "empty transcript".
package mock

import (
	"context"
	"sync"

	"github.com/voxgate/voxgate/pkg/asr"
)

// Detector is a scripted asr.SpeechDetector. Boundaries maps a zero-based
// chunk index (counted per stream, restarting on Reset) to the boundaries
// Detect returns for that chunk.
type Detector struct {
	// Boundaries is the per-chunk-index script shared by all streams.
	Boundaries map[int][]asr.Boundary

	// Err, if non-nil, is returned by NewStream.
	Err error

	mu      sync.Mutex
	streams int
}

var _ asr.SpeechDetector = (*Detector)(nil)

// NewStream implements asr.SpeechDetector.
func (d *Detector) NewStream() (asr.SpeechStream, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	d.mu.Lock()
	d.streams++
	d.mu.Unlock()
	return &Stream{det: d}, nil
}

// Streams reports how many streams have been created.
func (d *Detector) Streams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams
}

// Stream is the per-session scripted stream. It records every chunk it sees
// and advances one script index per Detect call.
type Stream struct {
	det *Detector

	mu     sync.Mutex
	idx    int
	resets int
	chunks []int // sample count per Detect call
	finals []bool
}

var _ asr.SpeechStream = (*Stream)(nil)

// Detect implements asr.SpeechStream.
func (s *Stream) Detect(chunk []float32, final bool) ([]asr.Boundary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, len(chunk))
	s.finals = append(s.finals, final)
	b := s.det.Boundaries[s.idx]
	s.idx++
	return b, nil
}

// Reset implements asr.SpeechStream. The script index restarts at zero, as if
// the stream were fresh.
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx = 0
	s.resets++
}

// Resets reports how many times Reset was called.
func (s *Stream) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Chunks returns the sample count of every Detect call so far.
func (s *Stream) Chunks() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Recognizer is a scripted asr.Recognizer. Results are returned in order;
// once exhausted, Recognize returns Default.
type Recognizer struct {
	// Results are popped one per Recognize call.
	Results []string

	// Default is returned when Results is exhausted.
	Default string

	// Err, if non-nil, is returned by every Recognize call.
	Err error

	mu    sync.Mutex
	calls []int // sample count per call
}

var _ asr.Recognizer = (*Recognizer)(nil)

// Recognize implements asr.Recognizer.
func (r *Recognizer) Recognize(ctx context.Context, samples []float32) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, len(samples))
	if r.Err != nil {
		return "", r.Err
	}
	if len(r.Results) == 0 {
		return r.Default, nil
	}
	res := r.Results[0]
	r.Results = r.Results[1:]
	return res, nil
}

// Calls returns the per-call sample counts observed so far.
func (r *Recognizer) Calls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.calls))
	copy(out, r.calls)
	return out
}

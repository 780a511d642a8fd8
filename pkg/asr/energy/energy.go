// Package energy implements a windowed-RMS speech detector. A speech run
// begins when the RMS of a 20 ms window reaches the configured threshold and
// ends once energy stays below it for the configured hang time, so short
// intra-utterance dips do not split segments.
package energy

import (
	"errors"
	"math"

	"github.com/voxgate/voxgate/pkg/asr"
)

// Defaults matching the broker's configuration defaults.
const (
	DefaultThreshold  = 0.015
	DefaultHangMS     = 300
	DefaultSampleRate = 16000
)

// windowMS is the RMS evaluation granularity inside a chunk.
const windowMS = 20

// Detector is an energy-threshold asr.SpeechDetector. It carries only
// immutable tuning; all per-session state lives in the streams it creates.
type Detector struct {
	threshold  float64
	hangMS     int
	sampleRate int
}

var _ asr.SpeechDetector = (*Detector)(nil)

// Option is a functional option for configuring a Detector.
type Option func(*Detector)

// WithThreshold sets the RMS level that counts as speech.
func WithThreshold(t float64) Option {
	return func(d *Detector) { d.threshold = t }
}

// WithHangMS sets how long energy must stay below threshold before a speech
// run ends.
func WithHangMS(ms int) Option {
	return func(d *Detector) { d.hangMS = ms }
}

// WithSampleRate sets the sample rate of the audio delivered to Detect. It
// must match the actual stream rate or boundary timestamps will be wrong.
func WithSampleRate(hz int) Option {
	return func(d *Detector) { d.sampleRate = hz }
}

// New creates a Detector with the given options applied over the defaults.
func New(opts ...Option) (*Detector, error) {
	d := &Detector{
		threshold:  DefaultThreshold,
		hangMS:     DefaultHangMS,
		sampleRate: DefaultSampleRate,
	}
	for _, o := range opts {
		o(d)
	}
	if d.threshold <= 0 {
		return nil, errors.New("energy: threshold must be positive")
	}
	if d.hangMS < 0 {
		return nil, errors.New("energy: hang time must not be negative")
	}
	if d.sampleRate <= 0 {
		return nil, errors.New("energy: sample rate must be positive")
	}
	return d, nil
}

// NewStream implements asr.SpeechDetector.
func (d *Detector) NewStream() (asr.SpeechStream, error) {
	return &stream{
		det:           d,
		windowSamples: max(1, d.sampleRate*windowMS/1000),
		hangSamples:   d.sampleRate * d.hangMS / 1000,
	}, nil
}

// stream tracks one session's speech state. Positions are counted in samples
// since the start of the stream (or the last Reset) and reported in ms.
type stream struct {
	det           *Detector
	windowSamples int
	hangSamples   int

	pos      int // samples consumed so far
	inSpeech bool
	silence  int // consecutive sub-threshold samples while in speech
}

var _ asr.SpeechStream = (*stream)(nil)

// Detect implements asr.SpeechStream. Chunks may be any length; the last
// window of a chunk may be shorter than 20 ms.
func (s *stream) Detect(chunk []float32, final bool) ([]asr.Boundary, error) {
	var out []asr.Boundary
	for off := 0; off < len(chunk); off += s.windowSamples {
		end := min(off+s.windowSamples, len(chunk))
		win := chunk[off:end]
		loud := rms(win) >= s.det.threshold
		switch {
		case loud && !s.inSpeech:
			s.inSpeech = true
			s.silence = 0
			out = append(out, asr.Boundary{BeginMS: s.ms(s.pos + off), EndMS: -1})
		case loud:
			s.silence = 0
		case s.inSpeech:
			s.silence += len(win)
			if s.silence >= s.hangSamples {
				s.inSpeech = false
				s.silence = 0
				out = append(out, asr.Boundary{BeginMS: -1, EndMS: s.ms(s.pos + end)})
			}
		}
	}
	s.pos += len(chunk)

	if final && s.inSpeech {
		s.inSpeech = false
		s.silence = 0
		out = append(out, asr.Boundary{BeginMS: -1, EndMS: s.ms(s.pos)})
	}
	return out, nil
}

// Reset implements asr.SpeechStream.
func (s *stream) Reset() {
	s.pos = 0
	s.inSpeech = false
	s.silence = 0
}

func (s *stream) ms(samples int) int {
	return samples * 1000 / s.det.sampleRate
}

func rms(win []float32) float64 {
	if len(win) == 0 {
		return 0
	}
	var sum float64
	for _, v := range win {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(win)))
}

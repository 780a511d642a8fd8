// Package whisper implements asr.Recognizer over the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/voxgate/voxgate/pkg/asr"
)

const defaultLanguage = "auto"

// Recognizer transcribes finalized speech segments with a whisper.cpp model.
// The model is loaded once and shared across all sessions; every Recognize
// call creates its own whisper context, so concurrent calls are safe.
type Recognizer struct {
	model    whisperlib.Model
	language string
	useITN   bool
}

var _ asr.Recognizer = (*Recognizer)(nil)

// Option is a functional option for configuring a Recognizer.
type Option func(*Recognizer)

// WithLanguage sets the transcription language hint (e.g. "en", "zh").
// "auto" detects per segment.
func WithLanguage(lang string) Option {
	return func(r *Recognizer) {
		if lang != "" {
			r.language = lang
		}
	}
}

// WithITN marks output as inverse-text-normalized. whisper.cpp always emits
// written-form text, so this only switches the rich tag between "withitn"
// and "woitn" for downstream consumers.
func WithITN(enabled bool) Option {
	return func(r *Recognizer) { r.useITN = enabled }
}

// New loads the ggml model at modelPath. The caller must call Close when the
// recognizer is no longer needed.
func New(modelPath string, opts ...Option) (*Recognizer, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	r := &Recognizer{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Close releases the whisper model.
func (r *Recognizer) Close() error {
	if r.model != nil {
		return r.model.Close()
	}
	return nil
}

// Recognize runs whisper.cpp inference over one speech segment and returns
// the transcript in the rich-transcription form the pipeline parses:
//
//	<|lang|><|EMO_UNKNOWN|><|Speech|><|woitn|>text
//
// The audio event is always "Speech": segments reach the recognizer
// speech-gated by the boundary detector. An empty transcript returns "".
func (r *Recognizer) Recognize(ctx context.Context, samples []float32) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if len(samples) == 0 {
		return "", nil
	}

	// Each context is NOT thread-safe, but the model can be shared.
	wctx, err := r.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(r.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", r.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	text := strings.Join(parts, " ")
	if text == "" {
		return "", nil
	}

	lang := r.language
	if lang == "" || lang == "auto" {
		lang = "unknown"
	}
	itn := "woitn"
	if r.useITN {
		itn = "withitn"
	}
	return fmt.Sprintf("<|%s|><|EMO_UNKNOWN|><|Speech|><|%s|>%s", lang, itn, text), nil
}

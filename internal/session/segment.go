package session

import (
	"context"
	"unicode/utf8"

	"github.com/voxgate/voxgate/internal/utterance"
	"github.com/voxgate/voxgate/internal/wire"
	"github.com/voxgate/voxgate/pkg/audio"
)

// onAudio appends decoded PCM to the pending buffer and walks it through the
// detector one step at a time.
func (s *Session) onAudio(ctx context.Context, data []byte) {
	if len(data) == 0 {
		return
	}
	samples := audio.Int16LEToFloat32(data)
	if len(samples) == 0 {
		return
	}
	s.pending = append(s.pending, samples...)
	for len(s.pending) >= s.chunkSamples {
		chunk := s.pending[:s.chunkSamples:s.chunkSamples]
		s.pending = s.pending[s.chunkSamples:]
		s.processChunk(ctx, chunk, false)
	}
}

// processChunk advances the detector by one step and maintains the open
// segment: onsets start it with the pre-roll tail prepended, the sample cap
// and detected ends close it.
func (s *Session) processChunk(ctx context.Context, chunk []float32, final bool) {
	bounds, err := s.detector.Detect(chunk, final)
	if err != nil {
		s.log.Warn("speech detection failed", "error", err)
		return
	}
	hasBegin, hasEnd := false, false
	for _, b := range bounds {
		if b.BeginMS >= 0 {
			hasBegin = true
		}
		if b.EndMS >= 0 {
			hasEnd = true
		}
	}

	wasInSegment := s.inSegment
	if wasInSegment {
		s.segment = append(s.segment, chunk...)
	}
	if hasBegin && !wasInSegment {
		// s.history still holds only audio from before this chunk.
		var pre []float32
		if s.preRollSamples > 0 {
			pre = s.history
			if len(pre) > s.preRollSamples {
				pre = pre[len(pre)-s.preRollSamples:]
			}
		}
		seg := make([]float32, 0, len(pre)+len(chunk))
		s.segment = append(append(seg, pre...), chunk...)
		s.inSegment = true
	}
	s.history = audio.AppendTail(s.history, chunk, s.preRollSamples)

	if s.inSegment && len(s.segment) >= s.maxSegSamples {
		s.finalizeSegment(ctx, s.segment)
		s.segment = nil
		s.inSegment = false
	}
	if hasEnd && s.inSegment {
		s.finalizeSegment(ctx, s.segment)
		s.segment = nil
		s.inSegment = false
	}
}

// finalizeSegment recognizes one closed segment and walks the result through
// admission into the merge window. Recognition failures warn and leave the
// session running.
func (s *Session) finalizeSegment(ctx context.Context, samples []float32) {
	if len(samples) == 0 {
		return
	}
	text, err := s.recognizer.Recognize(ctx, samples)
	if err != nil {
		s.log.Warn("recognition failed", "error", err, "samples", len(samples))
		s.send(wire.Warn{Event: wire.EventWarn, SessionID: s.id, Message: "asr failed: " + err.Error()})
		return
	}
	if text == "" {
		return
	}
	parsed := utterance.Parse(text)
	s.send(wire.ASR{
		Event:      wire.EventASR,
		SessionID:  s.id,
		Text:       parsed.Clean,
		RawText:    parsed.Raw,
		Language:   parsed.Language,
		Emotion:    parsed.Emotion,
		AudioEvent: parsed.Event,
		ITN:        parsed.ITN,
		Final:      true,
	})

	class, reason := s.admit(parsed)
	s.metrics.RecordUtterance(ctx, string(class))
	if reason != "" {
		s.metrics.RecordFiltered(ctx, reason)
		s.send(wire.Filtered{Event: wire.EventFiltered, SessionID: s.id, Reason: reason, Text: parsed.Clean})
		return
	}
	s.admitUtterance(ctx, parsed, class)
}

// admit applies the submission gates in order. The interval limiter comes
// last so utterances rejected by an earlier gate never consume its token; an
// empty reason means admitted.
func (s *Session) admit(parsed utterance.Parsed) (utterance.Class, string) {
	class := utterance.Classify(parsed.Clean, s.cfg.Submit.FillerMaxChars)
	if s.cfg.Submit.FilterFiller && class == utterance.ClassDropFiller {
		return class, wire.ReasonFillerText
	}
	if class != utterance.ClassKeepShort && utf8.RuneCountInString(parsed.Clean) < s.cfg.Submit.MinTextChars {
		return class, wire.ReasonTextTooShort
	}
	if s.cfg.Submit.RequireSpeech && parsed.Event != "Speech" {
		return class, wire.ReasonNotSpeechEvent
	}
	if !s.limiter.Allow() {
		return class, wire.ReasonIntervalLimited
	}
	return class, ""
}

// flushAll drains buffered audio through the detector, closes any open
// segment, resets detection state and force-commits the merge window.
func (s *Session) flushAll(ctx context.Context) {
	for len(s.pending) >= s.chunkSamples {
		chunk := s.pending[:s.chunkSamples:s.chunkSamples]
		s.pending = s.pending[s.chunkSamples:]
		s.processChunk(ctx, chunk, false)
	}
	if len(s.pending) > 0 {
		s.processChunk(ctx, s.pending, true)
		s.pending = nil
	}
	if s.inSegment && len(s.segment) > 0 {
		s.finalizeSegment(ctx, s.segment)
		s.segment = nil
		s.inSegment = false
	}
	s.history = nil
	s.detector.Reset()

	s.mu.Lock()
	s.commitMergedLocked(ctx, reasonFlush)
	s.mu.Unlock()
}

package session

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/utterance"
	"github.com/voxgate/voxgate/internal/wire"
)

// Merge-commit reasons, forwarded to the backend as request diagnostics.
const (
	reasonGapOrWindow = "gap_or_window"
	reasonMaxWindow   = "max_window"
	reasonFlush       = "flush"
)

// Barge-in kinds.
const (
	interruptPreToken  = "pre_token"
	interruptPostToken = "post_token"
)

// admitUtterance folds one admitted utterance into the merge window,
// interrupting the inflight request first when barge-in rules apply.
func (s *Session) admitUtterance(ctx context.Context, parsed utterance.Parsed, class utterance.Class) {
	text := strings.TrimSpace(parsed.Clean)
	if text == "" {
		return
	}
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	if inf := s.active; inf != nil && !inf.finished.Load() {
		switch {
		case class == utterance.ClassNormal && !inf.firstToken.Load() && s.cfg.Interrupt.PreToken:
			s.interruptActiveLocked(ctx, interruptPreToken, true)
		case inf.firstToken.Load() && s.shouldInterruptPostToken(text, class):
			s.interruptActiveLocked(ctx, interruptPostToken, false)
		}
	}

	if len(s.window) == 0 {
		s.startMS = now
	}
	s.lastMS = now
	s.emotion = parsed.Emotion
	s.audioEvent = parsed.Event
	s.window = append(s.window, text)

	if now-s.startMS >= int64(s.cfg.Merge.MaxMS) {
		s.commitMergedLocked(ctx, reasonMaxWindow)
		return
	}
	s.scheduleMergeTimerLocked()
}

// interruptActiveLocked cancels the inflight request. With stealBack the
// request's text re-enters the window front so the next commit resubmits it
// together with the interrupting utterance.
func (s *Session) interruptActiveLocked(ctx context.Context, kind string, stealBack bool) {
	inf := s.active
	if inf == nil || inf.finished.Load() {
		return
	}
	s.emitState(wire.StageInterrupting, inf.id, kind)
	if stealBack {
		if text := strings.TrimSpace(inf.text); text != "" {
			if len(s.window) == 0 {
				now := time.Now().UnixMilli()
				s.startMS = now
				s.lastMS = now
			}
			s.window = append([]string{text}, s.window...)
		}
	}
	inf.cancel()
	s.metrics.RecordInterrupt(ctx, kind)
	s.send(wire.Warn{
		Event:     wire.EventWarn,
		SessionID: s.id,
		Message:   "llm interrupted: " + kind,
		RequestID: inf.id,
	})
}

// shouldInterruptPostToken decides whether an utterance may cut off a reply
// that already produced tokens. Filler and bare confirmations never do; the
// conditional mode requires length or a question mark.
func (s *Session) shouldInterruptPostToken(text string, class utterance.Class) bool {
	if class == utterance.ClassDropFiller || class == utterance.ClassKeepShort {
		return false
	}
	mode := s.cfg.Interrupt.PostTokenMode
	if mode == config.PostTokenAlways {
		return true
	}
	if mode.Off() {
		return false
	}
	if utf8.RuneCountInString(text) >= s.cfg.Interrupt.MinChars {
		return true
	}
	return strings.ContainsAny(text, "?？吗呢")
}

// commitMergedLocked closes the window and enqueues one merged request. When
// the queue is full the joined text stays buffered and the window re-arms
// instead of dropping user speech. The queued state is emitted while still
// holding mu so it reaches the client before the dispatcher's first stage.
func (s *Session) commitMergedLocked(ctx context.Context, reason string) bool {
	if len(s.window) == 0 {
		return false
	}
	parts := make([]string, 0, len(s.window))
	for _, t := range s.window {
		if t = strings.TrimSpace(t); t != "" {
			parts = append(parts, t)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, " "))
	if text == "" {
		s.window = nil
		s.startMS = 0
		s.lastMS = 0
		s.stopMergeTimerLocked()
		return false
	}

	emotion := s.emotion
	audioEvent := s.audioEvent
	count := len(s.window)

	s.window = nil
	s.startMS = 0
	s.lastMS = 0
	s.timerVersion++
	s.stopMergeTimerLocked()

	s.requestSeq++
	req := &wire.LLMRequest{
		Type:        wire.TypeLLMRequest,
		RequestID:   fmt.Sprintf("%s-r%d", s.id, s.requestSeq),
		SessionID:   s.id,
		Text:        text,
		Emotion:     emotion,
		AudioEvent:  audioEvent,
		Final:       true,
		TsMS:        time.Now().UnixMilli(),
		MergeReason: reason,
		MergeCount:  count,
	}

	select {
	case s.queue <- req:
	default:
		now := time.Now().UnixMilli()
		s.window = []string{text}
		s.emotion = emotion
		s.audioEvent = audioEvent
		s.startMS = now
		s.lastMS = now
		s.metrics.RecordFiltered(ctx, wire.ReasonQueueBusy)
		s.send(wire.Filtered{Event: wire.EventFiltered, SessionID: s.id, Reason: wire.ReasonQueueBusy, Text: text})
		s.emitState(wire.StageQueueBusy, req.RequestID, wire.ReasonQueueBusy)
		s.scheduleMergeTimerLocked()
		return false
	}

	s.metrics.BackendQueueDepth.Add(ctx, 1)
	s.metrics.RecordMergeCommit(ctx, reason, count)
	s.emitState(wire.StageQueued, req.RequestID, fmt.Sprintf("merge_reason=%s merge_count=%d", reason, count))
	return true
}

// scheduleMergeTimerLocked (re)arms the debounce timer for the earlier of
// the gap and max-window deadlines. The version snapshot makes a stale timer
// firing after a re-schedule or commit a no-op.
func (s *Session) scheduleMergeTimerLocked() {
	if len(s.window) == 0 {
		s.stopMergeTimerLocked()
		return
	}
	s.stopMergeTimerLocked()
	s.timerVersion++
	version := s.timerVersion

	due := min(s.lastMS+int64(s.cfg.Merge.GapMS), s.startMS+int64(s.cfg.Merge.MaxMS))
	wait := max(0, due-time.Now().UnixMilli())

	s.mergeTimer = time.AfterFunc(time.Duration(wait)*time.Millisecond, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if version != s.timerVersion || s.closed.Load() {
			return
		}
		s.commitMergedLocked(context.Background(), reasonGapOrWindow)
	})
}

func (s *Session) stopMergeTimerLocked() {
	if s.mergeTimer != nil {
		s.mergeTimer.Stop()
		s.mergeTimer = nil
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/wire"
)

// Terminal outcomes recorded per backend request.
const (
	outcomeCompleted   = "completed"
	outcomeFailed      = "failed"
	outcomeTimeout     = "timeout"
	outcomeInterrupted = "interrupted"
)

// inflight is the dispatcher's view of the request currently running. The
// read loop consults firstToken and finished for barge-in decisions and
// calls cancel to interrupt.
type inflight struct {
	id         string
	text       string
	cancel     context.CancelFunc
	firstToken atomic.Bool
	finished   atomic.Bool
}

// dispatch runs queued requests one at a time until ctx is cancelled.
func (s *Session) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.queue:
			s.metrics.BackendQueueDepth.Add(ctx, -1)
			rctx, cancel := context.WithCancel(ctx)
			inf := &inflight{id: req.RequestID, text: req.Text, cancel: cancel}
			s.mu.Lock()
			s.active = inf
			s.mu.Unlock()

			s.runRequest(rctx, inf, req)

			inf.finished.Store(true)
			cancel()
			s.mu.Lock()
			if s.active == inf {
				s.active = nil
			}
			s.mu.Unlock()
		}
	}
}

// runRequest relays one backend exchange to the client: stage transitions,
// token deltas and the terminal result. The request timeout applies to each
// backend message, not the whole exchange.
func (s *Session) runRequest(ctx context.Context, inf *inflight, req *wire.LLMRequest) {
	timeout := s.cfg.Backend.RequestTimeout()
	start := time.Now()
	outcome := outcomeFailed
	ctx, span := observe.StartSpan(ctx, "session.backend_request",
		trace.WithAttributes(
			observe.Attr("request_id", req.RequestID),
			observe.Attr("merge_reason", req.MergeReason),
		))
	defer func() {
		span.SetAttributes(observe.Attr("outcome", outcome))
		span.End()
		s.metrics.RecordBackendRequest(context.Background(), outcome, time.Since(start).Seconds())
	}()

	s.emitState(wire.StageThinking, req.RequestID, "")

	stream, err := s.bridge.Open(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			outcome = outcomeInterrupted
			s.emitState(wire.StageInterrupted, req.RequestID, "")
			return
		}
		s.log.Warn("backend request failed", "request_id", req.RequestID, "error", err)
		s.send(wire.Warn{Event: wire.EventWarn, SessionID: s.id, Message: "backend request failed: " + err.Error(), RequestID: req.RequestID})
		s.emitState(wire.StageFailed, req.RequestID, err.Error())
		return
	}
	defer stream.Close()

	var parts []string
	streaming := false
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if inf.firstToken.Load() {
				if partial := strings.TrimSpace(strings.Join(parts, "")); partial != "" {
					s.send(wire.BackendResult{
						Event:       wire.EventBackendResult,
						SessionID:   s.id,
						RequestID:   req.RequestID,
						Reply:       partial,
						Final:       true,
						Interrupted: true,
					})
				}
			}
			outcome = outcomeInterrupted
			s.emitState(wire.StageInterrupted, req.RequestID, "")
			return

		case <-timer.C:
			detail := fmt.Sprintf("%.1fs", timeout.Seconds())
			s.send(wire.Warn{
				Event:     wire.EventWarn,
				SessionID: s.id,
				Message:   "backend request timeout after " + detail,
				RequestID: req.RequestID,
			})
			outcome = outcomeTimeout
			s.emitState(wire.StageTimeout, req.RequestID, detail)
			return

		case msg := <-stream.Messages():
			timer.Reset(timeout)
			requestID := msg.RequestID
			if requestID == "" {
				requestID = req.RequestID
			}
			switch msg.Type {
			case wire.TypeLLMError:
				s.send(wire.Warn{
					Event:     wire.EventWarn,
					SessionID: s.id,
					Message:   "backend error: " + msg.Error,
					RequestID: requestID,
				})
				detail := msg.Error
				if detail == "" {
					detail = "backend_error"
				}
				outcome = outcomeFailed
				s.emitState(wire.StageFailed, requestID, detail)
				return

			case wire.TypeLLMStream:
				if msg.Delta == "" {
					continue
				}
				parts = append(parts, msg.Delta)
				if !inf.firstToken.Load() {
					inf.firstToken.Store(true)
					s.metrics.FirstTokenLatency.Record(context.Background(), time.Since(start).Seconds())
				}
				if !streaming {
					streaming = true
					s.emitState(wire.StageStreaming, requestID, "")
				}
				s.send(wire.BackendStream{
					Event:      wire.EventBackendStream,
					SessionID:  s.id,
					RequestID:  requestID,
					Delta:      msg.Delta,
					Emotion:    msg.Emotion,
					AudioEvent: msg.Event,
					Final:      false,
				})

			case wire.TypeLLMResponse:
				emotion, audioEvent := msg.Emotion, msg.Event
				s.send(wire.BackendResult{
					Event:      wire.EventBackendResult,
					SessionID:  s.id,
					RequestID:  requestID,
					Reply:      msg.Reply,
					Emotion:    &emotion,
					AudioEvent: &audioEvent,
					Final:      true,
				})
				if msg.Final {
					outcome = outcomeCompleted
					s.emitState(wire.StageCompleted, requestID, "")
					return
				}
			}
		}
	}
}

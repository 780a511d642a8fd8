// Package session drives one client websocket through the voice pipeline:
// PCM ingest, speech segmentation, recognition, admission filtering, the
// debounced merge window and single-inflight backend dispatch.
//
// All ingest state belongs to the read loop alone. The merge window and the
// dispatcher bookkeeping are shared between the read loop, the merge timer
// and the dispatcher goroutine and are guarded by one mutex; client writes
// are serialized separately so any goroutine may emit events.
package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/voxgate/voxgate/internal/bridge"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/wire"
	"github.com/voxgate/voxgate/pkg/asr"
)

// sendTimeout bounds one client write; a stuck client drops the session
// rather than the pipeline.
const sendTimeout = 10 * time.Second

// Options carries the collaborators a session needs. All fields are
// required.
type Options struct {
	Conn       *websocket.Conn
	Bridge     *bridge.Bridge
	Detector   asr.SpeechDetector
	Recognizer asr.Recognizer
	Config     *config.Config
	Metrics    *observe.Metrics
}

// Session is the per-connection pipeline instance.
type Session struct {
	id      string
	cfg     *config.Config
	conn    *websocket.Conn
	bridge  *bridge.Bridge
	metrics *observe.Metrics
	log     *slog.Logger

	recognizer asr.Recognizer
	detector   asr.SpeechStream

	chunkSamples   int
	maxSegSamples  int
	preRollSamples int

	// Ingest state, touched only by the read loop.
	pending   []float32
	history   []float32
	segment   []float32
	inSegment bool
	limiter   *rate.Limiter

	queue  chan *wire.LLMRequest
	wg     sync.WaitGroup
	closed atomic.Bool
	sendMu sync.Mutex

	// mu guards the merge window and dispatch bookkeeping below.
	mu           sync.Mutex
	window       []string
	emotion      string
	audioEvent   string
	startMS      int64
	lastMS       int64
	timerVersion int
	mergeTimer   *time.Timer
	requestSeq   int
	active       *inflight
}

// New prepares a session over an accepted client connection. The session
// does nothing until Run is called.
func New(opts Options) (*Session, error) {
	switch {
	case opts.Conn == nil:
		return nil, errors.New("session: conn is required")
	case opts.Bridge == nil:
		return nil, errors.New("session: bridge is required")
	case opts.Detector == nil:
		return nil, errors.New("session: detector is required")
	case opts.Recognizer == nil:
		return nil, errors.New("session: recognizer is required")
	case opts.Config == nil:
		return nil, errors.New("session: config is required")
	case opts.Metrics == nil:
		return nil, errors.New("session: metrics is required")
	}

	stream, err := opts.Detector.NewStream()
	if err != nil {
		return nil, fmt.Errorf("session: start detector stream: %w", err)
	}

	u := uuid.New()
	id := "s-" + hex.EncodeToString(u[:])[:12]
	cfg := opts.Config
	interval := time.Duration(cfg.Submit.MinIntervalMS) * time.Millisecond

	return &Session{
		id:             id,
		cfg:            cfg,
		conn:           opts.Conn,
		bridge:         opts.Bridge,
		metrics:        opts.Metrics,
		log:            slog.With("session_id", id),
		recognizer:     opts.Recognizer,
		detector:       stream,
		chunkSamples:   cfg.Audio.VADChunkSamples(),
		maxSegSamples:  cfg.Audio.MaxSegmentSamples(),
		preRollSamples: cfg.Audio.PreRollSamples(),
		limiter:        rate.NewLimiter(rate.Every(interval), 1),
		queue:          make(chan *wire.LLMRequest, max(1, cfg.Backend.MaxPending)),
		emotion:        "EMO_UNKNOWN",
		audioEvent:     "Speech",
	}, nil
}

// ID is the session identifier sent with every client event.
func (s *Session) ID() string { return s.id }

// Run services the connection until the client disconnects or ctx is
// cancelled. The websocket close handshake is left to the caller.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		s.closed.Store(true)
		s.mu.Lock()
		s.stopMergeTimerLocked()
		s.mu.Unlock()
		cancel()
		s.wg.Wait()
		s.drainQueue()
		s.log.Info("session closed")
	}()

	up := s.bridge.Connected()
	s.send(wire.Status{Event: wire.EventStatus, SessionID: s.id, Message: "connected", BackendConnected: &up})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(ctx)
	}()

	s.log.Info("session started")
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			s.closed.Store(true)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Info("client connection closed", "close_status", websocket.CloseStatus(err))
			return nil
		}
		switch typ {
		case websocket.MessageBinary:
			s.onAudio(ctx, data)
		case websocket.MessageText:
			s.onControl(ctx, data)
		}
	}
}

// onControl handles one client text frame. Unknown and malformed frames are
// ignored.
func (s *Session) onControl(ctx context.Context, data []byte) {
	var ctl wire.ClientControl
	if err := json.Unmarshal(data, &ctl); err != nil {
		return
	}
	switch ctl.Event {
	case "flush":
		s.flushAll(ctx)
		s.send(wire.Status{Event: wire.EventStatus, SessionID: s.id, Message: "flushed"})
	case "ping":
		s.send(wire.Pong{Event: wire.EventPong, SessionID: s.id})
	}
}

// send marshals and writes one client event. Write failures mark the session
// closed; later sends become no-ops.
func (s *Session) send(payload any) {
	if s.closed.Load() {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("encoding client event", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.Load() {
		return
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.closed.Store(true)
	}
}

// emitState announces a dispatch stage transition for one request.
func (s *Session) emitState(stage, requestID, detail string) {
	s.send(wire.BackendState{
		Event:     wire.EventBackendState,
		SessionID: s.id,
		Stage:     stage,
		RequestID: requestID,
		QueueSize: len(s.queue),
		TsMS:      time.Now().UnixMilli(),
		Detail:    detail,
	})
}

// drainQueue releases the depth gauge for requests abandoned at teardown.
func (s *Session) drainQueue() {
	for {
		select {
		case <-s.queue:
			s.metrics.BackendQueueDepth.Add(context.Background(), -1)
		default:
			return
		}
	}
}

// Package server exposes the broker's HTTP surface: the client websocket
// endpoint, health and readiness probes, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxgate/voxgate/internal/bridge"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/health"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/wire"
	"github.com/voxgate/voxgate/pkg/asr"
)

// clientReadLimit bounds one inbound client frame.
const clientReadLimit = 1 << 20

// Deps are the collaborators sessions need. Detector and Recognizer may be
// nil when engine construction failed in lax mode; sessions are then refused
// with a "model not ready" warning while the HTTP surface stays up.
type Deps struct {
	Bridge     *bridge.Bridge
	Detector   asr.SpeechDetector
	Recognizer asr.Recognizer
	EngineErr  error
	Metrics    *observe.Metrics
}

// Server owns the route table and the set of running sessions.
type Server struct {
	cfg  *config.Config
	deps Deps
	mux  *http.ServeMux

	// sessionCtx parents every session; Shutdown cancels it.
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	wg            sync.WaitGroup
}

// New builds the route table. The returned server accepts sessions until
// Shutdown is called.
func New(cfg *config.Config, deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:           cfg,
		deps:          deps,
		mux:           http.NewServeMux(),
		sessionCtx:    ctx,
		sessionCancel: cancel,
	}

	h := health.New(s.snapshot,
		health.Checker{Name: "bridge", Check: s.checkBridge},
		health.Checker{Name: "model", Check: s.checkModel},
	)
	h.Register(s.mux)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /ws/client", s.handleClient)
	return s
}

// Handler is the route table; callers wrap it with middleware as needed.
func (s *Server) Handler() http.Handler { return s.mux }

// Shutdown cancels all running sessions and waits for them to finish or ctx
// to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sessionCancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) modelReady() bool {
	return s.deps.Detector != nil && s.deps.Recognizer != nil
}

// healthSnapshot mirrors the liveness payload the protocol promises: the
// effective pipeline knobs plus live model and bridge state.
type healthSnapshot struct {
	Status               string  `json:"status"`
	ModelReady           bool    `json:"model_ready"`
	ASREngine            string  `json:"asr_engine"`
	VADEngine            string  `json:"vad_engine"`
	BackendWSURL         string  `json:"backend_ws_url"`
	BackendConnected     bool    `json:"backend_connected"`
	SubmitMinTextChars   int     `json:"submit_min_text_chars"`
	SubmitRequireSpeech  bool    `json:"submit_require_speech"`
	SubmitMinIntervalMS  int     `json:"submit_min_interval_ms"`
	FilterFiller         bool    `json:"filter_filler"`
	FillerMaxChars       int     `json:"filler_max_chars"`
	FinalMergeGapMS      int     `json:"final_merge_gap_ms"`
	FinalMergeMaxMS      int     `json:"final_merge_max_ms"`
	InterruptPreToken    bool    `json:"interrupt_pre_token"`
	InterruptPostToken   string  `json:"interrupt_post_token_mode"`
	InterruptMinChars    int     `json:"interrupt_min_chars"`
	BackendMaxPending    int     `json:"backend_max_pending"`
	BackendPingIntervalS float64 `json:"backend_ws_ping_interval_s"`
	BackendPingTimeoutS  float64 `json:"backend_ws_ping_timeout_s"`
	ModelError           string  `json:"model_error"`
}

func (s *Server) snapshot() any {
	cfg := s.cfg
	snap := healthSnapshot{
		Status:               "ok",
		ModelReady:           s.modelReady(),
		ASREngine:            string(cfg.ASR.Engine),
		VADEngine:            string(cfg.VAD.Engine),
		BackendWSURL:         cfg.Backend.URL,
		BackendConnected:     s.deps.Bridge.Connected(),
		SubmitMinTextChars:   cfg.Submit.MinTextChars,
		SubmitRequireSpeech:  cfg.Submit.RequireSpeech,
		SubmitMinIntervalMS:  cfg.Submit.MinIntervalMS,
		FilterFiller:         cfg.Submit.FilterFiller,
		FillerMaxChars:       cfg.Submit.FillerMaxChars,
		FinalMergeGapMS:      cfg.Merge.GapMS,
		FinalMergeMaxMS:      cfg.Merge.MaxMS,
		InterruptPreToken:    cfg.Interrupt.PreToken,
		InterruptPostToken:   string(cfg.Interrupt.PostTokenMode),
		InterruptMinChars:    cfg.Interrupt.MinChars,
		BackendMaxPending:    cfg.Backend.MaxPending,
		BackendPingIntervalS: cfg.Backend.PingIntervalS,
		BackendPingTimeoutS:  cfg.Backend.PingTimeoutS,
	}
	if s.deps.EngineErr != nil {
		snap.ModelError = s.deps.EngineErr.Error()
	}
	return snap
}

func (s *Server) checkBridge(context.Context) error {
	if !s.deps.Bridge.Connected() {
		return errors.New("backend websocket disconnected")
	}
	return nil
}

func (s *Server) checkModel(context.Context) error {
	if s.modelReady() {
		return nil
	}
	if s.deps.EngineErr != nil {
		return fmt.Errorf("model not ready: %w", s.deps.EngineErr)
	}
	return errors.New("model not ready")
}

// handleClient upgrades one client connection and runs its session to
// completion.
func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Warn("client websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(clientReadLimit)

	if !s.modelReady() {
		msg := "model not ready"
		if s.deps.EngineErr != nil {
			msg = "model not ready: " + s.deps.EngineErr.Error()
		}
		s.writeWarn(conn, msg)
		conn.Close(websocket.StatusNormalClosure, "model not ready")
		return
	}

	sess, err := session.New(session.Options{
		Conn:       conn,
		Bridge:     s.deps.Bridge,
		Detector:   s.deps.Detector,
		Recognizer: s.deps.Recognizer,
		Config:     s.cfg,
		Metrics:    s.deps.Metrics,
	})
	if err != nil {
		slog.Error("session setup failed", "error", err)
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	s.wg.Add(1)
	s.deps.Metrics.SessionsActive.Add(s.sessionCtx, 1)
	defer func() {
		s.deps.Metrics.SessionsActive.Add(context.Background(), -1)
		s.wg.Done()
	}()

	// The session watches its own reads; client disconnects surface there,
	// so sessionCtx only has to carry shutdown.
	if err := sess.Run(s.sessionCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("session ended with error", "session_id", sess.ID(), "error", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) writeWarn(conn *websocket.Conn, msg string) {
	data, err := json.Marshal(wire.Warn{Event: wire.EventWarn, Message: msg})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("model-not-ready warning not delivered", "error", err)
	}
}

// Package llmserver implements the reference LLM backend: the websocket peer
// the broker's bridge dials. It answers llm_request messages with streamed
// llm_stream deltas followed by a final llm_response (or llm_error), keeping
// a rolling per-session chat history so replies stay conversational.
//
// Each connection gets a bounded request queue and a single worker, so one
// slow completion never interleaves its deltas with another request on the
// same connection.
package llmserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/internal/wire"
	"github.com/voxgate/voxgate/pkg/llm"
)

const (
	readLimit    = 1 << 20
	writeTimeout = 10 * time.Second
	pingTimeout  = 10 * time.Second

	defaultSystemPrompt = "你是语音助手，请基于用户输入直接给出简洁有帮助的中文回答。"
)

// Config tunes one backend instance. Provider and Model are display-only;
// they name what the llm.Provider wraps and show up in /healthz.
type Config struct {
	SystemPrompt   string
	HistoryLimit   int
	RequestTimeout time.Duration
	MaxPending     int
	PingInterval   time.Duration
	Provider       string
	Model          string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.SystemPrompt) == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 90 * time.Second
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 32
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	return c
}

// Server answers edge connections on /ws/edge and reports its configuration
// on /healthz.
type Server struct {
	cfg      Config
	provider llm.Provider
	memory   *memory
	mux      *http.ServeMux
}

// New builds a backend server around the given provider.
func New(cfg Config, provider llm.Provider) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:      cfg,
		provider: provider,
		memory:   newMemory(cfg.HistoryLimit),
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /ws/edge", s.handleEdge)
	return s
}

// Handler is the backend's route table.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":               "ok",
		"ts_ms":                time.Now().UnixMilli(),
		"llm_provider":         s.cfg.Provider,
		"llm_model":            s.cfg.Model,
		"chat_history_limit":   s.cfg.HistoryLimit,
		"llm_timeout_seconds":  int(s.cfg.RequestTimeout.Seconds()),
		"max_pending_requests": s.cfg.MaxPending,
	})
}

// handleEdge runs one edge connection: a read loop feeding the bounded
// queue, one worker draining it, and a keep-alive pinger.
func (s *Server) handleEdge(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Warn("edge websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ec := &edgeConn{srv: s, conn: conn, cancel: cancel}
	queue := make(chan wire.LLMRequest, s.cfg.MaxPending)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		ec.work(ctx, queue)
	}()
	go ec.keepAlive(ctx, s.cfg.PingInterval)

	s.readRequests(ctx, ec, queue)
	cancel()
	close(queue)
	<-workerDone
}

// readRequests decodes inbound frames until the connection drops. A full
// queue rejects the request immediately instead of blocking the reader.
func (s *Server) readRequests(ctx context.Context, ec *edgeConn, queue chan<- wire.LLMRequest) {
	for {
		_, data, err := ec.conn.Read(ctx)
		if err != nil {
			return
		}
		var req wire.LLMRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		if req.RequestID == "" {
			req.RequestID = "req-" + strconv.FormatInt(time.Now().UnixMilli(), 10)
		}
		select {
		case queue <- req:
		case <-ctx.Done():
			return
		default:
			if err := ec.writeError(req, "too many pending llm requests"); err != nil {
				return
			}
		}
	}
}

// edgeConn wraps one accepted connection. mu serializes writes so stream
// deltas keep their order against worker and reader goroutines.
type edgeConn struct {
	srv    *Server
	conn   *websocket.Conn
	cancel context.CancelFunc
	mu     sync.Mutex
}

func (c *edgeConn) work(ctx context.Context, queue <-chan wire.LLMRequest) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-queue:
			if !ok {
				return
			}
			if err := c.serve(ctx, req); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// serve answers one request. Provider failures go back to the edge as
// llm_error; only write failures end the connection.
func (c *edgeConn) serve(ctx context.Context, req wire.LLMRequest) error {
	rctx, cancel := context.WithTimeout(ctx, c.srv.cfg.RequestTimeout)
	defer cancel()

	reply, err := c.srv.reply(rctx, req, func(delta string) error {
		return c.write(wire.BackendMessage{
			Type:      wire.TypeLLMStream,
			RequestID: req.RequestID,
			SessionID: req.SessionID,
			Emotion:   req.Emotion,
			Event:     req.AudioEvent,
			Delta:     delta,
			TsMS:      time.Now().UnixMilli(),
		})
	})
	if err != nil {
		if errors.Is(err, errWriteFailed) {
			return err
		}
		return c.writeError(req, err.Error())
	}
	return c.write(wire.BackendMessage{
		Type:      wire.TypeLLMResponse,
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Emotion:   req.Emotion,
		Event:     req.AudioEvent,
		Reply:     reply,
		Final:     true,
		TsMS:      time.Now().UnixMilli(),
	})
}

var errWriteFailed = errors.New("llmserver: edge write failed")

func (c *edgeConn) write(msg wire.BackendMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("llmserver: encode %s: %w", msg.Type, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %v", errWriteFailed, err)
	}
	return nil
}

func (c *edgeConn) writeError(req wire.LLMRequest, detail string) error {
	return c.write(wire.BackendMessage{
		Type:      wire.TypeLLMError,
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Emotion:   req.Emotion,
		Event:     req.AudioEvent,
		Error:     detail,
		Final:     true,
		TsMS:      time.Now().UnixMilli(),
	})
}

func (c *edgeConn) keepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

// reply runs one completion: snapshot history plus the new user turn, stream
// deltas through onDelta, and commit the turn once the full reply is in.
func (s *Server) reply(ctx context.Context, req wire.LLMRequest, onDelta func(string) error) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", errors.New("empty text")
	}
	user := formatUserInput(req)

	chunks, err := s.provider.StreamCompletion(ctx, llm.Request{
		SystemPrompt: s.cfg.SystemPrompt,
		Messages:     s.memory.withUser(req.SessionID, user),
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.FinishReason == "error" {
			return "", errors.New(chunk.Text)
		}
		if chunk.Text == "" {
			continue
		}
		sb.WriteString(chunk.Text)
		if err := onDelta(chunk.Text); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	reply := sb.String()
	if strings.TrimSpace(reply) == "" {
		return "", errors.New("empty llm response")
	}
	s.memory.commit(req.SessionID, user, reply)
	return reply, nil
}

// formatUserInput renders the merged utterance as a user turn, appending the
// voice metadata the model can condition on.
func formatUserInput(req wire.LLMRequest) string {
	text := strings.TrimSpace(req.Text)
	if req.Emotion == "" && req.AudioEvent == "" {
		return text
	}
	return fmt.Sprintf("%s\n\n[voice_meta] emotion=%s event=%s final=%t", text, req.Emotion, req.AudioEvent, req.Final)
}

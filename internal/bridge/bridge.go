// Package bridge maintains the process-wide websocket link to the LLM
// backend and multiplexes per-request response streams over it.
//
// One Bridge serves every session in the process. A request registers its
// stream under its request_id before being sent; the runner goroutine routes
// inbound messages to the matching stream and synthesizes terminal errors
// when the link drops, so a dispatcher waiting on a stream always observes a
// final message no matter what happens to the socket.
package bridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/wire"
)

// Sentinel errors returned by Open.
var (
	// ErrNotReady means the backend link did not come up within the connect
	// timeout.
	ErrNotReady = errors.New("backend websocket not ready")

	// ErrStopped means the bridge has been stopped and accepts no new
	// requests.
	ErrStopped = errors.New("backend bridge stopped")
)

// streamBuffer is the per-request buffered message capacity. Messages beyond
// it are handed to the stream's backlog pump so the runner never blocks on a
// slow consumer.
const streamBuffer = 64

// readLimit caps inbound backend frames at 1 MiB.
const readLimit = 1 << 20

// Bridge is the reconnecting backend websocket client shared by all
// sessions. Create it with New, start the runner with Run, open per-request
// streams with Open, and call Stop on shutdown.
type Bridge struct {
	cfg     config.BackendConfig
	metrics *observe.Metrics

	sendMu sync.Mutex // serializes request writes

	mu        sync.Mutex
	conn      *websocket.Conn
	connected chan struct{} // closed while a connection is up; replaced on drop
	pending   map[string]*Stream
	stopped   bool

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Bridge for the configured backend endpoint. The bridge is
// inert until Run is called.
func New(cfg config.BackendConfig, m *observe.Metrics) *Bridge {
	return &Bridge{
		cfg:       cfg,
		metrics:   m,
		connected: make(chan struct{}),
		pending:   make(map[string]*Stream),
		stop:      make(chan struct{}),
	}
}

// Connected reports whether the backend link is currently up.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.connected:
		return true
	default:
		return false
	}
}

// WaitConnected blocks until the link is up, ctx is done, or the bridge
// stops.
func (b *Bridge) WaitConnected(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	ch := b.connected
	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-b.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dials the backend and keeps the link alive until ctx is cancelled or
// Stop is called, redialing after the configured delay. Returns nil on Stop
// and ctx.Err() on cancellation.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stop:
			return nil
		default:
		}

		b.metrics.BridgeReconnects.Add(ctx, 1)
		if err := b.runOnce(ctx); err != nil {
			slog.Warn("backend link down", "url", b.cfg.URL, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stop:
			return nil
		case <-time.After(b.cfg.Reconnect()):
		}
	}
}

// runOnce dials, reads until the connection drops, and fails pending streams
// on the way out.
func (b *Bridge) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout())
	conn, _, err := websocket.Dial(dialCtx, b.cfg.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", b.cfg.URL, err)
	}
	conn.SetReadLimit(readLimit)

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "bridge stopped")
		return nil
	}
	b.conn = conn
	close(b.connected)
	b.mu.Unlock()
	slog.Info("backend connected", "url", b.cfg.URL)

	pingCtx, stopPing := context.WithCancel(ctx)
	go b.keepAlive(pingCtx, conn)

	err = b.readLoop(ctx, conn)
	stopPing()
	b.dropConn(conn)
	return err
}

// readLoop routes inbound frames until the connection fails. Binary frames
// and malformed JSON are dropped; messages without a matching pending stream
// are counted as orphans.
func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := wire.DecodeBackend(data)
		if err != nil {
			slog.Debug("dropping malformed backend frame", "error", err)
			continue
		}
		if msg.RequestID == "" {
			continue
		}

		b.mu.Lock()
		s := b.pending[msg.RequestID]
		b.mu.Unlock()
		if s == nil {
			b.metrics.BridgeOrphans.Add(ctx, 1)
			slog.Debug("orphan backend message", "request_id", msg.RequestID, "type", msg.Type)
			continue
		}
		if s.push(msg) {
			b.metrics.BridgeOverflow.Add(ctx, 1)
		}
	}
}

// keepAlive pings the backend at the configured interval. A failed ping
// closes the connection so the read loop notices promptly.
func (b *Bridge) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(b.cfg.PingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx := ctx
			cancel := func() {}
			if d := b.cfg.PingTimeout(); d > 0 {
				pingCtx, cancel = context.WithTimeout(ctx, d)
			}
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("backend keep-alive failed", "error", err)
				conn.Close(websocket.StatusPolicyViolation, "pong timeout")
				return
			}
		}
	}
}

// dropConn marks the link down and fails every pending stream with a
// synthetic terminal so no dispatcher hangs waiting for a reply.
func (b *Bridge) dropConn(conn *websocket.Conn) {
	conn.Close(websocket.StatusNormalClosure, "")

	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	b.connected = make(chan struct{})
	streams := make([]*Stream, 0, len(b.pending))
	for _, s := range b.pending {
		streams = append(streams, s)
	}
	b.mu.Unlock()

	for _, s := range streams {
		s.push(wire.BackendMessage{
			Type:      wire.TypeLLMError,
			RequestID: s.id,
			Error:     "backend bridge disconnected",
			Final:     true,
			TsMS:      time.Now().UnixMilli(),
		})
	}
	if len(streams) > 0 {
		slog.Warn("backend disconnected with pending requests", "pending", len(streams))
	}
}

// Stop shuts the bridge down: the runner exits, the socket closes, and every
// pending stream receives a terminal "backend bridge stopped" error. Open
// returns ErrStopped afterwards. Stop is idempotent.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		conn := b.conn
		b.mu.Unlock()

		close(b.stop)
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "bridge stopped")
		}

		b.mu.Lock()
		streams := make([]*Stream, 0, len(b.pending))
		for _, s := range b.pending {
			streams = append(streams, s)
		}
		b.mu.Unlock()

		for _, s := range streams {
			s.push(wire.BackendMessage{
				Type:      wire.TypeLLMError,
				RequestID: s.id,
				Error:     "backend bridge stopped",
				Final:     true,
				TsMS:      time.Now().UnixMilli(),
			})
		}
	})
}

// Open submits one request and returns its response stream. An empty
// request_id is assigned here. Open blocks until the link is up (bounded by
// the connect timeout) and the request is written. The returned stream must
// be Closed by the caller once a final message is seen or the request is
// abandoned; nothing else removes it from the pending table.
func (b *Bridge) Open(ctx context.Context, req *wire.LLMRequest) (*Stream, error) {
	if req.RequestID == "" {
		u := uuid.New()
		req.RequestID = "req-" + hex.EncodeToString(u[:])[:12]
	}

	s := &Stream{
		id:   req.RequestID,
		b:    b,
		msgs: make(chan wire.BackendMessage, streamBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, ErrStopped
	}
	b.pending[s.id] = s
	b.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout())
	err := b.WaitConnected(waitCtx)
	cancel()
	if err != nil {
		s.Close()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrNotReady
		}
		return nil, err
	}

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		s.Close()
		return nil, ErrNotReady
	}

	data, err := json.Marshal(req)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("encode request %s: %w", req.RequestID, err)
	}

	b.sendMu.Lock()
	err = conn.Write(ctx, websocket.MessageText, data)
	b.sendMu.Unlock()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("send request %s: %w", req.RequestID, err)
	}
	return s, nil
}

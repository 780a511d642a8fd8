package bridge

import (
	"sync"

	"github.com/voxgate/voxgate/internal/wire"
)

// Stream is one request's live response queue. Messages delivers backend
// messages in arrival order; Close unregisters the request from the bridge.
type Stream struct {
	id string
	b  *Bridge

	msgs chan wire.BackendMessage
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	backlog []wire.BackendMessage
	pumping bool
}

// ID returns the request id the stream is registered under.
func (s *Stream) ID() string { return s.id }

// Messages returns the ordered inbound message channel. The channel is never
// closed; consumers stop at the first message with Final set.
func (s *Stream) Messages() <-chan wire.BackendMessage { return s.msgs }

// Close unregisters the stream from the bridge and releases its backlog
// pump. Idempotent; safe to call while the runner is delivering.
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.done)
		s.b.mu.Lock()
		if s.b.pending[s.id] == s {
			delete(s.b.pending, s.id)
		}
		s.b.mu.Unlock()
	})
}

// push enqueues one message, reporting true when the buffered channel was
// full and the backlog pump had to take over. Delivery order is preserved
// either way: once a backlog exists, every later message queues behind it.
func (s *Stream) push(msg wire.BackendMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pumping && len(s.backlog) == 0 {
		select {
		case s.msgs <- msg:
			return false
		default:
		}
	}
	s.backlog = append(s.backlog, msg)
	if !s.pumping {
		s.pumping = true
		go s.pump()
	}
	return true
}

// pump drains the backlog into msgs, stopping when the stream closes.
func (s *Stream) pump() {
	for {
		s.mu.Lock()
		if len(s.backlog) == 0 {
			s.pumping = false
			s.mu.Unlock()
			return
		}
		msg := s.backlog[0]
		s.backlog = s.backlog[1:]
		s.mu.Unlock()

		select {
		case s.msgs <- msg:
		case <-s.done:
			return
		}
	}
}

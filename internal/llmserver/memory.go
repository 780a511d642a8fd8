package llmserver

import (
	"strings"
	"sync"

	"github.com/voxgate/voxgate/pkg/llm"
)

// memory keeps a rolling chat history per session, capped to the most
// recent limit messages. It is process-local; restarts forget everything.
type memory struct {
	mu    sync.Mutex
	limit int
	turns map[string][]llm.Message
}

func newMemory(limit int) *memory {
	// A turn is two messages; anything below that cannot hold one.
	if limit < 2 {
		limit = 2
	}
	return &memory{
		limit: limit,
		turns: make(map[string][]llm.Message),
	}
}

// withUser returns the session history with the new user turn appended,
// capped to the limit. The stored history is not modified; the turn is only
// committed once a reply lands.
func (m *memory) withUser(sessionID, userContent string) []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	base := append([]llm.Message(nil), m.turns[sessionID]...)
	base = append(base, llm.Message{Role: "user", Content: userContent})
	if len(base) > m.limit {
		base = base[len(base)-m.limit:]
	}
	return base
}

// commit records one completed exchange. Empty session IDs are anonymous and
// keep no history.
func (m *memory) commit(sessionID, userContent, assistantContent string) {
	if strings.TrimSpace(sessionID) == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	h := append([]llm.Message(nil), m.turns[sessionID]...)
	if strings.TrimSpace(userContent) != "" {
		h = append(h, llm.Message{Role: "user", Content: userContent})
	}
	if strings.TrimSpace(assistantContent) != "" {
		h = append(h, llm.Message{Role: "assistant", Content: assistantContent})
	}
	if len(h) > m.limit {
		h = h[len(h)-m.limit:]
	}
	m.turns[sessionID] = h
}

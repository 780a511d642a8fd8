// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in tests to feed controlled replies without a live model.
// Set the response fields before first use; mutating them during a
// concurrent call is the caller's responsibility.
package mock

import (
	"context"
	"sync"

	"github.com/voxgate/voxgate/pkg/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	Req llm.Request
}

// Provider is a scripted implementation of llm.Provider. Zero values make
// every method succeed with empty output; set Err fields to inject failures.
type Provider struct {
	mu sync.Mutex

	// StreamChunks is the sequence emitted on the channel returned by
	// StreamCompletion before it is closed.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned from StreamCompletion instead of
	// opening a channel.
	StreamErr error

	// CompleteResponse and CompleteErr are returned by Complete.
	CompleteResponse *llm.Response
	CompleteErr      error

	streamCalls []StreamCall
}

// StreamCompletion records the call and plays back StreamChunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.streamCalls = append(p.streamCalls, StreamCall{Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Complete records nothing and returns the configured response pair.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CompleteResponse, p.CompleteErr
}

// StreamCalls returns every recorded StreamCompletion invocation in order.
func (p *Provider) StreamCalls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	calls := make([]StreamCall, len(p.streamCalls))
	copy(calls, p.streamCalls)
	return calls
}

var _ llm.Provider = (*Provider)(nil)

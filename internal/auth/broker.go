package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request is a pending "credential needed" event. Exactly one of Resolve or
// Cancel takes effect; later calls are ignored and report false.
type Request struct {
	Prompt

	once sync.Once
	done chan answer
}

type answer struct {
	value string
	err   error
}

// Resolve completes the request with a value.
func (r *Request) Resolve(value string) bool {
	return r.complete(answer{value: value})
}

// Cancel completes the request as cancelled by the user.
func (r *Request) Cancel() bool {
	return r.complete(answer{err: ErrCancelled})
}

func (r *Request) complete(a answer) bool {
	ok := false
	r.once.Do(func() {
		r.done <- a
		ok = true
	})
	return ok
}

// Broker turns Prompt calls into Request events consumed by a UI. The UI
// reads Requests() and resolves each one through its completion handle.
type Broker struct {
	// Timeout bounds how long a request may stay unresolved (0 = no limit).
	Timeout time.Duration

	reqs    chan *Request
	mu      sync.Mutex
	pending map[string]*Request
}

// NewBroker creates a Broker whose event channel holds up to buffer requests.
func NewBroker(buffer int, timeout time.Duration) *Broker {
	if buffer < 1 {
		buffer = 1
	}
	return &Broker{
		Timeout: timeout,
		reqs:    make(chan *Request, buffer),
		pending: make(map[string]*Request),
	}
}

// Requests is the stream of credential-needed events.
func (b *Broker) Requests() <-chan *Request { return b.reqs }

// Lookup returns a pending request by id, for UIs that answer by id
// (e.g. over a websocket).
func (b *Broker) Lookup(id string) (*Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.pending[id]
	return r, ok
}

// Prompt emits a Request and blocks until it is resolved, cancelled, timed
// out, or ctx is done. Context cancellation is reported as ErrCancelled.
func (b *Broker) Prompt(ctx context.Context, p Prompt) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	r := &Request{Prompt: p, done: make(chan answer, 1)}

	b.mu.Lock()
	b.pending[p.ID] = r
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, p.ID)
		b.mu.Unlock()
	}()

	var timeout <-chan time.Time
	if b.Timeout > 0 {
		t := time.NewTimer(b.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case b.reqs <- r:
	case <-ctx.Done():
		r.Cancel()
		return "", fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case <-timeout:
		r.Cancel()
		return "", ErrPromptTimeout
	}

	select {
	case a := <-r.done:
		return a.value, a.err
	case <-ctx.Done():
		r.Cancel()
		return "", fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case <-timeout:
		if r.Cancel() {
			return "", ErrPromptTimeout
		}
		// Resolved concurrently with the timer; honour the answer.
		a := <-r.done
		return a.value, a.err
	}
}

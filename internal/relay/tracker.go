package relay

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lazysync/lazysync/internal/metrics"
)

// Session is one live relay between an accepted local connection and its
// remote channel.
type Session struct {
	ID      uuid.UUID
	Started time.Time

	cancel context.CancelFunc
}

// Tracker owns the live sessions of one forward. It is safe for concurrent
// use.
type Tracker struct {
	Options Options

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	closed   bool
	wg       sync.WaitGroup
}

// NewTracker returns an empty tracker.
func NewTracker(opts Options) *Tracker {
	return &Tracker{Options: opts, sessions: make(map[uuid.UUID]*Session)}
}

// Start pumps between local and remote in a new goroutine. It returns false,
// closing both endpoints, when the tracker is already closed.
func (t *Tracker) Start(ctx context.Context, local, remote io.ReadWriteCloser) (*Session, bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = local.Close()
		_ = remote.Close()
		return nil, false
	}
	if t.sessions == nil {
		t.sessions = make(map[uuid.UUID]*Session)
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{ID: uuid.New(), Started: time.Now(), cancel: cancel}
	t.sessions[s.ID] = s
	t.wg.Add(1)
	t.mu.Unlock()

	metrics.RelaySessionStarted()
	go func() {
		defer t.wg.Done()
		defer metrics.RelaySessionEnded()
		defer t.remove(s.ID)
		defer cancel()

		stats, err := Pump(sctx, local, remote, t.Options)
		ev := log.Debug()
		if err != nil && sctx.Err() == nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("component", "relay").
			Str("session", s.ID.String()).
			Int64("upstream", stats.Upstream).
			Int64("downstream", stats.Downstream).
			Dur("duration", stats.Duration).
			Msg("session finished")
	}()
	return s, true
}

func (t *Tracker) remove(id uuid.UUID) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

// Len returns the number of live sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// CloseAll cancels every live session and refuses new ones.
func (t *Tracker) CloseAll() {
	t.mu.Lock()
	t.closed = true
	live := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		live = append(live, s)
	}
	t.mu.Unlock()

	for _, s := range live {
		s.cancel()
	}
}

// Wait blocks until every session goroutine has returned.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/lazysync/lazysync/internal/relay"
	"github.com/lazysync/lazysync/internal/sshx"
)

// defaultRateLimit is the maximum number of new local connections accepted
// per second by the relay strategy.
const defaultRateLimit rate.Limit = 50

// channelOpenTimeout bounds opening one direct-tcpip channel.
const channelOpenTimeout = 10 * time.Second

// RelayStrategy listens on the local address itself and relays each
// accepted connection over its own direct-tcpip channel.
type RelayStrategy struct {
	// RateLimit sets the maximum new connections/second (default 50).
	RateLimit rate.Limit
	Relay     relay.Options
}

func (*RelayStrategy) Name() string { return "relay" }

// Available requires only channel support, which every Conn has.
func (*RelayStrategy) Available(sshx.Conn) bool { return true }

func (s *RelayStrategy) Open(ctx context.Context, conn sshx.Conn, spec Spec) (Forward, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", spec.LocalAddr())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", spec.LocalAddr(), err)
	}

	rl := s.RateLimit
	if rl == 0 {
		rl = defaultRateLimit
	}
	// Sessions must outlive the Open call's context.
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &relayForward{
		ln:       ln,
		conn:     conn,
		remote:   spec.RemoteAddr(),
		limiter:  rate.NewLimiter(rl, int(rl)+1),
		sessions: relay.NewTracker(s.Relay),
		ctx:      fctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go f.acceptLoop()
	return f, nil
}

type relayForward struct {
	ln       net.Listener
	conn     sshx.Conn
	remote   string
	limiter  *rate.Limiter
	sessions *relay.Tracker

	ctx    context.Context
	cancel context.CancelFunc
	dials  sync.WaitGroup
	done   chan struct{}
	once   sync.Once
}

// acceptLoop never blocks on a session: channel opens and pumping run in
// their own goroutines.
func (f *relayForward) acceptLoop() {
	defer close(f.done)
	for {
		lc, err := f.ln.Accept()
		if err != nil {
			return // listener closed
		}

		// Connection-rate gate.
		if !f.limiter.Allow() {
			log.Warn().Str("component", "tunnel").Str("peer", lc.RemoteAddr().String()).Msg("relay: rate limited, dropping connection")
			_ = lc.Close()
			continue
		}

		f.dials.Add(1)
		go func() {
			defer f.dials.Done()
			dctx, cancel := context.WithTimeout(f.ctx, channelOpenTimeout)
			defer cancel()
			rc, err := f.conn.Dial(dctx, "tcp", f.remote)
			if err != nil {
				// Only this connection is affected.
				log.Warn().Str("component", "tunnel").Err(err).Str("remote", f.remote).Msg("relay: open channel failed")
				_ = lc.Close()
				return
			}
			f.sessions.Start(f.ctx, lc, rc)
		}()
	}
}

// Sessions returns the number of live relay sessions.
func (f *relayForward) Sessions() int { return f.sessions.Len() }

// Close stops accepting, then drains every session before returning.
func (f *relayForward) Close() error {
	var err error
	f.once.Do(func() {
		err = f.ln.Close()
		<-f.done
		f.cancel()
		f.sessions.CloseAll()
		f.dials.Wait()
		f.sessions.Wait()
	})
	return err
}

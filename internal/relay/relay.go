// Package relay copies bytes between two stream endpoints with bounded
// per-direction buffers.
//
// Each direction blocks in Read until data is available. When one side
// reaches EOF the bytes already read are written out, the peer's write half
// is closed, and the other direction keeps draining. Any error tears down
// the whole session.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lazysync/lazysync/internal/metrics"
)

const (
	DefaultBufferSize = 32 << 10
	MinBufferSize     = 4 << 10
	MaxBufferSize     = 64 << 10
)

// Options tunes Pump.
type Options struct {
	// BufferSize per direction; clamped to [MinBufferSize, MaxBufferSize].
	BufferSize int
	// IdleTimeout closes the session after no bytes flowed in either
	// direction for this long. Zero disables it.
	IdleTimeout time.Duration
}

func (o Options) bufferSize() int {
	switch n := o.BufferSize; {
	case n <= 0:
		return DefaultBufferSize
	case n < MinBufferSize:
		return MinBufferSize
	case n > MaxBufferSize:
		return MaxBufferSize
	default:
		return n
	}
}

// Stats reports bytes moved. Upstream is local to remote.
type Stats struct {
	Upstream   int64
	Downstream int64
	Duration   time.Duration
}

// ErrIdle is returned when IdleTimeout fired.
var ErrIdle = errors.New("relay: idle timeout")

type closeWriter interface {
	CloseWrite() error
}

// Pump relays between local and remote until both directions finish, an
// error occurs, or ctx is cancelled. Both endpoints are closed on return.
func Pump(ctx context.Context, local, remote io.ReadWriteCloser, opts Options) (Stats, error) {
	p := &pump{local: local, remote: remote, done: make(chan struct{})}
	p.touch()
	start := time.Now()
	size := opts.bufferSize()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.copy(remote, local, size, "upstream", &p.up)
	}()
	go func() {
		defer wg.Done()
		p.copy(local, remote, size, "downstream", &p.down)
	}()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	var idle <-chan time.Time
	if opts.IdleTimeout > 0 {
		ticker := time.NewTicker(opts.IdleTimeout / 4)
		defer ticker.Stop()
		idle = ticker.C
	}

wait:
	for {
		select {
		case <-finished:
			break wait
		case <-ctx.Done():
			p.fail(ctx.Err())
		case <-idle:
			if time.Since(p.lastActive()) >= opts.IdleTimeout {
				p.fail(ErrIdle)
			}
		}
		// After a failure both endpoints are closed; wait for the copiers.
		if p.failed() {
			<-finished
			break
		}
	}

	p.closeBoth()
	return Stats{
		Upstream:   p.up.Load(),
		Downstream: p.down.Load(),
		Duration:   time.Since(start),
	}, p.err()
}

type pump struct {
	local, remote io.ReadWriteCloser

	up, down atomic.Int64
	active   atomic.Int64 // unix nanos of last transfer

	mu        sync.Mutex
	firstErr  error
	done      chan struct{}
	closeOnce sync.Once
}

func (p *pump) touch()                { p.active.Store(time.Now().UnixNano()) }
func (p *pump) lastActive() time.Time { return time.Unix(0, p.active.Load()) }

func (p *pump) copy(dst io.Writer, src io.Reader, size int, direction string, counter *atomic.Int64) {
	buf := make([]byte, size)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if err := writeAll(dst, buf[:n]); err != nil {
				p.fail(err)
				return
			}
			counter.Add(int64(n))
			metrics.RecordRelayBytes(direction, n)
			p.touch()
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				p.halfClose(dst)
				return
			}
			p.fail(rerr)
			return
		}
	}
}

// halfClose signals EOF to dst. Endpoints without a write half are left
// open so the opposite direction can still drain.
func (p *pump) halfClose(dst io.Writer) {
	if cw, ok := dst.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

func writeAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}

// fail records the first error and closes both endpoints, which unblocks
// any pending Read.
func (p *pump) fail(err error) {
	p.mu.Lock()
	if p.firstErr == nil && !p.isClosed() {
		p.firstErr = err
	}
	p.mu.Unlock()
	p.closeBoth()
}

func (p *pump) failed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firstErr != nil
}

func (p *pump) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.firstErr == nil || errors.Is(p.firstErr, net.ErrClosed) {
		return nil
	}
	return p.firstErr
}

func (p *pump) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *pump) closeBoth() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.local.Close()
		_ = p.remote.Close()
	})
}

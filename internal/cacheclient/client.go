// Package cacheclient talks to the remote cache service over one shared
// connection. Requests carry increasing ids; a single receive loop routes
// each response to its waiter, so responses may arrive in any order.
package cacheclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lazysync/lazysync/internal/cacheproto"
	"github.com/lazysync/lazysync/internal/metrics"
)

const (
	DefaultTimeout     = 5 * time.Second
	defaultDialTimeout = 5 * time.Second
)

// Options configures a Client.
type Options struct {
	// Timeout bounds each awaited request (default 5s).
	Timeout time.Duration
	// DialTimeout bounds Dial and Reconnect (default 5s).
	DialTimeout time.Duration
	// LocalCacheTTL enables a client-side memo of listings. Zero disables
	// it.
	LocalCacheTTL time.Duration
}

// Listing is a directory listing as returned by Get.
type Listing struct {
	Path      string
	Entries   []cacheproto.DirEntry
	FromCache bool
}

// Stats is a snapshot of client counters.
type Stats struct {
	InFlight int
	Sent     uint64
	Received uint64
	MemoHits uint64
}

type result struct {
	resp cacheproto.Response
	err  error
}

// Client is safe for concurrent use.
type Client struct {
	addr string
	opts Options
	memo *memo

	// reconnectMu serializes Reconnect; it is taken before mu.
	reconnectMu sync.Mutex

	mu      sync.Mutex
	conn    net.Conn
	enc     *cacheproto.Encoder
	gen     uint64
	nextID  uint64
	pending map[uint64]chan result
	discard map[uint64]struct{}
	lost    bool
	closed  bool

	sent     atomic.Uint64
	received atomic.Uint64
	memoHits atomic.Uint64
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	c := &Client{addr: addr, opts: opts, memo: newMemo(opts.LocalCacheTTL)}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.attach(conn)
	c.mu.Unlock()
	return c, nil
}

// New wraps an existing connection. Reconnect is unavailable.
func New(conn net.Conn, opts Options) *Client {
	c := &Client{opts: opts, memo: newMemo(opts.LocalCacheTTL)}
	c.mu.Lock()
	c.attach(conn)
	c.mu.Unlock()
	return c
}

func (c *Client) timeout() time.Duration {
	if c.opts.Timeout > 0 {
		return c.opts.Timeout
	}
	return DefaultTimeout
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	timeout := c.opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("cacheclient: dial %s: %w", c.addr, err)
	}
	return conn, nil
}

// attach installs conn and starts its receive loop, closing any connection
// it replaces. c.mu must be held.
func (c *Client) attach(conn net.Conn) {
	if c.conn != nil && c.conn != conn {
		_ = c.conn.Close()
	}
	c.gen++
	c.conn = conn
	c.enc = cacheproto.NewEncoder(conn)
	c.nextID = 0
	c.pending = make(map[uint64]chan result)
	c.discard = make(map[uint64]struct{})
	c.lost = false
	go c.recvLoop(conn, c.gen)
}

// Get requests the listing of path and waits for its response.
func (c *Client) Get(ctx context.Context, path string) (Listing, error) {
	return c.get(ctx, path, true)
}

// Refresh is Get without the client-side memo; the result replaces the
// memo entry.
func (c *Client) Refresh(ctx context.Context, path string) (Listing, error) {
	return c.get(ctx, path, false)
}

func (c *Client) get(ctx context.Context, path string, useMemo bool) (Listing, error) {
	path, err := cacheproto.ValidatePath(path)
	if err != nil {
		return Listing{}, err
	}
	if useMemo {
		if l, ok := c.memo.get(path); ok {
			c.memoHits.Add(1)
			l.FromCache = true
			metrics.RecordCacheRequest("get", "memo", 0)
			return l, nil
		}
	}

	start := time.Now()
	id, ch, err := c.send(path, true)
	if err != nil {
		metrics.RecordCacheRequest("get", outcome(err), 0)
		return Listing{}, err
	}

	timer := time.NewTimer(c.timeout())
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			metrics.RecordCacheRequest("get", outcome(r.err), time.Since(start))
			return Listing{}, r.err
		}
		if !r.resp.Success {
			metrics.RecordCacheRequest("get", "server_error", time.Since(start))
			return Listing{}, &ServerError{Path: path, Message: r.resp.Error}
		}
		metrics.RecordCacheRequest("get", "ok", time.Since(start))
		l := Listing{Path: path, Entries: r.resp.Entries, FromCache: r.resp.FromCache}
		if l.Entries == nil {
			l.Entries = []cacheproto.DirEntry{}
		}
		c.memo.put(l)
		return l, nil
	case <-timer.C:
		c.abandon(id)
		metrics.RecordCacheRequest("get", "timeout", time.Since(start))
		return Listing{}, fmt.Errorf("%w: %s (id %d)", ErrRequestTimeout, path, id)
	case <-ctx.Done():
		c.abandon(id)
		metrics.RecordCacheRequest("get", "cancelled", time.Since(start))
		return Listing{}, ctx.Err()
	}
}

// Prefetch asks the service to warm path without waiting. The response is
// read and dropped by the receive loop, refreshing the memo if enabled.
func (c *Client) Prefetch(path string) (uint64, error) {
	path, err := cacheproto.ValidatePath(path)
	if err != nil {
		return 0, err
	}
	id, _, err := c.send(path, false)
	metrics.RecordCacheRequest("prefetch", outcome(err), 0)
	return id, err
}

// send registers and writes one request. The id is registered before the
// write so a fast response always finds its waiter.
func (c *Client) send(path string, await bool) (uint64, <-chan result, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, nil, ErrClosed
	}
	if c.lost {
		c.mu.Unlock()
		return 0, nil, ErrConnectionLost
	}
	c.nextID++
	id := c.nextID
	var ch chan result
	if await {
		ch = make(chan result, 1)
		c.pending[id] = ch
	} else {
		c.discard[id] = struct{}{}
	}
	enc, gen := c.enc, c.gen
	c.mu.Unlock()

	if err := enc.Encode(cacheproto.Request{ID: id, Path: path}); err != nil {
		c.markLost(gen, err)
		return 0, nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	c.sent.Add(1)
	return id, ch, nil
}

// abandon forgets a waiter; its late response is dropped.
func (c *Client) abandon(id uint64) {
	c.mu.Lock()
	if _, ok := c.pending[id]; ok {
		delete(c.pending, id)
		c.discard[id] = struct{}{}
	}
	c.mu.Unlock()
}

func (c *Client) recvLoop(conn net.Conn, gen uint64) {
	dec := cacheproto.NewDecoder(conn)
	for {
		line, err := dec.ReadLine()
		if err != nil {
			c.markLost(gen, err)
			return
		}
		var resp cacheproto.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Warn().Str("component", "cacheclient").Err(err).Msg("malformed response line")
			continue
		}
		c.dispatch(gen, resp)
		c.received.Add(1)
	}
}

func (c *Client) dispatch(gen uint64, resp cacheproto.Response) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	ch, waiting := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	_, dropped := c.discard[resp.ID]
	delete(c.discard, resp.ID)
	c.mu.Unlock()

	switch {
	case waiting:
		ch <- result{resp: resp}
	case dropped:
		if resp.Success {
			c.memo.put(Listing{Path: cacheproto.NormalizePath(resp.Path), Entries: resp.Entries, FromCache: resp.FromCache})
		}
	default:
		log.Warn().Str("component", "cacheclient").Uint64("id", resp.ID).Msg("response for unknown request id")
	}
}

// markLost fails every waiter of generation gen with ErrConnectionLost.
func (c *Client) markLost(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.lost || c.closed {
		c.mu.Unlock()
		return
	}
	c.lost = true
	c.failPending(ErrConnectionLost)
	conn := c.conn
	c.mu.Unlock()

	_ = conn.Close()
	log.Warn().Str("component", "cacheclient").Err(cause).Str("addr", c.addr).Msg("connection lost")
}

// failPending resolves every waiter with err. c.mu must be held.
func (c *Client) failPending(err error) {
	for id, ch := range c.pending {
		ch <- result{err: err}
		delete(c.pending, id)
	}
	clear(c.discard)
}

// Generation identifies the current connection. It changes on every
// Reconnect.
func (c *Client) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Reconnect replaces the connection. The id counter restarts at 1.
// Concurrent calls are serialized; a call that finds the connection already
// replaced and healthy returns without dialing again.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.ReconnectAfter(ctx, c.Generation())
}

// ReconnectAfter replaces the connection of generation seen. It returns nil
// without dialing when another caller has already installed a healthy
// connection since seen was observed.
func (c *Client) ReconnectAfter(ctx context.Context, seen uint64) error {
	if c.addr == "" {
		return errors.New("cacheclient: reconnect needs a client created by Dial")
	}
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.gen != seen && !c.lost {
		c.mu.Unlock()
		return nil
	}
	old := c.conn
	c.gen++ // detaches the old receive loop
	c.lost = true
	c.failPending(ErrConnectionLost)
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = conn.Close()
		return ErrClosed
	}
	c.attach(conn)
	log.Info().Str("component", "cacheclient").Str("addr", c.addr).Uint64("generation", c.gen).Msg("reconnected")
	return nil
}

// Connected reports whether the connection is usable.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.lost
}

// Invalidate drops path from the client-side memo.
func (c *Client) Invalidate(path string) {
	c.memo.invalidate(cacheproto.NormalizePath(path))
}

// Stats returns a snapshot of counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	inFlight := len(c.pending)
	c.mu.Unlock()
	return Stats{
		InFlight: inFlight,
		Sent:     c.sent.Load(),
		Received: c.received.Load(),
		MemoHits: c.memoHits.Load(),
	}
}

// Close fails in-flight requests with ErrClosed and closes the connection.
// It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.failPending(ErrClosed)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConnectionLost):
		return "lost"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	default:
		return "error"
	}
}

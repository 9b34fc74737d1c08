// Package listing is the remote directory cache service. It answers
// line-delimited JSON listing requests on a loopback TCP port, caching
// scans and coalescing concurrent scans of the same directory.
package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/lazysync/lazysync/internal/cacheproto"
	"github.com/lazysync/lazysync/internal/metrics"
)

const (
	DefaultAddr = "127.0.0.1:9000"
	DefaultTTL  = 30 * time.Second

	// maxInflightPerConn bounds concurrently handled requests per connection.
	maxInflightPerConn = 32
	// defaultPrefetchWorkers bounds background child scans.
	defaultPrefetchWorkers = 4
)

// ErrNonLoopback is returned when Addr is not a loopback address and
// AllowExternal is false.
var ErrNonLoopback = errors.New("listing: refusing to listen on a non-loopback address")

// Server answers listing requests.
type Server struct {
	// Addr is the listen address (default 127.0.0.1:9000).
	Addr string
	// TTL bounds how long a scan is served from cache (default 30s).
	TTL time.Duration
	// Scanner reads directories (default FSScanner).
	Scanner Scanner
	// AllowExternal permits non-loopback listen addresses.
	AllowExternal bool
	// PrefetchChildren scans child directories in the background after a
	// fresh scan.
	PrefetchChildren bool
	// PrefetchWorkers bounds concurrent background scans (default 4).
	PrefetchWorkers int

	initOnce sync.Once
	cache    *Cache
	group    singleflight.Group
	prefetch chan struct{}
	bg       sync.WaitGroup
}

func (s *Server) init() {
	s.initOnce.Do(func() {
		ttl := s.TTL
		if ttl == 0 {
			ttl = DefaultTTL
		}
		s.cache = NewCache(ttl)
		if s.Scanner == nil {
			s.Scanner = FSScanner{}
		}
		n := s.PrefetchWorkers
		if n <= 0 {
			n = defaultPrefetchWorkers
		}
		s.prefetch = make(chan struct{}, n)
	})
}

// Cache exposes the listing cache.
func (s *Server) Cache() *Cache {
	s.init()
	return s.cache
}

// ListenAndServe binds Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	if !s.AllowExternal {
		if err := checkLoopback(addr); err != nil {
			return err
		}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listing: listen %s: %w", addr, err)
	}
	log.Info().Str("component", "listing").Str("addr", ln.Addr().String()).Msg("cache service listening")
	return s.Serve(ctx, ln)
}

func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("listing: bad address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%w: %s", ErrNonLoopback, addr)
	}
	return nil
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.init()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var conns sync.WaitGroup
	defer func() {
		conns.Wait()
		s.bg.Wait()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}
		conns.Add(1)
		go func() {
			defer conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn handles requests concurrently; responses are written whole
// lines at a time and may be reordered.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr().String()
	log.Debug().Str("component", "listing").Str("peer", peer).Msg("client connected")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	enc := cacheproto.NewEncoder(conn)
	dec := cacheproto.NewDecoder(conn)
	sem := make(chan struct{}, maxInflightPerConn)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		line, err := dec.ReadLine()
		if err != nil {
			log.Debug().Str("component", "listing").Str("peer", peer).Msg("client disconnected")
			return
		}
		var req cacheproto.Request
		if err := json.Unmarshal(line, &req); err != nil {
			log.Warn().Str("component", "listing").Str("peer", peer).Err(err).Msg("malformed request")
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			resp := s.Handle(ctx, req)
			if err := enc.Encode(resp); err != nil {
				log.Debug().Str("component", "listing").Err(err).Msg("write response")
			}
		}()
	}
}

// Handle answers one request.
func (s *Server) Handle(ctx context.Context, req cacheproto.Request) cacheproto.Response {
	entries, fromCache, err := s.List(ctx, req.Path)
	if err != nil {
		return cacheproto.Failure(req.ID, req.Path, err)
	}
	metrics.RecordListingServed(fromCache)
	return cacheproto.Response{
		ID:        req.ID,
		Success:   true,
		Path:      req.Path,
		Entries:   entries,
		FromCache: fromCache,
	}
}

// List returns the entries of dir. fromCache is true when the result came
// from the cache or from a scan started by a concurrent request.
func (s *Server) List(ctx context.Context, dir string) ([]cacheproto.DirEntry, bool, error) {
	s.init()
	p, err := cacheproto.ValidatePath(dir)
	if err != nil {
		return nil, false, err
	}
	mtime, err := s.Scanner.Stat(p)
	if err != nil {
		return nil, false, err
	}
	if entries, ok := s.cache.Lookup(p, mtime); ok {
		return entries, true, nil
	}

	// Only the caller whose closure actually scans reports a fresh result.
	scanned := false
	v, err, _ := s.group.Do(p, func() (any, error) {
		if entries, ok := s.cache.Lookup(p, mtime); ok {
			return entries, nil
		}
		scanned = true
		return s.scan(p, mtime)
	})
	if err != nil {
		return nil, false, err
	}
	entries := v.([]cacheproto.DirEntry)
	if scanned && s.PrefetchChildren {
		s.prefetchChildren(ctx, p, entries)
	}
	return entries, !scanned, nil
}

func (s *Server) scan(p string, mtime time.Time) ([]cacheproto.DirEntry, error) {
	metrics.RecordListingScan()
	entries, err := s.Scanner.Scan(p)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []cacheproto.DirEntry{}
	}
	s.cache.Store(p, mtime, entries)
	return entries, nil
}

// prefetchChildren warms child directories in the background. Children are
// skipped when every worker is busy.
func (s *Server) prefetchChildren(ctx context.Context, dir string, entries []cacheproto.DirEntry) {
	for _, e := range entries {
		if !e.IsDir {
			continue
		}
		child := path.Join(dir, e.Name)
		select {
		case s.prefetch <- struct{}{}:
		default:
			return
		}
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			defer func() { <-s.prefetch }()
			if ctx.Err() != nil {
				return
			}
			mtime, err := s.Scanner.Stat(child)
			if err != nil || s.cache.Fresh(child, mtime) {
				return
			}
			_, _, _ = s.group.Do(child, func() (any, error) {
				return s.scan(child, mtime)
			})
		}()
	}
}

// Invalidate drops dir from the cache.
func (s *Server) Invalidate(dir string) {
	s.Cache().Invalidate(cacheproto.NormalizePath(dir))
}

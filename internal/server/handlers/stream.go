package handlers

import (
	"context"
	"net/http"
	"slices"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lazysync/lazysync/internal/auth"
	"github.com/lazysync/lazysync/internal/cacheproto"
)

const maxFrameSize = 64 << 10

// Frame is one websocket message in either direction.
//
// Client to server: {"op":"get","path":..,"cache":false}, {"op":"prefetch","path":..},
// {"op":"credential","id":..,"value":..} and {"op":"cancel","id":..}.
// Server to client: "listing", "ack", "error" and "credential" prompts.
type Frame struct {
	Op        string                `json:"op"`
	ID        string                `json:"id,omitempty"`
	Path      string                `json:"path,omitempty"`
	Cache     *bool                 `json:"cache,omitempty"`
	Value     string                `json:"value,omitempty"`
	Kind      string                `json:"kind,omitempty"`
	Text      string                `json:"text,omitempty"`
	Echo      bool                  `json:"echo,omitempty"`
	Entries   []cacheproto.DirEntry `json:"entries,omitempty"`
	FromCache bool                  `json:"from_cache,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// NewUpgrader accepts same-host requests, requests without an Origin and the
// listed origins ("*" allows any).
func NewUpgrader(origins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin) {
				return true
			}
			return origin == "http://"+r.Host || origin == "https://"+r.Host
		},
	}
}

type streamConn struct {
	ws     *websocket.Conn
	mu     sync.Mutex
	broker *auth.Broker

	// prompts delivered to this client and not yet answered.
	promptsMu sync.Mutex
	prompts   map[string]struct{}
}

func (c *streamConn) send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(f)
}

// Stream serves listings over a websocket and relays credential prompts
// from broker to the client.
func Stream(b Backend, broker *auth.Broker, upgrader *websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Str("component", "api").Err(err).Msg("failed to upgrade websocket")
			return
		}
		defer ws.Close()
		ws.SetReadLimit(maxFrameSize)

		ctx, cancel := context.WithCancel(r.Context())
		c := &streamConn{ws: ws, broker: broker, prompts: make(map[string]struct{})}
		var wg sync.WaitGroup
		defer func() {
			cancel()
			wg.Wait()
			c.cancelPrompts()
			log.Debug().Str("component", "api").Msg("stream closed")
		}()

		if broker != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.forwardPrompts(ctx)
			}()
		}

		for {
			var f Frame
			if err := ws.ReadJSON(&f); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Str("component", "api").Err(err).Msg("websocket read error")
				}
				return
			}
			switch f.Op {
			case "get":
				wg.Add(1)
				go func() {
					defer wg.Done()
					c.get(ctx, b, f)
				}()
			case "prefetch":
				if err := b.Prefetch(f.Path); err != nil {
					_ = c.send(Frame{Op: "error", ID: f.ID, Path: f.Path, Error: err.Error()})
					continue
				}
				_ = c.send(Frame{Op: "ack", ID: f.ID, Path: f.Path})
			case "credential", "cancel":
				c.answer(f)
			default:
				_ = c.send(Frame{Op: "error", ID: f.ID, Error: "unknown op " + f.Op})
			}
		}
	}
}

func (c *streamConn) get(ctx context.Context, b Backend, f Frame) {
	preferCache := f.Cache == nil || *f.Cache
	entries, fromCache, err := b.GetDirectoryListing(ctx, f.Path, preferCache)
	if err != nil {
		if ctx.Err() == nil {
			_ = c.send(Frame{Op: "error", ID: f.ID, Path: f.Path, Error: err.Error()})
		}
		return
	}
	_ = c.send(Frame{
		Op:        "listing",
		ID:        f.ID,
		Path:      cacheproto.NormalizePath(f.Path),
		Entries:   entries,
		FromCache: fromCache,
	})
}

func (c *streamConn) forwardPrompts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.broker.Requests():
			c.promptsMu.Lock()
			c.prompts[req.ID] = struct{}{}
			c.promptsMu.Unlock()
			err := c.send(Frame{Op: "credential", ID: req.ID, Kind: req.Kind.String(), Text: req.Text, Echo: req.Echo})
			if err != nil {
				req.Cancel()
				return
			}
		}
	}
}

func (c *streamConn) answer(f Frame) {
	if c.broker == nil {
		_ = c.send(Frame{Op: "error", ID: f.ID, Error: "no credential prompts on this server"})
		return
	}
	c.promptsMu.Lock()
	delete(c.prompts, f.ID)
	c.promptsMu.Unlock()

	req, ok := c.broker.Lookup(f.ID)
	if !ok {
		_ = c.send(Frame{Op: "error", ID: f.ID, Error: "unknown or expired prompt"})
		return
	}
	if f.Op == "cancel" {
		req.Cancel()
		return
	}
	req.Resolve(f.Value)
}

// cancelPrompts cancels prompts this client saw but never answered, so the
// authentication attempt does not wait for a client that has gone.
func (c *streamConn) cancelPrompts() {
	if c.broker == nil {
		return
	}
	c.promptsMu.Lock()
	defer c.promptsMu.Unlock()
	for id := range c.prompts {
		if req, ok := c.broker.Lookup(id); ok {
			req.Cancel()
		}
	}
	clear(c.prompts)
}

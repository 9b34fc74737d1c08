package tunnel

import (
	"context"
	"net"

	"github.com/lazysync/lazysync/internal/sshx"
)

// NativeStrategy uses the transport's own local-forward support.
type NativeStrategy struct{}

func (*NativeStrategy) Name() string { return "native" }

func (*NativeStrategy) Available(conn sshx.Conn) bool {
	_, ok := conn.(sshx.Forwarder)
	return ok
}

func (s *NativeStrategy) Open(ctx context.Context, conn sshx.Conn, spec Spec) (Forward, error) {
	fwd, ok := conn.(sshx.Forwarder)
	if !ok {
		return nil, sshx.ErrForwardUnsupported
	}
	ln, err := fwd.OpenForward(ctx, spec.LocalHost, spec.LocalPort, spec.RemoteHost, spec.RemotePort)
	if err != nil {
		return nil, err
	}
	return listenerForward{ln}, nil
}

type listenerForward struct{ ln net.Listener }

func (f listenerForward) Close() error { return f.ln.Close() }

// Sessions reports the forwarded connections still open.
func (f listenerForward) Sessions() int {
	if s, ok := f.ln.(interface{ Sessions() int }); ok {
		return s.Sessions()
	}
	return 0
}

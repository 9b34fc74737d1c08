package tunnel

import (
	"net"
	"strconv"
	"time"
)

// PortFree reports whether host:port can be bound right now.
func PortFree(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Accepting reports whether addr accepts a TCP connection within timeout.
func Accepting(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

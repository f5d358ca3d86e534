package rheia

import (
	stdcontext "context"
	"fmt"
	"net"
	"syscall"
)

// Dialer opens outbound connections for the Client pool. It exists as a
// seam so tests can substitute an in-memory transport (net.Pipe) for the
// real socket path without the connection/read/write loops knowing the
// difference.
type Dialer interface {
	Dial(ctx stdcontext.Context, addr Address) (net.Conn, error)
}

// ListenConfig accepts inbound connections for the Server acceptor,
// mirroring Dialer's seam on the inbound side.
type ListenConfig interface {
	Listen(ctx stdcontext.Context, addr Address) (net.Listener, error)
}

// tcpDialer is the production Dialer: it resolves addr to a TCP endpoint
// and applies the standard socket options to the resulting connection.
type tcpDialer struct {
	dialer net.Dialer
}

// NewTCPDialer returns the default real-socket Dialer.
func NewTCPDialer() Dialer {
	d := net.Dialer{Control: controlSetSockOpt}
	return &tcpDialer{dialer: d}
}

func (d *tcpDialer) Dial(ctx stdcontext.Context, addr Address) (net.Conn, error) {
	conn, err := d.dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("rheia: dial %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		applyTCPOptions(tc)
	}
	return conn, nil
}

// tcpListenConfig is the production ListenConfig.
type tcpListenConfig struct {
	lc net.ListenConfig
}

// NewTCPListenConfig returns the default real-socket ListenConfig.
func NewTCPListenConfig() ListenConfig {
	return &tcpListenConfig{lc: net.ListenConfig{Control: controlSetSockOpt}}
}

func (l *tcpListenConfig) Listen(ctx stdcontext.Context, addr Address) (net.Listener, error) {
	ln, err := l.lc.Listen(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("rheia: listen %s: %w", addr, err)
	}
	return ln, nil
}

// applyTCPOptions sets NoDelay and KeepAlive via the standard library; the
// QUICKACK option is applied through Control below, which
// runs on the raw fd before Go's runtime poller takes it, matching how
// net.Dialer.Control is documented to be used for sockopts unavailable
// through *net.TCPConn itself.
func applyTCPOptions(tc *net.TCPConn) {
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
}

// controlSetSockOpt is installed as net.Dialer.Control / net.ListenConfig.Control
// to set TCP_QUICKACK on platforms that support it. Close-on-exec is the Go
// runtime's default for all its sockets, so nothing further is required for
// that option.
func controlSetSockOpt(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = setQuickAck(fd)
	})
	if err != nil {
		return err
	}
	// Best-effort: TCP_QUICKACK is Linux-only and harmless to skip
	// elsewhere (see quickack_other.go).
	_ = sockErr
	return nil
}

package rheia

import (
	"bytes"
	stdcontext "context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// PacketHandler is the only point at which application semantics enter the
// server acceptor: an interface capability rather than a compile-time
// parameterization over a concrete node type, so the acceptor stays
// decoupled from whatever protocol the packets above it actually carry.
type PacketHandler interface {
	HandleServerPacket(ctx *Context, conn *ServerConn, header Header, body io.Reader) error
}

// ServerConn is one accepted inbound connection: a socket plus the shared
// outbound buffer and signalling Parkers its paired read/write loops use.
type ServerConn struct {
	conn net.Conn

	mu          sync.Mutex
	outbound    []byte
	writeEvent  *Parker[struct{}]
	writerEvent *Parker[struct{}]
}

// RemoteAddr reports the connection's remote network address.
func (sc *ServerConn) RemoteAddr() net.Addr { return sc.conn.RemoteAddr() }

// Write appends p to the connection's outbound buffer. A PacketHandler uses
// this, followed by Flush, to queue a reply.
func (sc *ServerConn) Write(p []byte) (int, error) {
	sc.mu.Lock()
	sc.outbound = append(sc.outbound, p...)
	sc.mu.Unlock()
	return len(p), nil
}

// Flush notifies the write loop that new bytes are available.
func (sc *ServerConn) Flush() {
	sc.writerEvent.Notify(struct{}{})
}

// Server accepts inbound connections and dispatches framed packets to a
// PacketHandler, mirroring the Client's paired read/write loop structure on
// the inbound side.
type Server struct {
	listenConfig ListenConfig
	handler      PacketHandler
	log          *log.Logger
	metrics      *Metrics

	wg WaitGroup
}

// ServerOption configures a Server at construction time.
type ServerOption func(*Server)

// WithServerLogger overrides the Server's logger.
func WithServerLogger(l *log.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithServerListenConfig overrides the transport used to accept inbound
// connections, primarily for tests.
func WithServerListenConfig(lc ListenConfig) ServerOption {
	return func(s *Server) { s.listenConfig = lc }
}

// WithServerMetrics registers the Server's prometheus collectors against reg.
func WithServerMetrics(reg prometheus.Registerer, poolID string) ServerOption {
	return func(s *Server) { s.metrics = NewMetrics(reg, poolID) }
}

// NewServer returns a Server that dispatches decoded packets to handler.
func NewServer(handler PacketHandler, opts ...ServerOption) *Server {
	s := &Server{
		listenConfig: NewTCPListenConfig(),
		handler:      handler,
		log:          log.New(os.Stderr),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve listens on addr and accepts connections until ctx is cancelled or
// the listener fails. A cancellation hook closes the listener so the accept
// loop unblocks promptly.
func (s *Server) Serve(ctx *Context, addr Address) error {
	ln, err := s.listenConfig.Listen(stdcontext.Background(), addr)
	if err != nil {
		return err
	}
	dereg := ctx.Register(func() { _ = ln.Close() })
	defer dereg()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Cancelled() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				s.log.Warn("accept error, continuing", "addr", addr.String(), "err", err)
				continue
			}
			return fmt.Errorf("rheia: accept: %w", err)
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			applyTCPOptions(tc)
		}

		s.wg.Add(1)
		go s.serveConnection(ctx, conn)
	}
}

// serveConnection is the server-side counterpart of the Client's
// handleConnection: a child context half-closes the socket on cancel, and
// paired read/write loops are joined with an errgroup, the read loop
// triggering the cancellation that unblocks the write loop when it exits.
func (s *Server) serveConnection(parent *Context, conn net.Conn) {
	defer s.wg.Add(-1)
	defer conn.Close()

	childCtx, cancelChild := WithCancel(parent)
	dereg := childCtx.Register(func() {
		if hc, ok := conn.(halfCloser); ok {
			_ = hc.CloseRead()
		} else {
			_ = conn.Close()
		}
	})
	defer dereg()

	sc := &ServerConn{
		conn:        conn,
		writeEvent:  NewParker[struct{}](),
		writerEvent: NewParker[struct{}](),
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		err := s.readLoop(childCtx, sc)
		cancelChild()
		return err
	})
	g.Go(func() error {
		return s.writeLoop(childCtx, sc)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, ErrCancelled) && !isClosedErr(err) {
		s.log.Warn("connection ended", "remote", conn.RemoteAddr(), "err", err)
	}
}

// readLoop frames packets identically to the Client's read loop, but hands
// each one to the PacketHandler instead of the RPC table. Before handoff it
// applies 64 KiB outbound backpressure so a slow consumer upstream of the
// handler cannot cause unbounded buffering on this connection.
func (s *Server) readLoop(ctx *Context, sc *ServerConn) error {
	var fifo []byte
	chunk := make([]byte, 32*1024)

	fill := func(n int) error {
		for len(fifo) < n {
			m, err := sc.conn.Read(chunk)
			if m > 0 {
				fifo = append(fifo, chunk[:m]...)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}

	for {
		if err := fill(HeaderSize); err != nil {
			return err
		}
		hdr, err := DecodeHeader(fifo[:HeaderSize])
		if err != nil {
			return err
		}
		fifo = fifo[HeaderSize:]

		if err := fill(int(hdr.Len)); err != nil {
			return err
		}
		body := make([]byte, hdr.Len)
		copy(body, fifo[:hdr.Len])
		fifo = fifo[hdr.Len:]

		s.metrics.observeFrame(hdr.Op)

		for {
			sc.mu.Lock()
			size := len(sc.outbound)
			sc.mu.Unlock()
			if size <= outboundSoftCap {
				break
			}
			if _, err := sc.writeEvent.Park(ctx); err != nil {
				return err
			}
		}

		if err := s.handler.HandleServerPacket(ctx, sc, hdr, bytes.NewReader(body)); err != nil {
			return fmt.Errorf("rheia: handle server packet: %w", err)
		}
	}
}

// writeLoop is the Client's write loop with one difference: it clears the
// buffer in place (retaining its backing array's capacity) rather than
// swapping ownership, since nothing else ever takes a reference to a
// ServerConn's outbound slice between flushes.
func (s *Server) writeLoop(ctx *Context, sc *ServerConn) error {
	for {
		sc.mu.Lock()
		empty := len(sc.outbound) == 0
		sc.mu.Unlock()

		if empty {
			if _, err := sc.writerEvent.Park(ctx); err != nil {
				return nil
			}
			continue
		}

		sc.mu.Lock()
		payload := append([]byte(nil), sc.outbound...)
		sc.outbound = sc.outbound[:0]
		sc.mu.Unlock()

		if err := writeAll(sc.conn, payload); err != nil {
			return err
		}
		sc.writeEvent.Broadcast(struct{}{})
	}
}

// Shutdown awaits every in-flight connection task. Callers are expected to
// have already cancelled the Context passed to Serve.
func (s *Server) Shutdown(ctx *Context) error {
	return s.wg.Wait(ctx)
}

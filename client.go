package rheia

import (
	stdcontext "context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	// outboundSoftCap is the backpressure threshold on the Client's shared
	// outbound buffer. It is soft: a single append may push the
	// buffer above it, but further AcquireWriter calls then block until it
	// drains.
	outboundSoftCap = 64 * 1024

	defaultTargetCapacity = 4
	defaultMaxFails       = 8
	defaultResetMs        = 30_000
	dialTimeout           = 10 * time.Second
)

// Client maintains a resilient outbound connection pool toward a single
// remote Address: it grows the pool lazily toward targetCapacity, serializes
// connect attempts through connectMutex and a CircuitBreaker with backoff,
// and exposes a buffered Writer with backpressure to callers that want to
// send requests.
type Client struct {
	addr   Address
	dialer Dialer
	log    *log.Logger
	poolID uuid.UUID

	mu       sync.Mutex
	outbound []byte

	aliveCount int32
	connCount  uint64

	targetCapacity int
	connectMutex   *Mutex
	connectEvent   *Parker[error]
	writeEvent     *Parker[struct{}]
	writerEvent    *Parker[struct{}]

	rpc     *RPCTable
	breaker *CircuitBreaker
	metrics *Metrics

	ctx    *Context
	cancel func()
	wg     WaitGroup
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// WithLogger overrides the Client's logger (default: a new logger on stderr).
func WithLogger(l *log.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// WithTargetCapacity overrides the pool's target connection count (default 4).
func WithTargetCapacity(n int) ClientOption {
	return func(c *Client) { c.targetCapacity = n }
}

// WithBreaker overrides the circuit breaker's thresholds.
func WithBreaker(maxFails uint64, resetMs int64) ClientOption {
	return func(c *Client) { c.breaker = NewCircuitBreaker(maxFails, resetMs) }
}

// WithDialer overrides the transport used to open outbound connections,
// primarily for tests that substitute an in-memory net.Pipe dialer.
func WithDialer(d Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// WithMetrics registers the Client's prometheus collectors against reg.
func WithMetrics(reg prometheus.Registerer) ClientOption {
	return func(c *Client) { c.metrics = NewMetrics(reg, c.poolID.String()) }
}

// NewClient returns a Client bound to addr. No connections are opened until
// the first AcquireWriter or Call.
func NewClient(parent *Context, addr Address, opts ...ClientOption) *Client {
	if parent == nil {
		parent = Background()
	}
	ctx, cancel := WithCancel(parent)

	c := &Client{
		addr:           addr,
		dialer:         NewTCPDialer(),
		log:            log.New(os.Stderr),
		poolID:         uuid.New(),
		targetCapacity: defaultTargetCapacity,
		connectMutex:   NewMutex(),
		connectEvent:   NewParker[error](),
		writeEvent:     NewParker[struct{}](),
		writerEvent:    NewParker[struct{}](),
		rpc:            NewRPCTable(),
		breaker:        NewCircuitBreaker(defaultMaxFails, defaultResetMs),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Writer appends bytes to a Client's shared outbound buffer. Release must be
// called exactly once, after the caller is done appending, to wake the
// write loop.
type Writer struct {
	c *Client
}

// Write appends p to the outbound buffer. It never blocks and never fails;
// backpressure is applied up front by AcquireWriter, not per Write call.
func (w *Writer) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	w.c.outbound = append(w.c.outbound, p...)
	w.c.mu.Unlock()
	return len(p), nil
}

// Release notifies the write loop that new bytes are available to flush.
func (w *Writer) Release() {
	w.c.writerEvent.Notify(struct{}{})
}

// AcquireWriter returns a Writer, ensuring at least one connection attempt
// is underway and applying backpressure if the outbound buffer is over its
// soft cap. It fails ErrClosed if the Client is shutting down, or whatever
// error ensureConnectionAvailable surfaces (ErrCircuitBreakerTripped,
// ErrCancelled).
func (c *Client) AcquireWriter(ctx *Context) (*Writer, error) {
	if ctx.Cancelled() || c.ctx.Cancelled() {
		return nil, ErrClosed
	}
	if err := c.ensureConnectionAvailable(ctx); err != nil {
		return nil, err
	}

	for {
		c.mu.Lock()
		size := len(c.outbound)
		c.mu.Unlock()
		if size <= outboundSoftCap {
			return &Writer{c: c}, nil
		}
		if _, err := c.writeEvent.Park(ctx); err != nil {
			return nil, err
		}
		if c.ctx.Cancelled() {
			return nil, ErrClosed
		}
	}
}

// ensureConnectionAvailable lazily grows the pool and, if no connection has
// yet completed its handshake, parks until one does (or the breaker trips).
func (c *Client) ensureConnectionAvailable(ctx *Context) error {
	c.mu.Lock()
	pending := len(c.outbound) > 0
	c.mu.Unlock()

	poolLen := c.wg.Len()
	noTaskYet := poolLen == 0
	growDemand := pending && !c.breaker.HasFailures() && poolLen < c.targetCapacity

	if noTaskYet || growDemand {
		c.spawnConnection()
	}

	if atomic.LoadInt32(&c.aliveCount) > 0 {
		return nil
	}

	tripped, err := c.connectEvent.Park(ctx)
	if err != nil {
		return err
	}
	if tripped != nil {
		return tripped
	}
	return nil
}

func (c *Client) spawnConnection() {
	c.wg.Add(1)
	id := atomic.AddUint64(&c.connCount, 1)
	go c.serveConnection(id)
}

// serveConnection is the per-connection task: it loops attempting
// connections under the breaker until connected, serves the connection
// until its read loop ends, and either reconnects or exits depending on
// whether the pool is contracting or the parent context has cancelled.
func (c *Client) serveConnection(id uint64) {
	defer c.wg.Add(-1)

	for {
		if c.ctx.Cancelled() {
			return
		}

		conn, err := c.attemptConnection()
		if err != nil {
			if errors.Is(err, ErrCircuitBreakerTripped) {
				c.connectEvent.Broadcast(err)
				return
			}
			if errors.Is(err, ErrCancelled) {
				return
			}
			continue
		}

		c.handleConnection(conn)

		// Shed this task once the pool has more outstanding connections
		// than its configured target, so it contracts back toward that
		// size rather than down to a single survivor.
		if c.ctx.Cancelled() || c.wg.Len() > c.targetCapacity {
			return
		}
	}
}

// attemptConnection serializes through connectMutex so concurrent attempts
// observe breaker state in a total order, checks the breaker, sleeps any
// backoff owed, and dials.
func (c *Client) attemptConnection() (net.Conn, error) {
	if err := c.connectMutex.Acquire(c.ctx); err != nil {
		return nil, err
	}
	defer c.connectMutex.Release()

	now := nowMillis()
	state := c.breaker.State(now)
	c.metrics.observeBreaker(state)
	if state == BreakerOpen {
		return nil, ErrCircuitBreakerTripped
	}

	if c.breaker.HasFailures() {
		select {
		case <-time.After(c.breaker.Backoff()):
		case <-c.ctx.Done():
			return nil, ErrCancelled
		}
	}

	dialCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), dialTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(dialCtx, c.addr)
	if err != nil {
		c.breaker.ReportFailure(nowMillis())
		c.log.Warn("connect attempt failed", "addr", c.addr.String(), "pool", c.poolID, "err", err)
		return nil, err
	}
	return conn, nil
}

// halfCloser is satisfied by *net.TCPConn and similar transports; in-memory
// test transports may not implement it, in which case the cancellation hook
// below falls back to a full Close.
type halfCloser interface {
	CloseRead() error
}

// handleConnection registers the connection as alive, broadcasts success,
// and runs its paired read/write loops until the read loop ends, then tears
// the connection down.
func (c *Client) handleConnection(conn net.Conn) {
	childCtx, cancelChild := WithCancel(c.ctx)
	dereg := childCtx.Register(func() {
		if hc, ok := conn.(halfCloser); ok {
			_ = hc.CloseRead()
		} else {
			_ = conn.Close()
		}
	})
	defer dereg()

	c.metrics.observeConnections(atomic.AddInt32(&c.aliveCount, 1))
	defer func() {
		c.metrics.observeConnections(atomic.AddInt32(&c.aliveCount, -1))
	}()

	c.breaker.ReportSuccess()
	c.metrics.observeBreaker(c.breaker.State(nowMillis()))
	c.connectEvent.Broadcast(nil)

	g := new(errgroup.Group)
	g.Go(func() error {
		err := c.readLoop(childCtx, conn)
		cancelChild()
		return err
	})
	g.Go(func() error {
		return c.writeLoop(childCtx, conn)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, ErrCancelled) && !isClosedErr(err) {
		c.log.Warn("connection ended", "addr", c.addr.String(), "pool", c.poolID, "err", err)
	}
	_ = conn.Close()
}

// readLoop maintains a dynamic byte FIFO, frames complete packets off it,
// and routes responses through the RPC table. Any other error (including a
// push rejection) is fatal for this connection.
func (c *Client) readLoop(ctx *Context, conn net.Conn) error {
	var fifo []byte
	chunk := make([]byte, 32*1024)

	fill := func(n int) error {
		for len(fifo) < n {
			m, err := conn.Read(chunk)
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

		c.metrics.observeFrame(hdr.Op)

		if hdr.Op != OpResponse {
			continue // the Client does not serve inbound requests
		}
		if !c.rpc.Push(RPCResponse{Header: hdr, Body: body}) {
			return ErrUnexpectedResponse
		}
	}
}

// writeLoop parks on writerEvent while the outbound buffer is empty, then
// atomically takes ownership of its contents and flushes them in one
// writeAll call before notifying writeEvent to release any backpressured
// writers.
func (c *Client) writeLoop(ctx *Context, conn net.Conn) error {
	for {
		c.mu.Lock()
		empty := len(c.outbound) == 0
		c.mu.Unlock()

		if empty {
			if _, err := c.writerEvent.Park(ctx); err != nil {
				return nil
			}
			continue
		}

		c.mu.Lock()
		payload := c.outbound
		c.outbound = nil
		c.mu.Unlock()

		if err := writeAll(conn, payload); err != nil {
			return err
		}
		c.writeEvent.Broadcast(struct{}{})
	}
}

// Call sends a request frame under tag with the given nonce-correlated
// body and blocks for the matching response. It is the thin convenience
// wrapper a real node would build on top of RPCTable/AcquireWriter; the
// core itself only guarantees delivery, not this particular call shape.
func (c *Client) Call(ctx *Context, tag Tag, body []byte) ([]byte, error) {
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	nonce, parker, deregister, err := c.rpc.Register(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		deregister()
		if c.metrics != nil {
			c.metrics.RPCInFlight.Set(float64(c.rpc.Len()))
		}
	}()
	if c.metrics != nil {
		c.metrics.RPCInFlight.Set(float64(c.rpc.Len()))
	}

	w, err := c.AcquireWriter(ctx)
	if err != nil {
		return nil, err
	}
	frame := EncodePacket(Packet{Header: Header{Nonce: nonce, Op: OpRequest, Tag: tag}, Body: body}, nil)
	if _, err := w.Write(frame); err != nil {
		return nil, err
	}
	w.Release()

	resp, err := parker.Park(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Shutdown cancels the Client's context, awaits every connection task to
// exit, and releases the outbound buffer.
func (c *Client) Shutdown() error {
	c.cancel()
	if err := c.wg.Wait(Background()); err != nil {
		return err
	}
	c.mu.Lock()
	c.outbound = nil
	c.mu.Unlock()
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}

package rheia

import (
	stdcontext "context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoTestHandler mirrors every request back as a response on the same
// nonce, driving the Server acceptor end to end without a real node.
type echoTestHandler struct{}

func (echoTestHandler) HandleServerPacket(ctx *Context, conn *ServerConn, header Header, body io.Reader) error {
	buf := make([]byte, header.Len)
	if _, err := io.ReadFull(body, buf); err != nil && header.Len > 0 {
		return err
	}
	if header.Op != OpRequest {
		return nil
	}
	frame := EncodePacket(Packet{
		Header: Header{Nonce: header.Nonce, Op: OpResponse, Tag: header.Tag},
		Body:   buf,
	}, nil)
	if _, err := conn.Write(frame); err != nil {
		return err
	}
	conn.Flush()
	return nil
}

// capturingListenConfig wraps a ListenConfig to publish the bound address
// once Listen succeeds, so tests can dial back an ephemeral port.
type capturingListenConfig struct {
	inner  ListenConfig
	addrCh chan net.Addr
}

func (c *capturingListenConfig) Listen(ctx stdcontext.Context, addr Address) (net.Listener, error) {
	ln, err := c.inner.Listen(ctx, addr)
	if err == nil {
		c.addrCh <- ln.Addr()
	}
	return ln, err
}

func startEchoServer(t *testing.T) (addr Address, ctx *Context, shutdown func()) {
	t.Helper()
	addrCh := make(chan net.Addr, 1)
	srv := NewServer(echoTestHandler{}, WithServerListenConfig(&capturingListenConfig{
		inner:  NewTCPListenConfig(),
		addrCh: addrCh,
	}))

	serverCtx, cancel := WithCancel(Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(serverCtx, NewIPv4Address([4]byte{127, 0, 0, 1}, 0))
	}()

	var tcpAddr net.Addr
	select {
	case tcpAddr = <-addrCh:
	case <-time.After(time.Second):
		t.Fatal("server did not start listening")
	}

	port := tcpAddr.(*net.TCPAddr).Port
	dialAddr := NewIPv4Address([4]byte{127, 0, 0, 1}, uint16(port))

	return dialAddr, serverCtx, func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(time.Second):
			t.Fatal("server did not shut down")
		}
	}
}

// TestClientServerSingleRequestResponse is S1 driven over a real loopback
// TCP connection: the Client sends a ping and receives its own body back.
func TestClientServerSingleRequestResponse(t *testing.T) {
	addr, _, shutdown := startEchoServer(t)
	defer shutdown()

	clientCtx, cancel := WithCancel(Background())
	defer cancel()

	client := NewClient(clientCtx, addr, WithTargetCapacity(1))
	defer client.Shutdown()

	resp, err := client.Call(clientCtx, TagPing, []byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, resp)
}

func TestClientServerConcurrentRequests(t *testing.T) {
	addr, _, shutdown := startEchoServer(t)
	defer shutdown()

	clientCtx, cancel := WithCancel(Background())
	defer cancel()

	client := NewClient(clientCtx, addr, WithTargetCapacity(2))
	defer client.Shutdown()

	const n = 20
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			body := []byte(fmt.Sprintf("msg-%d", i))
			resp, err := client.Call(clientCtx, TagPing, body)
			if err != nil {
				results <- err
				return
			}
			if string(resp) != string(body) {
				results <- fmt.Errorf("got %q, want %q", resp, body)
				return
			}
			results <- nil
		}(i)
	}
	for i := 0; i < n; i++ {
		assert.NoError(t, <-results)
	}
}

// pipeDialer hands out a single pre-established net.Conn, letting a test
// drive both ends of a connection without a real socket.
type pipeDialer struct {
	conn net.Conn
}

func (d *pipeDialer) Dial(ctx stdcontext.Context, addr Address) (net.Conn, error) {
	return d.conn, nil
}

// TestClientBackpressure is S5: once the outbound buffer exceeds 64 KiB, a
// new AcquireWriter call suspends until the write loop flushes and drains
// it below the threshold.
func TestClientBackpressure(t *testing.T) {
	clientSide, peerSide := net.Pipe()
	defer peerSide.Close()

	// The peer only starts draining after a delay, so the write loop's
	// writeAll call is guaranteed to still be blocked on the pipe when the
	// first assertion below runs.
	go func() {
		time.Sleep(150 * time.Millisecond)
		io.Copy(io.Discard, peerSide)
	}()

	clientCtx, cancel := WithCancel(Background())
	defer cancel()

	client := NewClient(clientCtx, Address{}, WithTargetCapacity(1), WithDialer(&pipeDialer{conn: clientSide}))
	defer client.Shutdown()

	// Force the pool above the backpressure threshold directly, bypassing
	// AcquireWriter, so the connection's write loop has a backlog to drain
	// as soon as it comes up.
	client.mu.Lock()
	client.outbound = make([]byte, outboundSoftCap+1024)
	client.mu.Unlock()

	writerCh := make(chan *Writer, 1)
	errCh := make(chan error, 1)
	go func() {
		w, err := client.AcquireWriter(clientCtx)
		if err != nil {
			errCh <- err
			return
		}
		writerCh <- w
	}()

	select {
	case <-writerCh:
		t.Fatal("AcquireWriter should suspend while the buffer is over its soft cap")
	case err := <-errCh:
		t.Fatalf("AcquireWriter failed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case <-writerCh:
	case err := <-errCh:
		t.Fatalf("AcquireWriter failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("AcquireWriter did not resume once the buffer drained")
	}
}

// failingDialer always fails to connect, driving a Client's circuit breaker
// into the open state after enough attempts.
type failingDialer struct{}

func (failingDialer) Dial(ctx stdcontext.Context, addr Address) (net.Conn, error) {
	return nil, errors.New("dial refused")
}

// TestClientCircuitBreakerTripPropagates is S4: once repeated dial failures
// trip the breaker, both concurrent callers parked in AcquireWriter observe
// ErrCircuitBreakerTripped via connectEvent's broadcast instead of blocking
// forever.
func TestClientCircuitBreakerTripPropagates(t *testing.T) {
	clientCtx, cancel := WithCancel(Background())
	defer cancel()

	client := NewClient(clientCtx, Address{},
		WithDialer(failingDialer{}),
		WithTargetCapacity(1),
		WithBreaker(1, 30_000),
	)
	defer client.Shutdown()

	errCh1 := make(chan error, 1)
	errCh2 := make(chan error, 1)
	go func() {
		_, err := client.AcquireWriter(clientCtx)
		errCh1 <- err
	}()
	go func() {
		_, err := client.AcquireWriter(clientCtx)
		errCh2 <- err
	}()

	for _, ch := range []chan error{errCh1, errCh2} {
		select {
		case err := <-ch:
			assert.ErrorIs(t, err, ErrCircuitBreakerTripped)
		case <-time.After(2 * time.Second):
			t.Fatal("AcquireWriter did not observe the breaker trip")
		}
	}
}

// pipePair is one dial's client/peer net.Pipe halves.
type pipePair struct {
	client net.Conn
	peer   net.Conn
}

// sequentialPipeDialer hands out a fresh net.Pipe on every Dial call and
// publishes each pair so a test can drive the peer side directly.
type sequentialPipeDialer struct {
	pairs chan pipePair
}

func (d *sequentialPipeDialer) Dial(ctx stdcontext.Context, addr Address) (net.Conn, error) {
	client, peer := net.Pipe()
	d.pairs <- pipePair{client: client, peer: peer}
	return client, nil
}

// TestClientOversizeFrameReconnects is S6: a connection that receives a
// frame header claiming a body over MaxFrameSize is torn down, but since
// that's a decode error rather than a dial failure, the breaker never sees
// it and the pool reconnects to serve a fresh call.
func TestClientOversizeFrameReconnects(t *testing.T) {
	pairs := make(chan pipePair, 4)
	dialer := &sequentialPipeDialer{pairs: pairs}

	clientCtx, cancel := WithCancel(Background())
	defer cancel()

	client := NewClient(clientCtx, Address{}, WithDialer(dialer), WithTargetCapacity(1))
	defer client.Shutdown()

	// Fire a request that will ride the first (doomed) connection; its
	// bytes are discarded below and it never gets a response, matching the
	// pool's no-rebalancing behavior when a connection dies mid-flight.
	firstCallErrCh := make(chan error, 1)
	go func() {
		_, err := client.Call(clientCtx, TagPing, []byte("first"))
		firstCallErrCh <- err
	}()

	var first pipePair
	select {
	case first = <-pairs:
	case <-time.After(time.Second):
		t.Fatal("client did not dial the first connection")
	}
	go io.Copy(io.Discard, first.peer)

	var badHeader [HeaderSize]byte
	EncodeHeader(Header{Len: MaxFrameSize + 1, Nonce: 0, Op: OpResponse, Tag: TagPing}, badHeader[:])
	_, err := first.peer.Write(badHeader[:])
	require.NoError(t, err)

	var second pipePair
	select {
	case second = <-pairs:
	case <-time.After(time.Second):
		t.Fatal("client did not reconnect after the oversize frame")
	}

	assert.False(t, client.breaker.HasFailures(), "a decode error must not count as a dial failure against the breaker")

	go func() {
		buf := make([]byte, HeaderSize)
		if _, err := io.ReadFull(second.peer, buf); err != nil {
			return
		}
		hdr, err := DecodeHeader(buf)
		if err != nil {
			return
		}
		body := make([]byte, hdr.Len)
		if _, err := io.ReadFull(second.peer, body); err != nil {
			return
		}
		frame := EncodePacket(Packet{Header: Header{Nonce: hdr.Nonce, Op: OpResponse, Tag: hdr.Tag}, Body: body}, nil)
		second.peer.Write(frame)
	}()

	resp, err := client.Call(clientCtx, TagPing, []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), resp)

	cancel()
	select {
	case err := <-firstCallErrCh:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("first call did not unblock after cancellation")
	}
}

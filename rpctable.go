package rheia

import "sync"

// RPCTableCapacity is the ring buffer capacity, a power of two.
const RPCTableCapacity = 1 << 16

const rpcTableMask = RPCTableCapacity - 1

// RPCResponse is the value delivered to a parked registrant when a matching
// response frame arrives.
type RPCResponse struct {
	Header Header
	Body   []byte
}

// rpcSlot pairs the nonce a slot was allocated under with the Parker the
// registrant is waiting on, so Push and deregistration can tell a live slot
// from one the ring has since reused.
type rpcSlot struct {
	nonce    uint32
	response *Parker[RPCResponse]
}

// RPCTable is the nonce-indexed ring buffer of awaiter slots: Register
// allocates a nonce and parks the caller's Parker, Push routes an inbound
// response to its matching Parker, and deregistration (on cancel or normal
// completion) frees the slot and advances tail over any resulting
// contiguous run of nulls.
//
// head is the next nonce to allocate; tail is the oldest outstanding nonce.
// The outstanding set is always the contiguous range [tail, head) modulo
// 2^32, which Push and Register both lean on.
type RPCTable struct {
	mu           sync.Mutex
	slots        [RPCTableCapacity]*rpcSlot
	head         uint32
	tail         uint32
	requestEvent *Parker[struct{}]
}

// NewRPCTable returns an empty table.
func NewRPCTable() *RPCTable {
	return &RPCTable{requestEvent: NewParker[struct{}]()}
}

// Register blocks (parking on requestEvent) while the table is full, then
// atomically reserves the slot at head, returns it as the nonce, and
// installs a deregistration hook on ctx so the slot is freed on
// cancellation even if the caller never returns normally. The returned
// deregister func performs the same cleanup and also removes the ctx hook;
// callers must invoke it on every exit path (typically via defer) once they
// are done waiting, so a long-lived ctx shared by many registrations never
// accumulates stale hooks. The caller is expected to then Park on the
// returned Parker to await the response.
func (t *RPCTable) Register(ctx *Context) (nonce uint32, response *Parker[RPCResponse], deregister func(), err error) {
	for {
		t.mu.Lock()
		if t.head-t.tail < RPCTableCapacity {
			nonce = t.head
			t.head++
			response = NewParker[RPCResponse]()
			t.slots[nonce&rpcTableMask] = &rpcSlot{nonce: nonce, response: response}
			t.mu.Unlock()

			cleanup := t.deregisterFunc(nonce)
			removeHook := ctx.Register(cleanup)
			deregister = func() {
				removeHook()
				cleanup()
			}
			return nonce, response, deregister, nil
		}
		t.mu.Unlock()

		if _, err := t.requestEvent.Park(ctx); err != nil {
			return 0, nil, nil, err
		}
	}
}

// deregisterFunc returns a function that clears the slot for nonce (if it
// is still the one allocated under that nonce, guarding against the ring
// having wrapped and reused the index since), then advances tail over the
// resulting contiguous run of null slots, notifying one blocked Register
// call per slot freed.
func (t *RPCTable) deregisterFunc(nonce uint32) func() {
	return func() {
		t.mu.Lock()
		idx := nonce & rpcTableMask
		if s := t.slots[idx]; s != nil && s.nonce == nonce {
			t.slots[idx] = nil
		}
		freed := t.advanceTailLocked()
		t.mu.Unlock()

		for i := uint32(0); i < freed; i++ {
			t.requestEvent.Notify(struct{}{})
		}
	}
}

// advanceTailLocked must be called with mu held. It moves tail forward over
// contiguous null slots and returns how many slots it freed.
func (t *RPCTable) advanceTailLocked() uint32 {
	var freed uint32
	for t.head-t.tail > 0 && t.slots[t.tail&rpcTableMask] == nil {
		t.tail++
		freed++
	}
	return freed
}

// Push routes response to its matching registrant, returning false if the
// nonce is stale (outside [tail, head)) or the slot is already null
// (cancelled, or already delivered). On success the slot is atomically
// taken, tail is advanced past any resulting null prefix, and the response
// is delivered to the parked caller; the caller's Park call returns exactly
// once as a result, never twice.
func (t *RPCTable) Push(response RPCResponse) bool {
	nonce := response.Header.Nonce

	t.mu.Lock()
	distance := nonce - t.tail
	if distance >= RPCTableCapacity {
		t.mu.Unlock()
		return false
	}
	idx := nonce & rpcTableMask
	slot := t.slots[idx]
	if slot == nil || slot.nonce != nonce {
		t.mu.Unlock()
		return false
	}
	t.slots[idx] = nil
	freed := t.advanceTailLocked()
	t.mu.Unlock()

	for i := uint32(0); i < freed; i++ {
		t.requestEvent.Notify(struct{}{})
	}
	slot.response.Notify(response)
	return true
}

// Len reports the number of currently outstanding registrations.
func (t *RPCTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.head - t.tail)
}

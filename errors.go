package rheia

import "errors"

// Error taxonomy surfaced uniformly across the codec, RPC table, breaker,
// client pool and server acceptor. Sentinels are returned as-is or wrapped
// with fmt.Errorf("...: %w", err), never replaced, so errors.Is matches them.
var (
	// ErrClosed is returned when an operation is attempted against a Client
	// that has begun or completed shutdown.
	ErrClosed = errors.New("rheia: client is closed")

	// ErrCancelled surfaces from any suspending call whose Context was
	// cancelled while parked.
	ErrCancelled = errors.New("rheia: operation cancelled")

	// ErrFrameTooLarge is returned by DecodeHeader when len exceeds
	// MaxFrameSize.
	ErrFrameTooLarge = errors.New("rheia: frame exceeds maximum size")

	// ErrBadEnum is returned by DecodeHeader when op or tag is out of
	// range for their enumerations.
	ErrBadEnum = errors.New("rheia: invalid op or tag byte")

	// ErrUnexpectedResponse is returned by the Client's read loop when
	// RPCTable.Push rejects a response whose nonce does not correspond to an
	// outstanding registration. Fatal for the connection that received it.
	ErrUnexpectedResponse = errors.New("rheia: response nonce not outstanding")

	// ErrCircuitBreakerTripped is broadcast through connectEvent, and
	// returned by ensureConnectionAvailable, once the breaker observes
	// open state.
	ErrCircuitBreakerTripped = errors.New("rheia: circuit breaker open")

	// Address grammar errors, returned by ParseAddress.
	ErrUnknownAddressProtocol = errors.New("rheia: unknown address protocol")
	ErrMissingEndBracket      = errors.New("rheia: missing end bracket")
	ErrMissingPort            = errors.New("rheia: missing port")
	ErrUnexpectedLeftBracket  = errors.New("rheia: unexpected left bracket")
	ErrUnexpectedRightBracket = errors.New("rheia: unexpected right bracket")
	ErrTooManyColons          = errors.New("rheia: too many colons")
)

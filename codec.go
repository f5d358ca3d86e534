package rheia

import "encoding/binary"

const (
	// HeaderSize is the fixed on-wire size of a Header, in bytes.
	HeaderSize = 10

	// MaxFrameSize is the largest permitted body length, in bytes.
	MaxFrameSize = 1 << 20 // 1 MiB
)

// Op identifies whether a packet is a fire-and-forget command, a request
// awaiting a response, or a response to an earlier request.
type Op uint8

const (
	OpCommand Op = iota
	OpRequest
	OpResponse
)

func (op Op) valid() bool { return op <= OpResponse }

// Tag identifies the application-level packet kind. The enumeration is
// extensible; unknown values fail to decode rather than being accepted and
// ignored, so wire corruption is never silently forwarded to the node.
type Tag uint8

const (
	TagPing Tag = iota
	TagHello
	TagFindNode
	TagPushTransaction
	TagPullTransaction
	TagPullBlock

	tagCount // sentinel, not a valid wire value
)

func (t Tag) valid() bool { return t < tagCount }

// Header is the fixed 10-byte frame header: len, nonce, op, tag, all
// little-endian. Len is the body length in bytes, excluding the header
// itself.
type Header struct {
	Len   uint32
	Nonce uint32
	Op    Op
	Tag   Tag
}

// EncodeHeader writes h into out, which must be at least HeaderSize bytes.
// The codec is stateless and transport-agnostic: it neither knows nor cares
// whether out is a socket buffer, a bytes.Buffer, or a test fixture.
func EncodeHeader(h Header, out []byte) {
	_ = out[HeaderSize-1] // bounds check hint so the compiler elides per-field checks below
	binary.LittleEndian.PutUint32(out[0:4], h.Len)
	binary.LittleEndian.PutUint32(out[4:8], h.Nonce)
	out[8] = byte(h.Op)
	out[9] = byte(h.Tag)
}

// DecodeHeader reads a Header from in, which must be at least HeaderSize
// bytes. It fails ErrFrameTooLarge if len exceeds MaxFrameSize, and
// ErrBadEnum if op or tag falls outside their enumerations. Either failure
// consumes only the header bytes already read by the caller; DecodeHeader
// itself never reads past in[:HeaderSize].
func DecodeHeader(in []byte) (Header, error) {
	_ = in[HeaderSize-1]

	length := binary.LittleEndian.Uint32(in[0:4])
	if length > MaxFrameSize {
		return Header{}, ErrFrameTooLarge
	}
	nonce := binary.LittleEndian.Uint32(in[4:8])
	op := Op(in[8])
	if !op.valid() {
		return Header{}, ErrBadEnum
	}
	tag := Tag(in[9])
	if !tag.valid() {
		return Header{}, ErrBadEnum
	}
	return Header{Len: length, Nonce: nonce, Op: op, Tag: tag}, nil
}

// Packet pairs a decoded Header with its body, used by callers that want a
// single value rather than threading the two separately (tests, the Node
// callback's convenience wrappers).
type Packet struct {
	Header Header
	Body   []byte
}

// EncodePacket appends the wire form of p (header then body) to out,
// returning the extended slice. It does not itself enforce MaxFrameSize on
// p.Body; producers are expected to only ever build packets within that
// bound, and DecodeHeader is what guards the wire against violations from a
// peer.
func EncodePacket(p Packet, out []byte) []byte {
	var hdr [HeaderSize]byte
	h := p.Header
	h.Len = uint32(len(p.Body))
	EncodeHeader(h, hdr[:])
	out = append(out, hdr[:]...)
	out = append(out, p.Body...)
	return out
}

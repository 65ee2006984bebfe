package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// Frame is a single decoded hub frame. StartCID/EndCID record which input
// chunks the frame spanned, for diagnostics on fragmented TCP reads.
type Frame struct {
	Opcode   uint16
	Raw      []byte // full frame including sync, opcode and checksum
	Payload  []byte // bytes between the opcode and the checksum
	StartCID int
	EndCID   int
}

// Sum8 returns the sum of all bytes mod 256.
func Sum8(b []byte) byte {
	var s byte
	for _, v := range b {
		s += v
	}
	return s
}

// FrameBuilder constructs binary frames for sending to the hub.
type FrameBuilder struct {
	buf bytes.Buffer
}

// NewFrameBuilder creates a new FrameBuilder.
func NewFrameBuilder() *FrameBuilder {
	return &FrameBuilder{}
}

// Reset clears the builder for reuse.
func (b *FrameBuilder) Reset() {
	b.buf.Reset()
}

// WriteByte writes a single byte.
func (b *FrameBuilder) WriteByte(v byte) *FrameBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint16 writes a uint16 in big-endian order, the hub's byte order
// for opcodes, ports and frame counts.
func (b *FrameBuilder) WriteUint16(v uint16) *FrameBuilder {
	binary.Write(&b.buf, binary.BigEndian, v)
	return b
}

// WriteBytes writes raw bytes.
func (b *FrameBuilder) WriteBytes(data []byte) *FrameBuilder {
	b.buf.Write(data)
	return b
}

// WriteZeros writes n zero bytes.
func (b *FrameBuilder) WriteZeros(n int) *FrameBuilder {
	b.buf.Write(make([]byte, n))
	return b
}

// Len returns the current payload size.
func (b *FrameBuilder) Len() int {
	return b.buf.Len()
}

// Build returns the accumulated bytes without framing.
func (b *FrameBuilder) Build() []byte {
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

// BuildFrame wraps the accumulated bytes as a hub frame with the given
// opcode: sync pair, opcode, payload, sum8 checksum.
func (b *FrameBuilder) BuildFrame(op uint16) []byte {
	return BuildFrame(op, b.buf.Bytes())
}

// String returns a hex dump of the current payload for debugging.
func (b *FrameBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("FrameBuilder[%d bytes]: %x", len(data), data)
}

// BuildFrame constructs a complete hub frame for an opcode and payload.
func BuildFrame(op uint16, payload []byte) []byte {
	frame := make([]byte, 0, 5+len(payload))
	frame = append(frame, Sync0, Sync1, OpcodeHi(op), OpcodeLo(op))
	frame = append(frame, payload...)
	frame = append(frame, Sum8(frame))
	return frame
}

// BuildCallMeFrame constructs the UDP CALL_ME rendezvous frame advertising
// a TCP endpoint: [mac(6), ip(4), port(2 BE)].
func BuildCallMeFrame(mac [6]byte, ip net.IP, port uint16) []byte {
	ip4 := ip.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	return NewFrameBuilder().
		WriteBytes(mac[:]).
		WriteBytes(ip4).
		WriteUint16(port).
		BuildFrame(OpCallMe)
}

// ParseCallMePayload extracts the advertised endpoint from a CALL_ME frame.
// Frames shorter than 16 bytes carry no endpoint ("reply to the sender").
func ParseCallMePayload(frame []byte) (ip net.IP, port uint16, ok bool) {
	if len(frame) < 16 {
		return nil, 0, false
	}
	ip = net.IPv4(frame[10], frame[11], frame[12], frame[13])
	port = binary.BigEndian.Uint16(frame[14:16])
	return ip, port, true
}

func hexOpName(op uint16) string {
	return fmt.Sprintf("OP_%04X", op)
}

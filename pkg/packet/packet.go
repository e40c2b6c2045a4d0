package packet

import "github.com/tecstylos/securewire/pkg/wire"

// Packet pairs a wire.PacketHeader with an optional body. A nil Body
// means an empty-body packet: Header.Size must be zero.
type Packet struct {
	Header wire.PacketHeader
	Body   *PacketBuffer
}

// New builds a Packet whose body is a copy of payload. header.Size is
// set to len(payload); callers that need padding should pad payload
// before calling New.
func New(typ wire.PacketType, flags wire.PacketFlags, id uint32, payload []byte) Packet {
	h := wire.PacketHeader{
		Type:  typ,
		Flags: flags,
		ID:    id,
		Size:  uint64(len(payload)),
	}
	if len(payload) == 0 {
		return Packet{Header: h}
	}
	return Packet{Header: h, Body: NewPacketBufferFrom(payload)}
}

// Release drops this Packet's reference to its body, if any.
func (p Packet) Release() {
	if p.Body != nil {
		p.Body.Release()
	}
}

// Retain returns a Packet sharing the same header and, if present, a
// retained reference to the same body.
func (p Packet) Retain() Packet {
	if p.Body == nil {
		return p
	}
	return Packet{Header: p.Header, Body: p.Body.Retain()}
}

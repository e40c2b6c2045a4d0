package wire

import "fmt"

// BlockSize is the symmetric cipher's block size in bytes. All secure
// I/O is padded up to a multiple of BlockSize before it hits the wire.
const BlockSize = 16

// HeaderSize is the fixed, always-encrypted size of a PacketHeader.
const HeaderSize = 16

// PacketType tags the purpose of a packet's payload. Values below
// FirstUserPacketType are reserved for the transport itself.
type PacketType uint16

// Reserved packet types (spec.md §6). User-defined types start at
// FirstUserPacketType.
const (
	Undefined        PacketType = 0
	Ping             PacketType = 1
	PingReply        PacketType = 2
	ChangeKey        PacketType = 3 // reserved, unused
	KeepAliveRequest PacketType = 4
	KeepAliveReply   PacketType = 5

	FirstUserPacketType PacketType = 6
)

// String returns a human-readable packet type name for the reserved
// types, and a numeric form for user types.
func (t PacketType) String() string {
	switch t {
	case Undefined:
		return "UNDEFINED"
	case Ping:
		return "PING"
	case PingReply:
		return "PING_REPLY"
	case ChangeKey:
		return "CHANGE_KEY"
	case KeepAliveRequest:
		return "KEEP_ALIVE_REQUEST"
	case KeepAliveReply:
		return "KEEP_ALIVE_REPLY"
	default:
		return fmt.Sprintf("USER(%d)", uint16(t))
	}
}

// PacketFlags is the header's bitfield. Only bit 0 is defined; bits
// 1-7 are reserved and must be zero.
type PacketFlags uint8

const (
	// FlagRemovePrevious tells the receiver to discard every
	// already-queued packet of the same type before appending this one.
	FlagRemovePrevious PacketFlags = 1 << 0
)

// Has reports whether f is set in flags.
func (flags PacketFlags) Has(f PacketFlags) bool {
	return flags&f != 0
}

// PacketHeader is the fixed 16-byte wire struct that precedes every
// packet body. Size is the unpadded, logical body length; the
// transfer itself uses PadUp(Size) bytes.
type PacketHeader struct {
	Type     PacketType
	Flags    PacketFlags
	Reserved uint8
	ID       uint32
	Size     uint64
}

// PadUp rounds n up to the next multiple of BlockSize.
func PadUp(n uint64) uint64 {
	rem := n % BlockSize
	if rem == 0 {
		return n
	}
	return n + (BlockSize - rem)
}

// PadUpInt is the int convenience form of PadUp.
func PadUpInt(n int) int {
	return int(PadUp(uint64(n)))
}

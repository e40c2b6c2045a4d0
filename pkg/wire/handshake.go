package wire

import (
	"encoding/binary"
	"fmt"
)

// HandshakeMagicSize is the length of the ASCII magic string embedded
// in both handshake structs.
const HandshakeMagicSize = 16

// HandshakeInfoSize is the fixed wire size of HandshakeInfo: 32 bytes
// of fields plus 8 bytes of zero padding (spec.md §6: "40 bytes fixed
// layout").
const HandshakeInfoSize = 40

// HandshakeReplySize is the fixed wire size of HandshakeReply
// (spec.md §6: "24 bytes fixed layout").
const HandshakeReplySize = 24

// HandshakeInfo is sent by the server first (ClientHello in spec.md's
// naming is a misnomer carried over from the source; the server always
// speaks first). It carries the magic, the desired symmetric key and
// echo sizes, the server's wall clock, and the peer IP the server
// observed.
type HandshakeInfo struct {
	Magic         [HandshakeMagicSize]byte
	AESKeySize    uint16
	EchoSize      uint16
	HostLocalTime uint64
	ClientIP      [4]byte
}

// HandshakeReply echoes the magic and timestamp back to the server.
// A magic mismatch, or a timestamp outside the configured clock-skew
// tolerance, terminates the handshake.
type HandshakeReply struct {
	Magic         [HandshakeMagicSize]byte
	HostLocalTime uint64
}

// EncodeHandshakeInfo serializes info into HandshakeInfoSize bytes,
// little-endian, in a padded (not packed) layout: 16-byte magic, two
// u16 sizes, four bytes of alignment padding, the u64 timestamp, the
// u32 IP, and four trailing padding bytes.
func EncodeHandshakeInfo(info HandshakeInfo) [HandshakeInfoSize]byte {
	var buf [HandshakeInfoSize]byte
	copy(buf[0:16], info.Magic[:])
	binary.LittleEndian.PutUint16(buf[16:18], info.AESKeySize)
	binary.LittleEndian.PutUint16(buf[18:20], info.EchoSize)
	// buf[20:24] is alignment padding, left zero.
	binary.LittleEndian.PutUint64(buf[24:32], info.HostLocalTime)
	copy(buf[32:36], info.ClientIP[:])
	// buf[36:40] is trailing struct padding, left zero.
	return buf
}

// DecodeHandshakeInfo parses HandshakeInfoSize bytes into a HandshakeInfo.
func DecodeHandshakeInfo(buf []byte) (HandshakeInfo, error) {
	if len(buf) < HandshakeInfoSize {
		return HandshakeInfo{}, fmt.Errorf("wire: short handshake info: got %d bytes, want %d", len(buf), HandshakeInfoSize)
	}
	var info HandshakeInfo
	copy(info.Magic[:], buf[0:16])
	info.AESKeySize = binary.LittleEndian.Uint16(buf[16:18])
	info.EchoSize = binary.LittleEndian.Uint16(buf[18:20])
	info.HostLocalTime = binary.LittleEndian.Uint64(buf[24:32])
	copy(info.ClientIP[:], buf[32:36])
	return info, nil
}

// EncodeHandshakeReply serializes reply into HandshakeReplySize bytes.
func EncodeHandshakeReply(reply HandshakeReply) [HandshakeReplySize]byte {
	var buf [HandshakeReplySize]byte
	copy(buf[0:16], reply.Magic[:])
	binary.LittleEndian.PutUint64(buf[16:24], reply.HostLocalTime)
	return buf
}

// DecodeHandshakeReply parses HandshakeReplySize bytes into a HandshakeReply.
func DecodeHandshakeReply(buf []byte) (HandshakeReply, error) {
	if len(buf) < HandshakeReplySize {
		return HandshakeReply{}, fmt.Errorf("wire: short handshake reply: got %d bytes, want %d", len(buf), HandshakeReplySize)
	}
	var reply HandshakeReply
	copy(reply.Magic[:], buf[0:16])
	reply.HostLocalTime = binary.LittleEndian.Uint64(buf[16:24])
	return reply, nil
}

// HandshakeMagic is the fixed ASCII magic string identifying this
// protocol's handshake. Both sides must agree on it exactly.
var HandshakeMagic = mustMagic("SECUREWIRE-HELLO")

func mustMagic(s string) [HandshakeMagicSize]byte {
	if len(s) > HandshakeMagicSize {
		panic("wire: magic string too long")
	}
	var out [HandshakeMagicSize]byte
	copy(out[:], s)
	return out
}

package wire

import (
	"encoding/binary"
	"fmt"
)

// EncodeHeader writes h into a HeaderSize-byte little-endian buffer.
func EncodeHeader(h PacketHeader) [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], uint16(h.Type))
	buf[2] = byte(h.Flags)
	buf[3] = h.Reserved
	binary.LittleEndian.PutUint32(buf[4:8], h.ID)
	binary.LittleEndian.PutUint64(buf[8:16], h.Size)
	return buf
}

// DecodeHeader parses a HeaderSize-byte little-endian buffer into a
// PacketHeader. It returns an error if buf is shorter than HeaderSize.
func DecodeHeader(buf []byte) (PacketHeader, error) {
	if len(buf) < HeaderSize {
		return PacketHeader{}, fmt.Errorf("wire: short header: got %d bytes, want %d", len(buf), HeaderSize)
	}
	return PacketHeader{
		Type:     PacketType(binary.LittleEndian.Uint16(buf[0:2])),
		Flags:    PacketFlags(buf[2]),
		Reserved: buf[3],
		ID:       binary.LittleEndian.Uint32(buf[4:8]),
		Size:     binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

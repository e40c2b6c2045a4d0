// Package packet implements PacketBuffer, a reference-counted mutable
// byte region with padded capacity, and Packet, the pairing of a
// wire.PacketHeader with an optional PacketBuffer body.
package packet

// Package wire defines the on-the-wire binary layout of the secure
// transport: the packet header, packet flags and types, and the
// handshake structs exchanged before a session's symmetric key is
// installed.
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│     Application Packets        │
//	├────────────────────────────────┤
//	│  16-byte Header + Body (AES)   │
//	├────────────────────────────────┤
//	│    Hybrid RSA/AES Handshake     │
//	├────────────────────────────────┤
//	│              TCP                │
//	└────────────────────────────────┘
//
// All multi-byte integers are little-endian. See codec.go for the
// encode/decode routines and handshake.go for the bootstrap structs.
package wire

// Package log provides structured protocol logging for the secure
// transport.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at each layer of the stack (transport, handshake,
// session). It is separate from operational logging (slog) - protocol
// capture provides a complete machine-readable event trace for debugging
// and analysis.
//
// # Basic Usage
//
// Applications configure logging by providing a Logger implementation:
//
//	// For development: log to console via slog
//	logger := log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	fileLogger, _ := log.NewFileLogger("/var/log/securewire/session.mlog")
//
//	// Both: use MultiLogger
//	logger := log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Event Types
//
// Events are captured at each layer:
//   - Transport: Raw frame bytes (FrameEvent)
//   - Handshake/Session: Decoded packets (PacketEvent)
//   - Session: State changes (StateChangeEvent)
//
// Errors at any layer use a dedicated event type.
//
// # File Format
//
// Log files use CBOR encoding with .mlog extension.
package log

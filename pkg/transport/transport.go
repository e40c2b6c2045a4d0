// Package transport implements SecureTransport, the layer that bridges
// a raw TCP socket and the session's symmetric cipher. It has no TLS,
// no certificate verification, and no negotiated cipher suite: once a
// symmetric key is installed (by the handshake layer), read_secure and
// write_secure pad, encrypt, and transfer plaintext with no chaining
// between blocks, matching the ECB-equivalent design this system
// reproduces.
package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/tecstylos/securewire/pkg/cipher"
	"github.com/tecstylos/securewire/pkg/metrics"
	"github.com/tecstylos/securewire/pkg/wire"
)

// minReadTarget bounds how much ReadRaw/WriteRaw try to move in a
// single underlying Read/Write call, so one huge request doesn't stall
// behind the kernel's socket buffer for arbitrarily long stretches.
const minReadTarget = 1 << 20 // 1 MiB

// Errors returned by Transport operations.
var (
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyConnected = errors.New("transport: already connected")
	ErrNoSymmetricKey   = errors.New("transport: no symmetric key installed")
)

// Transport wraps a net.Conn with raw and secure read/write primitives
// plus metrics. It is safe for concurrent ReadRaw/WriteRaw from at
// most one reader and one writer goroutine respectively (the same
// discipline the ring buffer and pipeline stages rely on).
type Transport struct {
	mu        sync.RWMutex
	conn      net.Conn
	connected atomic.Bool
	closeOnce sync.Once

	symCipher atomic.Pointer[cipher.SymmetricCipher]

	metrics *metrics.DataMetrics
}

// New wraps an already-established net.Conn.
func New(conn net.Conn) *Transport {
	t := &Transport{
		conn:    conn,
		metrics: metrics.New(),
	}
	t.connected.Store(true)
	return t
}

// Connect dials host:port and wraps the resulting connection.
func Connect(host string, port int, noDelay bool) (*Transport, error) {
	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(noDelay); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: set no-delay: %w", err)
		}
	}
	return New(conn), nil
}

// Metrics returns this transport's byte/op counters.
func (t *Transport) Metrics() *metrics.DataMetrics {
	return t.metrics
}

// Connected reports whether the underlying socket is still usable.
func (t *Transport) Connected() bool {
	return t.connected.Load()
}

// InstallSymmetricCipher records the session key negotiated by the
// handshake. It must be called exactly once, before any ReadSecure or
// WriteSecure call.
func (t *Transport) InstallSymmetricCipher(c *cipher.SymmetricCipher) {
	t.symCipher.Store(c)
}

// Disconnect closes the underlying socket. It is idempotent and safe
// to call from any goroutine; blocked ReadRaw/WriteRaw calls return an
// error once the socket closes.
func (t *Transport) Disconnect() error {
	var err error
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		t.mu.RLock()
		conn := t.conn
		t.mu.RUnlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

// ReadRaw reads exactly n bytes into buf, looping on short reads with
// a minReadTarget-bounded chunk size until n bytes have arrived or the
// socket errors. On error it marks the transport disconnected and
// returns the bytes obtained so far.
func (t *Transport) ReadRaw(buf []byte, n int) (int, error) {
	if !t.connected.Load() {
		return 0, ErrNotConnected
	}
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()

	total := 0
	for total < n {
		want := n - total
		if want > minReadTarget {
			want = minReadTarget
		}
		read, err := conn.Read(buf[total : total+want])
		if read > 0 {
			total += read
			t.metrics.AddRead(read)
		}
		if err != nil {
			t.connected.Store(false)
			return total, fmt.Errorf("transport: read: %w", err)
		}
	}
	return total, nil
}

// WriteRaw writes exactly n bytes from buf, symmetric to ReadRaw.
func (t *Transport) WriteRaw(buf []byte, n int) (int, error) {
	if !t.connected.Load() {
		return 0, ErrNotConnected
	}
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()

	total := 0
	for total < n {
		want := n - total
		if want > minReadTarget {
			want = minReadTarget
		}
		written, err := conn.Write(buf[total : total+want])
		if written > 0 {
			total += written
			t.metrics.AddWrite(written)
		}
		if err != nil {
			t.connected.Store(false)
			return total, fmt.Errorf("transport: write: %w", err)
		}
	}
	return total, nil
}

// ReadSecure reads pad_up(n) ciphertext bytes and decrypts them in
// place into buf, returning min(n, bytes actually read).
func (t *Transport) ReadSecure(buf []byte, n int) (int, error) {
	c := t.symCipher.Load()
	if c == nil {
		return 0, ErrNoSymmetricKey
	}
	padded := wire.PadUpInt(n)
	scratch := make([]byte, padded)
	read, err := t.ReadRaw(scratch, padded)
	if err != nil && read == 0 {
		return 0, err
	}
	plain, decErr := c.Decrypt(scratch[:read-(read%cipher.BlockSize)])
	if decErr != nil {
		return 0, fmt.Errorf("transport: decrypt: %w", decErr)
	}
	// Only the decrypted prefix is valid; a partial-then-error raw read
	// can leave read block-unaligned, in which case plain is shorter
	// than read and must win the clamp.
	got := n
	if read < got {
		got = read
	}
	if len(plain) < got {
		got = len(plain)
	}
	copy(buf[:got], plain[:got])
	if err != nil {
		return got, err
	}
	return got, nil
}

// WriteSecure pads and encrypts buf[:n], then writes the padded
// ciphertext, returning min(n, bytes actually written).
func (t *Transport) WriteSecure(buf []byte, n int) (int, error) {
	c := t.symCipher.Load()
	if c == nil {
		return 0, ErrNoSymmetricKey
	}
	ct := c.Encrypt(buf[:n])
	written, err := t.WriteRaw(ct, len(ct))
	got := n
	if written < got {
		got = written
	}
	if err != nil {
		return got, err
	}
	return got, nil
}

// LocalAddr returns the local network address, if connected.
func (t *Transport) LocalAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn != nil {
		return t.conn.LocalAddr()
	}
	return nil
}

// RemoteAddr returns the remote network address, if connected.
func (t *Transport) RemoteAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn != nil {
		return t.conn.RemoteAddr()
	}
	return nil
}

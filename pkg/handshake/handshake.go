// Package handshake implements the hybrid RSA/AES session bootstrap
// that runs once per connection before any packet traffic: the server
// speaks first, advertises its RSA public key, the client wraps a
// freshly generated AES session key and confirmation echo under that
// key, then sends the same echo bytes over the newly installed cipher,
// and the server checks them against the echo it unwrapped. This is
// a key-confirmation step, not peer authentication - neither side's
// identity is verified, only that both ended up with the same key.
package handshake

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/tecstylos/securewire/pkg/cipher"
	"github.com/tecstylos/securewire/pkg/config"
	"github.com/tecstylos/securewire/pkg/keyexchange"
	"github.com/tecstylos/securewire/pkg/log"
	"github.com/tecstylos/securewire/pkg/transport"
	"github.com/tecstylos/securewire/pkg/wire"
)

// Errors returned by RunClient/RunServer. Any of these terminates the
// handshake; the caller should disconnect the transport.
var (
	ErrMagicMismatch    = errors.New("handshake: magic mismatch")
	ErrClockSkew        = errors.New("handshake: clock skew exceeds tolerance")
	ErrEchoMismatch     = errors.New("handshake: echo confirmation mismatch")
	ErrEnvelopeTooLarge = errors.New("handshake: session key envelope exceeds RSA modulus capacity")
	ErrEnvelopeShort    = errors.New("handshake: decrypted envelope shorter than key+echo size")
)

func stateLogger(logger log.Logger, connID string, role log.Role) func(old, new_, reason string) {
	return func(old, new_, reason string) {
		logger.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: connID,
			Layer:        log.LayerHandshake,
			Category:     log.CategoryState,
			LocalRole:    role,
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntityHandshake,
				OldState: old,
				NewState: new_,
				Reason:   reason,
			},
		})
	}
}

func errLogger(logger log.Logger, connID string, role log.Role) func(err error, context string) {
	return func(err error, context string) {
		logger.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: connID,
			Layer:        log.LayerHandshake,
			Category:     log.CategoryError,
			LocalRole:    role,
			Error: &log.ErrorEventData{
				Layer:   log.LayerHandshake,
				Message: err.Error(),
				Context: context,
			},
		})
	}
}

func writeLen(t *transport.Transport, n int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(n))
	_, err := t.WriteRaw(buf[:], 8)
	return err
}

func readLen(t *transport.Transport) (int, error) {
	var buf [8]byte
	if _, err := t.ReadRaw(buf[:], 8); err != nil {
		return 0, err
	}
	return int(binary.LittleEndian.Uint64(buf[:])), nil
}

// RunServer executes the server side of the handshake over an already
// dialed/accepted transport. On success it installs the negotiated
// symmetric cipher on t and returns it; on failure the caller must
// disconnect. A failure while reading or verifying the echo happens
// after the cipher has already been installed on t.
func RunServer(t *transport.Transport, provider *keyexchange.KeyExchangeProvider, cfg config.HandshakeConfig, connID string, logger log.Logger) (*cipher.SymmetricCipher, error) {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	logState := stateLogger(logger, connID, log.RoleServer)
	logErr := errLogger(logger, connID, log.RoleServer)

	logState("", "INIT", "")

	var clientIP [4]byte
	if tcpAddr, ok := t.RemoteAddr().(*net.TCPAddr); ok {
		if ip4 := tcpAddr.IP.To4(); ip4 != nil {
			copy(clientIP[:], ip4)
		}
	}

	info := wire.HandshakeInfo{
		Magic:         wire.HandshakeMagic,
		AESKeySize:    uint16(cfg.AESKeySize),
		EchoSize:      uint16(cfg.EchoSize),
		HostLocalTime: uint64(time.Now().Unix()),
		ClientIP:      clientIP,
	}
	infoBuf := wire.EncodeHandshakeInfo(info)
	if _, err := t.WriteRaw(infoBuf[:], len(infoBuf)); err != nil {
		logErr(err, "write handshake info")
		return nil, fmt.Errorf("handshake: write info: %w", err)
	}
	logState("INIT", "AWAIT_REPLY", "")

	replyBuf := make([]byte, wire.HandshakeReplySize)
	if _, err := t.ReadRaw(replyBuf, len(replyBuf)); err != nil {
		logErr(err, "read handshake reply")
		return nil, fmt.Errorf("handshake: read reply: %w", err)
	}
	reply, err := wire.DecodeHandshakeReply(replyBuf)
	if err != nil {
		logErr(err, "decode handshake reply")
		return nil, err
	}
	if reply.Magic != info.Magic {
		logErr(ErrMagicMismatch, "verify reply magic")
		return nil, ErrMagicMismatch
	}
	if !withinSkew(info.HostLocalTime, reply.HostLocalTime, cfg.ClockSkewTol) {
		logErr(ErrClockSkew, "verify reply timestamp")
		return nil, ErrClockSkew
	}
	logState("AWAIT_REPLY", "AWAIT_WRAPPED_KEY", "")

	pubPEM, err := provider.ExportPublicPEM()
	if err != nil {
		logErr(err, "export public key")
		return nil, fmt.Errorf("handshake: export public key: %w", err)
	}
	if err := writeLen(t, len(pubPEM)); err != nil {
		logErr(err, "write public key length")
		return nil, fmt.Errorf("handshake: write pubkey length: %w", err)
	}
	if _, err := t.WriteRaw(pubPEM, len(pubPEM)); err != nil {
		logErr(err, "write public key")
		return nil, fmt.Errorf("handshake: write pubkey: %w", err)
	}

	wrappedLen, err := readLen(t)
	if err != nil {
		logErr(err, "read wrapped key length")
		return nil, fmt.Errorf("handshake: read wrapped length: %w", err)
	}
	if wrappedLen <= 0 || wrappedLen > provider.PublicKey().Size() {
		logErr(ErrEnvelopeTooLarge, "verify wrapped key length")
		return nil, ErrEnvelopeTooLarge
	}
	wrapped := make([]byte, wrappedLen)
	if _, err := t.ReadRaw(wrapped, wrappedLen); err != nil {
		logErr(err, "read wrapped key")
		return nil, fmt.Errorf("handshake: read wrapped key: %w", err)
	}

	envelope, err := provider.DecryptPrivate(wrapped)
	if err != nil {
		logErr(err, "decrypt wrapped key")
		return nil, fmt.Errorf("handshake: decrypt envelope: %w", err)
	}
	if len(envelope) < cfg.AESKeySize+cfg.EchoSize {
		logErr(ErrEnvelopeShort, "unwrap envelope")
		return nil, ErrEnvelopeShort
	}
	key := envelope[:cfg.AESKeySize]
	echoWant := envelope[cfg.AESKeySize : cfg.AESKeySize+cfg.EchoSize]

	symCipher, err := cipher.New(key)
	if err != nil {
		logErr(err, "install symmetric key")
		return nil, fmt.Errorf("handshake: build cipher: %w", err)
	}
	t.InstallSymmetricCipher(symCipher)
	logState("AWAIT_WRAPPED_KEY", "AWAIT_ECHO", "")

	echoGot := make([]byte, cfg.EchoSize)
	if _, err := t.ReadSecure(echoGot, cfg.EchoSize); err != nil {
		logErr(err, "read echo confirmation")
		return nil, fmt.Errorf("handshake: read echo: %w", err)
	}
	if subtle.ConstantTimeCompare(echoGot, echoWant) != 1 {
		logErr(ErrEchoMismatch, "verify echo confirmation")
		return nil, ErrEchoMismatch
	}
	logState("AWAIT_ECHO", "SECURE", "echo confirmed")

	return symCipher, nil
}

// RunClient executes the client side of the handshake. On success it
// installs the negotiated symmetric cipher on t and returns it.
func RunClient(t *transport.Transport, cfg config.HandshakeConfig, connID string, logger log.Logger) (*cipher.SymmetricCipher, error) {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	logState := stateLogger(logger, connID, log.RoleClient)
	logErr := errLogger(logger, connID, log.RoleClient)

	logState("", "INIT", "")

	infoBuf := make([]byte, wire.HandshakeInfoSize)
	if _, err := t.ReadRaw(infoBuf, len(infoBuf)); err != nil {
		logErr(err, "read handshake info")
		return nil, fmt.Errorf("handshake: read info: %w", err)
	}
	info, err := wire.DecodeHandshakeInfo(infoBuf)
	if err != nil {
		logErr(err, "decode handshake info")
		return nil, err
	}
	if info.Magic != wire.HandshakeMagic {
		logErr(ErrMagicMismatch, "verify server magic")
		return nil, ErrMagicMismatch
	}
	logState("INIT", "AWAIT_PUBKEY", "")

	reply := wire.HandshakeReply{Magic: info.Magic, HostLocalTime: info.HostLocalTime}
	replyBuf := wire.EncodeHandshakeReply(reply)
	if _, err := t.WriteRaw(replyBuf[:], len(replyBuf)); err != nil {
		logErr(err, "write handshake reply")
		return nil, fmt.Errorf("handshake: write reply: %w", err)
	}

	pubLen, err := readLen(t)
	if err != nil {
		logErr(err, "read public key length")
		return nil, fmt.Errorf("handshake: read pubkey length: %w", err)
	}
	pubPEM := make([]byte, pubLen)
	if _, err := t.ReadRaw(pubPEM, pubLen); err != nil {
		logErr(err, "read public key")
		return nil, fmt.Errorf("handshake: read pubkey: %w", err)
	}
	serverPub, err := keyexchange.ImportPublicPEM(pubPEM)
	if err != nil {
		logErr(err, "import server public key")
		return nil, fmt.Errorf("handshake: import pubkey: %w", err)
	}
	logState("AWAIT_PUBKEY", "AWAIT_ECHO_CONFIRM", "")

	key := make([]byte, cfg.AESKeySize)
	if _, err := rand.Read(key); err != nil {
		logErr(err, "generate session key")
		return nil, fmt.Errorf("handshake: generate key: %w", err)
	}
	echo := make([]byte, cfg.EchoSize)
	if _, err := rand.Read(echo); err != nil {
		logErr(err, "generate echo")
		return nil, fmt.Errorf("handshake: generate echo: %w", err)
	}
	envelope := make([]byte, 0, len(key)+len(echo))
	envelope = append(envelope, key...)
	envelope = append(envelope, echo...)

	if len(envelope) > serverPub.Size()-42 {
		logErr(ErrEnvelopeTooLarge, "size session key envelope")
		return nil, ErrEnvelopeTooLarge
	}
	wrapped, err := keyexchange.EncryptPublic(serverPub, envelope)
	if err != nil {
		logErr(err, "wrap session key")
		return nil, fmt.Errorf("handshake: wrap envelope: %w", err)
	}
	if err := writeLen(t, len(wrapped)); err != nil {
		logErr(err, "write wrapped key length")
		return nil, fmt.Errorf("handshake: write wrapped length: %w", err)
	}
	if _, err := t.WriteRaw(wrapped, len(wrapped)); err != nil {
		logErr(err, "write wrapped key")
		return nil, fmt.Errorf("handshake: write wrapped key: %w", err)
	}

	symCipher, err := cipher.New(key)
	if err != nil {
		logErr(err, "install symmetric key")
		return nil, fmt.Errorf("handshake: build cipher: %w", err)
	}
	t.InstallSymmetricCipher(symCipher)

	if _, err := t.WriteSecure(echo, len(echo)); err != nil {
		logErr(err, "write echo confirmation")
		return nil, fmt.Errorf("handshake: write echo: %w", err)
	}
	logState("AWAIT_ECHO_CONFIRM", "SECURE", "")

	return symCipher, nil
}

// withinSkew reports whether reported, as measured against sent, falls
// within tol. tol == 0 requires an exact match, matching the original
// protocol's strict timestamp echo.
func withinSkew(sent, reported uint64, tol time.Duration) bool {
	if tol <= 0 {
		return sent == reported
	}
	diff := int64(reported) - int64(sent)
	if diff < 0 {
		diff = -diff
	}
	return time.Duration(diff)*time.Second <= tol
}

package acceptor

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tecstylos/securewire/pkg/config"
	"github.com/tecstylos/securewire/pkg/handshake"
	"github.com/tecstylos/securewire/pkg/session"
	"github.com/tecstylos/securewire/pkg/transport"
	"github.com/tecstylos/securewire/pkg/wire"
)

func testHandshakeConfig() config.HandshakeConfig {
	return config.HandshakeConfig{
		AESKeySize: 32,
		EchoSize:   16,
		RSAKeyBits: 1024, // small for fast tests; production uses DefaultHandshakeConfig's 2048
	}
}

func TestAcceptorHandshakeAndSession(t *testing.T) {
	sessions := make(chan *session.Session, 1)

	a, err := New(
		config.AcceptorConfig{Host: "127.0.0.1", Port: 0},
		testHandshakeConfig(),
		config.DefaultSessionConfig(),
		func(sess *session.Session) { sessions <- sess },
		nil,
	)
	require.NoError(t, err)
	defer a.Close()

	go a.Run()

	addr := a.Addr().(*net.TCPAddr)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	clientT := transport.New(conn)
	_, err = handshake.RunClient(clientT, testHandshakeConfig(), "test-client", nil)
	require.NoError(t, err)

	select {
	case sess := <-sessions:
		require.NotNil(t, sess)
		assert.True(t, sess.Connected())
		sess.Disconnect()
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor never delivered a session")
	}
}

func TestAcceptorRejectsBadMagicClient(t *testing.T) {
	exceptions := make(chan error, 1)

	a, err := New(
		config.AcceptorConfig{Host: "127.0.0.1", Port: 0},
		testHandshakeConfig(),
		config.DefaultSessionConfig(),
		func(sess *session.Session) { sess.Disconnect() },
		nil,
	)
	require.NoError(t, err)
	defer a.Close()
	a.SetExceptionHandler(func(connID string, err error) {
		select {
		case exceptions <- err:
		default:
		}
	})

	go a.Run()

	addr := a.Addr().(*net.TCPAddr)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	// read and discard the server's HandshakeInfo, then reply with a
	// corrupted magic to force the handshake to fail server-side
	infoBuf := make([]byte, wire.HandshakeInfoSize)
	_, err = conn.Read(infoBuf)
	require.NoError(t, err)

	badReply := wire.HandshakeReply{Magic: [16]byte{'b', 'o', 'g', 'u', 's'}, HostLocalTime: 0}
	replyBuf := wire.EncodeHandshakeReply(badReply)
	_, err = conn.Write(replyBuf[:])
	require.NoError(t, err)

	select {
	case err := <-exceptions:
		require.Error(t, err)
		assert.ErrorIs(t, err, handshake.ErrMagicMismatch)
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor never reported the handshake failure")
	}
}

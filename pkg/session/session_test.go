package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tecstylos/securewire/pkg/cipher"
	"github.com/tecstylos/securewire/pkg/config"
	"github.com/tecstylos/securewire/pkg/packet"
	"github.com/tecstylos/securewire/pkg/transport"
	"github.com/tecstylos/securewire/pkg/wire"
)

// newSessionPair wires two Sessions over an in-memory net.Pipe with a
// shared symmetric key already installed, skipping the handshake
// entirely (that protocol is exercised by pkg/handshake's tests).
func newSessionPair(t *testing.T, cfg config.SessionConfig) (client, server *Session) {
	t.Helper()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	c1, err := cipher.New(key)
	require.NoError(t, err)
	c2, err := cipher.New(key)
	require.NoError(t, err)

	clientConn, serverConn := net.Pipe()
	clientT := transport.New(clientConn)
	serverT := transport.New(serverConn)
	clientT.InstallSymmetricCipher(c1)
	serverT.InstallSymmetricCipher(c2)

	client = New(clientT, c1, cfg, "client-conn", nil)
	server = New(serverT, c2, cfg, "server-conn", nil)

	t.Cleanup(func() {
		client.Disconnect()
		server.Disconnect()
	})
	return client, server
}

func TestSessionLoopbackEcho(t *testing.T) {
	client, server := newSessionPair(t, config.DefaultSessionConfig())

	server.RegisterRecvCallback(wire.FirstUserPacketType, func(pkt packet.Packet, n int) {
		defer pkt.Release()
		body := packet.NewPacketBufferFrom(pkt.Body.Data()[:5])
		server.Push(wire.FirstUserPacketType+1, 0, 0, body)
	})

	body := packet.NewPacketBufferFrom([]byte("hello"))
	client.Push(wire.FirstUserPacketType, 0, 0, body)

	pkt, ok := client.PullTimeout(wire.FirstUserPacketType+1, 2*time.Second)
	require.True(t, ok)
	defer pkt.Release()
	assert.Equal(t, "hello", string(pkt.Body.Data()[:5]))
}

func TestSessionRemovePrevious(t *testing.T) {
	client, server := newSessionPair(t, config.DefaultSessionConfig())
	_ = client

	const userType = wire.FirstUserPacketType + 94 // arbitrary user type, analogous to "100"

	server.Push(userType, 0, 0, packet.NewPacketBufferFrom([]byte{0x01}))
	id2 := server.Push(userType, wire.FlagRemovePrevious, 0, packet.NewPacketBufferFrom([]byte{0x02}))
	server.Wait(id2)
	id3 := server.Push(userType, 0, 0, packet.NewPacketBufferFrom([]byte{0x03}))
	server.Wait(id3)

	deadline := time.Now().Add(2 * time.Second)
	for client.Pullable(userType) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 2, client.Pullable(userType))

	first, ok := client.Pull(userType)
	require.True(t, ok)
	defer first.Release()
	assert.Equal(t, byte(0x02), first.Body.Data()[0])

	second, ok := client.Pull(userType)
	require.True(t, ok)
	defer second.Release()
	assert.Equal(t, byte(0x03), second.Body.Data()[0])
}

func TestSessionPushIDsMonotonicAndOrderPreserved(t *testing.T) {
	client, server := newSessionPair(t, config.DefaultSessionConfig())
	_ = server

	const userType = wire.FirstUserPacketType + 1

	var ids []uint32
	for i := 0; i < 5; i++ {
		ids = append(ids, client.Push(userType, 0, 0, packet.NewPacketBufferFrom([]byte{byte(i)})))
	}
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}

	for i := 0; i < 5; i++ {
		pkt, ok := server.PullTimeout(userType, 2*time.Second)
		require.True(t, ok)
		assert.Equal(t, byte(i), pkt.Body.Data()[0])
		pkt.Release()
	}
}

func TestSessionNullBodyPush(t *testing.T) {
	client, server := newSessionPair(t, config.DefaultSessionConfig())

	typ := wire.FirstUserPacketType + 2
	client.Push(typ, 0, 0, nil)

	pkt, ok := server.PullTimeout(typ, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, uint64(0), pkt.Header.Size)
	assert.Nil(t, pkt.Body)
}

func TestSessionClearDropsQueuedPackets(t *testing.T) {
	client, server := newSessionPair(t, config.DefaultSessionConfig())
	_ = client

	const userType = wire.FirstUserPacketType + 3
	id := server.Push(userType, 0, 0, packet.NewPacketBufferFrom([]byte{0x09}))
	server.Wait(id)

	deadline := time.Now().Add(2 * time.Second)
	for client.Pullable(userType) < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, client.Pullable(userType))

	client.Clear()
	assert.Equal(t, 0, client.Pullable(userType))
	assert.Empty(t, client.TypesPullable())
}

func TestSessionKeepAliveAutoReply(t *testing.T) {
	client, server := newSessionPair(t, config.DefaultSessionConfig())

	client.Push(wire.KeepAliveRequest, 0, 0, nil)

	pkt, ok := client.PullTimeout(wire.KeepAliveReply, 2*time.Second)
	require.True(t, ok)
	defer pkt.Release()
	assert.Equal(t, wire.KeepAliveReply, pkt.Header.Type)
	_ = server
}

func TestSessionDisconnectUnblocksPull(t *testing.T) {
	client, server := newSessionPair(t, config.DefaultSessionConfig())
	_ = server

	done := make(chan bool, 1)
	go func() {
		_, ok := client.Pull(wire.FirstUserPacketType + 42)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	client.Disconnect()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Pull did not unblock after Disconnect")
	}
}

func TestSessionRunIdleKeepAliveDetectsDeadPeer(t *testing.T) {
	// Uses a real TCP loopback rather than newSessionPair's net.Pipe: the
	// peer accepts the connection but never reads or replies, so the
	// client's keep-alive writes land in the kernel socket buffer
	// instead of blocking forever the way an unbuffered net.Pipe would.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	serverConn := <-accepted
	defer serverConn.Close()

	key := make([]byte, 32)
	c, err := cipher.New(key)
	require.NoError(t, err)

	clientT := transport.New(clientConn)
	clientT.InstallSymmetricCipher(c)
	client := New(clientT, c, config.DefaultSessionConfig(), "client-conn", nil)
	defer client.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go client.RunIdleKeepAlive(ctx, 50*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for client.Connected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, client.Connected())
}

package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tecstylos/securewire/pkg/cipher"
)

func pipePair(t *testing.T) (*Transport, *Transport) {
	t.Helper()
	c1, c2 := net.Pipe()
	return New(c1), New(c2)
}

func TestRawReadWriteRoundTrip(t *testing.T) {
	a, b := pipePair(t)
	defer a.Disconnect()
	defer b.Disconnect()

	msg := []byte("hello, raw transport")
	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := a.WriteRaw(msg, len(msg))
		require.NoError(t, err)
		require.Equal(t, len(msg), n)
	}()

	buf := make([]byte, len(msg))
	n, err := b.ReadRaw(buf, len(msg))
	require.NoError(t, err)
	require.Equal(t, len(msg), n)
	require.Equal(t, msg, buf)
	<-done

	require.Equal(t, uint64(len(msg)), a.Metrics().BytesWritten())
	require.Equal(t, uint64(len(msg)), b.Metrics().BytesRead())
}

func TestSecureReadWriteRoundTrip(t *testing.T) {
	a, b := pipePair(t)
	defer a.Disconnect()
	defer b.Disconnect()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	ca, err := cipher.New(key)
	require.NoError(t, err)
	cb, err := cipher.New(key)
	require.NoError(t, err)
	a.InstallSymmetricCipher(ca)
	b.InstallSymmetricCipher(cb)

	msg := []byte("a secure message, thirty chars")
	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := a.WriteSecure(msg, len(msg))
		require.NoError(t, err)
		require.Equal(t, len(msg), n)
	}()

	buf := make([]byte, len(msg))
	n, err := b.ReadSecure(buf, len(msg))
	require.NoError(t, err)
	require.Equal(t, len(msg), n)
	require.Equal(t, msg, buf)
	<-done
}

func TestSecureWithoutCipherErrors(t *testing.T) {
	a, b := pipePair(t)
	defer a.Disconnect()
	defer b.Disconnect()

	_, err := a.WriteSecure([]byte("x"), 1)
	require.ErrorIs(t, err, ErrNoSymmetricKey)

	_, err = b.ReadSecure(make([]byte, 1), 1)
	require.ErrorIs(t, err, ErrNoSymmetricKey)
}

func TestDisconnectUnblocksRead(t *testing.T) {
	a, b := pipePair(t)
	defer a.Disconnect()

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 10)
		_, err := b.ReadRaw(buf, 10)
		errCh <- err
	}()

	require.NoError(t, b.Disconnect())

	err := <-errCh
	require.Error(t, err)
	require.False(t, b.Connected())
}

package keyexchange

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndRoundTrip(t *testing.T) {
	kp, err := Generate(2048)
	require.NoError(t, err)

	plaintext := []byte("a 32-byte AES session key......")
	ct, err := EncryptPublic(kp.PublicKey(), plaintext)
	require.NoError(t, err)

	pt, err := kp.DecryptPrivate(ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestMaxPlaintextSizeMatchesOAEPOverhead(t *testing.T) {
	kp, err := Generate(2048)
	require.NoError(t, err)

	maxCipher := kp.PrivateKey().Size()
	require.Equal(t, maxCipher-42, kp.MaxPlaintextSize())

	tooLong := make([]byte, kp.MaxPlaintextSize()+1)
	_, err = EncryptPublic(kp.PublicKey(), tooLong)
	require.Error(t, err)

	justRight := make([]byte, kp.MaxPlaintextSize())
	_, err = EncryptPublic(kp.PublicKey(), justRight)
	require.NoError(t, err)
}

func TestPEMExportImportRoundTrip(t *testing.T) {
	kp, err := Generate(2048)
	require.NoError(t, err)

	privPEM := kp.ExportPrivatePEM()
	imported, err := ImportPrivatePEM(privPEM)
	require.NoError(t, err)
	require.Equal(t, kp.PrivateKey().D, imported.PrivateKey().D)

	pubPEM, err := kp.ExportPublicPEM()
	require.NoError(t, err)
	pub, err := ImportPublicPEM(pubPEM)
	require.NoError(t, err)
	require.Equal(t, kp.PublicKey().N, pub.N)
}

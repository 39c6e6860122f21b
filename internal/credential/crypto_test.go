package credential

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := deriveKey("test-backup-secret")
	plaintext := []byte("credential material with some length to it")

	sealed, err := encryptBlob(key, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	// Nonce is random, so sealing twice never repeats.
	sealed2, err := encryptBlob(key, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, sealed2)

	got, err := decryptBlob(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptRejectsTampering(t *testing.T) {
	key := deriveKey("test-backup-secret")

	sealed, err := encryptBlob(key, []byte("payload"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = decryptBlob(key, sealed)
	assert.ErrorIs(t, err, ErrCredentialCorrupt)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	sealed, err := encryptBlob(deriveKey("key-a"), []byte("payload"))
	require.NoError(t, err)

	_, err = decryptBlob(deriveKey("key-b"), sealed)
	assert.ErrorIs(t, err, ErrCredentialCorrupt)
}

func TestDecryptRejectsShortBlob(t *testing.T) {
	_, err := decryptBlob(deriveKey("key"), []byte("tiny"))
	assert.ErrorIs(t, err, ErrCredentialCorrupt)
}

package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// ErrCredentialCorrupt is returned when a backup blob fails to decrypt or
// authenticate. The session falls back to fresh pairing instead of crashing.
var ErrCredentialCorrupt = errors.New("credential blob corrupt")

// deriveKey turns the configured backup secret into a 256-bit cipher key.
func deriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// encryptBlob seals a credential blob with AES-256-GCM. The random nonce is
// prepended so every blob is independently decryptable.
func encryptBlob(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decryptBlob reverses encryptBlob. Any authentication failure surfaces as
// ErrCredentialCorrupt.
func decryptBlob(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: blob shorter than nonce", ErrCredentialCorrupt)
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialCorrupt, err)
	}
	return plaintext, nil
}

// Package vault manages provider credentials: authenticated encryption of
// stored secrets, a per-(workspace, provider) circuit breaker, and
// best-effort usage tracking.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/podflow/podflow/pkg/podflow/perrors"
)

const (
	// nonceSize is the IV length written by Encrypt.
	nonceSize = 12

	// legacyNonceSize is accepted on read for rows encrypted before the
	// nonce-size migration. Never written.
	legacyNonceSize = 16

	tagSize = 16
)

// Cipher performs AES-256-GCM encryption of credential secrets.
// Ciphertext format is iv:authTag:ciphertext, hex-encoded.
type Cipher struct {
	key []byte
}

// NewCipher creates a Cipher from a hex-encoded 32-byte key.
func NewCipher(keyHex string) (*Cipher, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	return &Cipher{key: key}, nil
}

// Encrypt seals plaintext under a fresh 12-byte IV.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate IV: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt opens an iv:authTag:ciphertext blob. Both the current 12-byte
// and the legacy 16-byte IV are accepted; any malformed part or failed
// authentication surfaces as CredentialCorrupted.
func (c *Cipher) Decrypt(blob string) (string, error) {
	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return "", perrors.Newf(perrors.CodeCredentialCorrupted, "expected 3 ciphertext parts, got %d", len(parts))
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", perrors.Wrap(perrors.CodeCredentialCorrupted, "malformed IV", err)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", perrors.Wrap(perrors.CodeCredentialCorrupted, "malformed auth tag", err)
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", perrors.Wrap(perrors.CodeCredentialCorrupted, "malformed ciphertext", err)
	}

	if len(iv) != nonceSize && len(iv) != legacyNonceSize {
		return "", perrors.Newf(perrors.CodeCredentialCorrupted, "invalid IV length %d", len(iv))
	}
	if len(tag) != tagSize {
		return "", perrors.Newf(perrors.CodeCredentialCorrupted, "invalid auth tag length %d", len(tag))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", perrors.Wrap(perrors.CodeCredentialCorrupted, "authentication failed", err)
	}
	return string(plaintext), nil
}

// Package vault encrypts and decrypts secrets at rest with an authenticated
// symmetric cipher. One Vault instance serves the whole process; the key is
// derived from configuration at startup and never rotated at runtime.
package vault

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

// CryptoError reports a failed decryption: tampered ciphertext or a key that
// does not match the one the ciphertext was produced under. Callers never see
// partial plaintext.
type CryptoError struct {
	Op string
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("vault: %s failed", e.Op)
}

// Vault holds the process-wide symmetric key.
type Vault struct {
	key *fernet.Key
}

// New derives the fernet key from the configured secret. The secret is hashed
// so any length is accepted; the same secret always yields the same key.
func New(secret string) *Vault {
	sum := sha256.Sum256([]byte(secret))
	var k fernet.Key
	copy(k[:], sum[:])
	return &Vault{key: &k}
}

// Encrypt seals a plaintext. Each call produces a distinct ciphertext (fernet
// tokens carry their own nonce and timestamp).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), v.key)
	if err != nil {
		return "", fmt.Errorf("vault: encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Tokens never expire; the
// zero TTL disables fernet's age check.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{v.key})
	if msg == nil {
		return "", &CryptoError{Op: "decrypt"}
	}
	return string(msg), nil
}

// Mask returns a redacted form of a secret for display and logs.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}

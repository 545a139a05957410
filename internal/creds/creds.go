package creds

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Resolver turns a stored, encrypted chain API credential into plaintext.
// The historical sync worker is the only consumer; a failure is fatal for
// the job that needed the credential.
type Resolver interface {
	Decrypt(encrypted string) (string, error)
}

const (
	keyLength   = 32
	nonceLength = 16
	tagLength   = 16
	// Bound to the ciphertexts produced by the admin surface.
	additionalData = "erc20-tracker"
)

var ErrInvalidFormat = errors.New("invalid encrypted credential format")

// AESGCMResolver implements Resolver with AES-256-GCM. Values are stored as
// nonce:authTag:ciphertext, all hex.
type AESGCMResolver struct {
	key []byte
}

// NewAESGCMResolver takes the hex-encoded 32-byte key from configuration.
func NewAESGCMResolver(hexKey string) (*AESGCMResolver, error) {
	if len(hexKey) < keyLength*2 {
		return nil, fmt.Errorf("encryption key must be at least %d hex chars", keyLength*2)
	}
	key, err := hex.DecodeString(hexKey[:keyLength*2])
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	return &AESGCMResolver{key: key}, nil
}

func (r *AESGCMResolver) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(r.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceLength)
}

// Encrypt is used by seeding and tests; the running tracker only decrypts.
func (r *AESGCMResolver) Encrypt(plaintext string) (string, error) {
	aead, err := r.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), []byte(additionalData))
	ciphertext := sealed[:len(sealed)-tagLength]
	tag := sealed[len(sealed)-tagLength:]

	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

func (r *AESGCMResolver) Decrypt(encrypted string) (string, error) {
	parts := strings.Split(encrypted, ":")
	if len(parts) != 3 {
		return "", ErrInvalidFormat
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceLength {
		return "", ErrInvalidFormat
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagLength {
		return "", ErrInvalidFormat
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrInvalidFormat
	}

	aead, err := r.aead()
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, nonce, append(ciphertext, tag...), []byte(additionalData))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a value looks like a sealed credential.
func IsEncrypted(value string) bool {
	parts := strings.Split(value, ":")
	return len(parts) == 3 &&
		len(parts[0]) == nonceLength*2 &&
		len(parts[1]) == tagLength*2
}

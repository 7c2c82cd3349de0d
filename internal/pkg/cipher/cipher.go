package cipher

import (
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Prefix marks sealed values in storage. Values without it are treated as
// plaintext, so enabling encryption on an existing deployment stays readable.
const Prefix = "enc:v1:"

const hkdfInfo = "toolgate.credentials.v1"

var errNotSealed = errors.New("value is not sealed")

// Box seals and opens small secrets with ChaCha20-Poly1305. The AEAD key is
// derived from the configured secret via HKDF-SHA256. A Box built from an
// empty secret passes values through unchanged.
type Box struct {
	aead stdcipher.AEAD
}

// New derives the sealing key from secret. An empty secret yields a disabled
// Box.
func New(secret string) (*Box, error) {
	if strings.TrimSpace(secret) == "" {
		return &Box{}, nil
	}

	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Enabled reports whether values will actually be sealed.
func (b *Box) Enabled() bool { return b.aead != nil }

// Seal encrypts plaintext and returns the storable string form. Disabled
// boxes return the plaintext unchanged.
func (b *Box) Seal(plaintext []byte) (string, error) {
	if b.aead == nil {
		return string(plaintext), nil
	}

	nonce := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := b.aead.Seal(nonce, nonce, plaintext, nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open returns the plaintext form of a stored value. Unprefixed values are
// returned as-is; prefixed values require an enabled Box with the right key.
func (b *Box) Open(stored string) ([]byte, error) {
	if !strings.HasPrefix(stored, Prefix) {
		return []byte(stored), nil
	}
	if b.aead == nil {
		return nil, errors.New("sealed value but encryption key is not configured")
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, Prefix))
	if err != nil {
		return nil, fmt.Errorf("decode sealed value: %w", err)
	}
	if len(raw) < chacha20poly1305.NonceSize {
		return nil, errNotSealed
	}

	nonce, ciphertext := raw[:chacha20poly1305.NonceSize], raw[chacha20poly1305.NonceSize:]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed value: %w", err)
	}
	return plaintext, nil
}

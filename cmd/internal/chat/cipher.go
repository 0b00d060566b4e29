package chat

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher seals message text before it reaches a Store and opens it on the way out.
type Cipher interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

const sealedPrefix = "x1:"

// XChaChaCipher seals text with XChaCha20-Poly1305 using a random 24-byte nonce per message.
// Sealed form: "x1:" + base64(nonce || ciphertext).
type XChaChaCipher struct {
	aead cipher.AEAD
}

// NewXChaChaCipher builds a cipher from a 32-byte key.
func NewXChaChaCipher(key []byte) (*XChaChaCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrCipher, chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCipher, err)
	}
	return &XChaChaCipher{aead: aead}, nil
}

// NewXChaChaCipherFromHex decodes a hex key (64 chars) and builds a cipher.
func NewXChaChaCipherFromHex(keyHex string) (*XChaChaCipher, error) {
	key, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil {
		return nil, fmt.Errorf("%w: bad hex key: %v", ErrCipher, err)
	}
	return NewXChaChaCipher(key)
}

// Seal encrypts plaintext. Empty text stays empty so "no text" survives the round trip.
func (c *XChaChaCipher) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrCipher, err)
	}
	out := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal.
func (c *XChaChaCipher) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return "", fmt.Errorf("%w: unknown envelope", ErrCipher)
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCipher, err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return "", fmt.Errorf("%w: short ciphertext", ErrCipher)
	}
	pt, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCipher, err)
	}
	return string(pt), nil
}

// PlainCipher stores text as-is. Dev only.
type PlainCipher struct{}

// Seal returns plaintext unchanged.
func (PlainCipher) Seal(plaintext string) (string, error) { return plaintext, nil }

// Open returns sealed unchanged.
func (PlainCipher) Open(sealed string) (string, error) { return sealed, nil }

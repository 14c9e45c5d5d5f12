// Package streamkey protects long-lived RTMPS stream keys at rest.
// Values are encrypted with AES-256-GCM and serialized as
// iv:tag:ciphertext with each segment hex encoded. Legacy rows may still
// hold plaintext keys, so reads accept both forms.
package streamkey

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	keyLength   = 32
	ivLength    = 16
	tagLength   = 16
	hkdfContext = "kidstream/stream-key"
)

// Cipher encrypts and decrypts stream keys with a process-wide key.
type Cipher struct {
	key []byte
}

// New derives a Cipher from the configured secret. A 64-character hex
// string is used as the raw 256-bit key; any other value is stretched to
// key length with HKDF-SHA256.
func New(secret string) (*Cipher, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, fmt.Errorf("stream key secret is required")
	}
	if len(trimmed) == keyLength*2 {
		if raw, err := hex.DecodeString(trimmed); err == nil {
			return &Cipher{key: raw}, nil
		}
	}
	reader := hkdf.New(sha256.New, []byte(trimmed), nil, []byte(hkdfContext))
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive stream key cipher: %w", err)
	}
	return &Cipher{key: key}, nil
}

// Encrypt seals the plaintext and returns the canonical iv:tag:data form.
func (c *Cipher) Encrypt(plain string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLength)
	if err != nil {
		return "", fmt.Errorf("init gcm: %w", err)
	}
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, []byte(plain), nil)
	if len(sealed) < tagLength {
		return "", fmt.Errorf("sealed payload too short")
	}
	data := sealed[:len(sealed)-tagLength]
	tag := sealed[len(sealed)-tagLength:]
	return fmt.Sprintf("%s:%s:%s", hex.EncodeToString(iv), hex.EncodeToString(tag), hex.EncodeToString(data)), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Cipher) Decrypt(value string) (string, error) {
	iv, tag, data, err := splitCiphertext(value)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLength)
	if err != nil {
		return "", fmt.Errorf("init gcm: %w", err)
	}
	sealed := append(append([]byte{}, data...), tag...)
	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt stream key: %w", err)
	}
	return string(plain), nil
}

// Reveal returns the plaintext stream key for a stored value, accepting
// both encrypted and legacy plaintext rows.
func (c *Cipher) Reveal(value string) (string, error) {
	if !IsCiphertext(value) {
		return value, nil
	}
	return c.Decrypt(value)
}

// IsCiphertext reports whether the value matches the canonical
// iv:tag:data hex shape. Legacy plaintext keys never match because the
// segment lengths are fixed.
func IsCiphertext(value string) bool {
	_, _, _, err := splitCiphertext(value)
	return err == nil
}

func splitCiphertext(value string) (iv, tag, data []byte, err error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return nil, nil, nil, fmt.Errorf("malformed ciphertext")
	}
	iv, err = hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivLength {
		return nil, nil, nil, fmt.Errorf("malformed ciphertext iv")
	}
	tag, err = hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagLength {
		return nil, nil, nil, fmt.Errorf("malformed ciphertext tag")
	}
	data, err = hex.DecodeString(parts[2])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("malformed ciphertext payload")
	}
	return iv, tag, data, nil
}

// GenerateKey mints a fresh RTMPS stream key.
func GenerateKey() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate stream key: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(bytes)), nil
}

package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// encryptionKey is the package-level AES-256 key used by EncryptedString.
// Initialize once at startup via InitEncryption, before any archive write.
var encryptionKey []byte

// InitEncryption sets the AES-256 key used to encrypt command text and
// output at rest. key must be exactly 32 bytes.
func InitEncryption(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("store: encryption key must be exactly 32 bytes, got %d", len(key))
	}
	encryptionKey = make([]byte, 32)
	copy(encryptionKey, key)
	return nil
}

// EncryptionEnabled reports whether InitEncryption has been called.
func EncryptionEnabled() bool { return encryptionKey != nil }

// EncryptedString is transparently encrypted with AES-256-GCM before being
// written and decrypted after being read. Archived command text and captured
// output use it: both routinely contain credentials pasted on a command line.
//
// The stored value is base64(nonce + ciphertext). An empty EncryptedString
// is stored as an empty string without encryption. When no key is
// configured the value passes through as plaintext.
type EncryptedString string

// Value implements driver.Valuer.
func (e EncryptedString) Value() (driver.Value, error) {
	if e == "" {
		return "", nil
	}
	if encryptionKey == nil {
		return string(e), nil
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("store: failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("store: failed to create GCM: %w", err)
	}

	// A unique nonce per encryption is critical for GCM; never reuse one
	// with the same key.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("store: failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(e), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Scan implements sql.Scanner.
func (e *EncryptedString) Scan(value interface{}) error {
	if value == nil {
		*e = ""
		return nil
	}

	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("store: EncryptedString.Scan: expected string, got %T", value)
	}
	if str == "" {
		*e = ""
		return nil
	}
	if encryptionKey == nil {
		*e = EncryptedString(str)
		return nil
	}

	data, err := base64.StdEncoding.DecodeString(str)
	if err != nil {
		return fmt.Errorf("store: failed to decode base64: %w", err)
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return fmt.Errorf("store: failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("store: failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return errors.New("store: encrypted data too short to contain nonce")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("store: failed to decrypt value: %w", err)
	}

	*e = EncryptedString(plaintext)
	return nil
}

// Package crypto encrypts broker credentials at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// currentVersion is the encrypted-file JSON schema version.
	currentVersion = 1
)

// envelope is the on-disk format for an encrypted secret.
type envelope struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// Encrypt seals plaintext with a password using PBKDF2-HMAC-SHA256 key
// derivation and AES-256-GCM. It returns the JSON envelope to write to disk.
func Encrypt(plaintext []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	out := envelope{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
	}
	return json.MarshalIndent(out, "", "  ")
}

// Decrypt opens an envelope produced by Encrypt.
func Decrypt(data []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}

	var stored envelope
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("crypto: parsing envelope: %w", err)
	}
	if stored.Version != currentVersion {
		return nil, fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return plaintext, nil
}

// IsEncrypted reports whether data looks like an envelope written by
// Encrypt.
func IsEncrypted(data []byte) bool {
	var probe struct {
		Version    int    `json:"version"`
		Ciphertext string `json:"ciphertext"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Version > 0 && probe.Ciphertext != ""
}

// FileCodec reads and writes a secret file, transparently encrypting it when
// Password is set. Plaintext files are still readable with a password so a
// token file can be migrated in place.
type FileCodec struct {
	Password string
}

// Read returns the plaintext contents of path.
func (f FileCodec) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: reading %s: %w", path, err)
	}
	if !IsEncrypted(data) {
		return data, nil
	}
	if f.Password == "" {
		return nil, fmt.Errorf("crypto: %s is encrypted but no password is configured", path)
	}
	return Decrypt(data, f.Password)
}

// Write stores plaintext at path with owner-only permissions.
func (f FileCodec) Write(path string, plaintext []byte) error {
	data := plaintext
	if f.Password != "" {
		sealed, err := Encrypt(plaintext, f.Password)
		if err != nil {
			return err
		}
		data = sealed
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("crypto: writing %s: %w", path, err)
	}
	return nil
}

// EncryptFile rewrites a plaintext file at path as an envelope.
func EncryptFile(path, password string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("crypto: reading %s: %w", path, err)
	}
	if IsEncrypted(data) {
		return fmt.Errorf("crypto: %s is already encrypted", path)
	}
	return FileCodec{Password: password}.Write(path, data)
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// ErrDecryption is returned on any authentication-tag mismatch, truncated
// blob, or wrong password. Callers must treat it as "secret unavailable",
// never "secret empty" — no partial plaintext is ever returned.
var ErrDecryption = errors.New("decryption failed")

const (
	saltSize   = 16
	nonceSize  = 12
	keySize    = 32
	iterations = 100_000
)

// DeriveKey derives a 256-bit key from a password and salt using
// PBKDF2-SHA256 with 100,000 iterations.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, keySize, sha256.New)
}

// DeriveSubkey derives an independent 256-bit key from a master password for
// a named purpose via HKDF-SHA256. The broker uses this to keep the
// proxy-token encryption path separate from the secret store's.
func DeriveSubkey(password, context string) (string, error) {
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, []byte(password), nil, []byte(context))
	if _, err := io.ReadFull(r, key); err != nil {
		return "", fmt.Errorf("deriving subkey: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(key), nil
}

// Encrypt authenticated-encrypts plaintext under a key derived from password.
// A fresh random salt and nonce are generated per call; the result is
// base64(salt‖nonce‖ciphertext) and is safe to persist or transport.
func Encrypt(plaintext, password string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	key := DeriveKey(password, salt)
	defer zeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	blob := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt unpacks a blob produced by Encrypt, re-derives the key and
// authenticated-decrypts. Any failure yields ErrDecryption.
func Decrypt(blob, password string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrDecryption)
	}
	if len(raw) < saltSize+nonceSize+1 {
		return "", fmt.Errorf("%w: blob truncated", ErrDecryption)
	}
	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+nonceSize]
	ciphertext := raw[saltSize+nonceSize:]

	key := DeriveKey(password, salt)
	defer zeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// --- Password hashing for storage verification ---

// HashPassword returns a salted PBKDF2 hash in the form
// base64(salt)$base64(digest). It is not reversible.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	digest := DeriveKey(password, salt)
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(digest), nil
}

// VerifyPassword checks password against a hash produced by HashPassword
// using a constant-time comparison.
func VerifyPassword(password, hash string) bool {
	parts := strings.SplitN(hash, "$", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	got := DeriveKey(password, salt)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

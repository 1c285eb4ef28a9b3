// Package vault encrypts credential strings for at-rest storage in the
// configuration file.
//
// Blobs are self-describing: an "enc2:" prefix followed by the hex encoding of
// nonce, ciphertext and Poly1305 tag. IsEncrypted classifies a value by that
// prefix alone, so save/load cycles stay idempotent whether or not encryption
// is enabled.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeyFileName is the name of the secret key file inside the config directory.
const KeyFileName = ".secret_key"

const blobPrefix = "enc2:"

// ErrCrypto marks corrupted, undecryptable or unkeyable secrets.
var ErrCrypto = errors.New("crypto failure")

// Store encrypts and decrypts secrets with a per-installation key.
type Store struct {
	keyPath string
	enabled bool

	once sync.Once
	key  []byte
	err  error
}

// NewStore creates a store whose key lives in <dir>/.secret_key.
func NewStore(dir string, enabled bool) *Store {
	return &Store{
		keyPath: filepath.Join(dir, KeyFileName),
		enabled: enabled,
	}
}

// Enabled reports whether Encrypt produces blobs.
func (s *Store) Enabled() bool {
	return s.enabled
}

// IsEncrypted reports whether value carries the blob marker. It never
// attempts decryption.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, blobPrefix)
}

// Encrypt seals plaintext. Callers must check IsEncrypted first; sealing an
// existing blob is a programming error.
func (s *Store) Encrypt(plaintext string) (string, error) {
	if !s.enabled {
		return plaintext, nil
	}
	if IsEncrypted(plaintext) {
		return "", fmt.Errorf("%w: value is already encrypted", ErrCrypto)
	}

	aead, err := s.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: generate nonce: %v", ErrCrypto, err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return blobPrefix + hex.EncodeToString(sealed), nil
}

// Decrypt opens a blob. Plaintext values are returned unchanged. Blobs are
// decrypted even when encryption is disabled so that turning the flag off
// never strands stored secrets.
func (s *Store) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(value, blobPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: blob is not hex: %v", ErrCrypto, err)
	}

	aead, err := s.aead()
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: blob too short", ErrCrypto)
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed (wrong key or tampered value)", ErrCrypto)
	}
	return string(plain), nil
}

func (s *Store) aead() (cipher.AEAD, error) {
	s.once.Do(func() {
		s.key, s.err = LoadOrCreateKey(s.keyPath)
	})
	if s.err != nil {
		return nil, s.err
	}
	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: init cipher: %v", ErrCrypto, err)
	}
	return aead, nil
}

// Redact hides most of a sensitive value for logs.
func Redact(value string) string {
	if len(value) <= 4 {
		return "***"
	}
	return value[:4] + "***"
}

package vault

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// KeySize is the length in bytes of every per-installation key.
	KeySize = 32

	keyFileMode = 0600
	keyDirMode  = 0700
)

// LoadOrCreateKey reads a hex encoded key from path, creating it with
// owner-only permissions when it does not exist yet.
func LoadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return decodeKey(path, data)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: read key %s: %v", ErrCrypto, path, err)
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: generate key: %v", ErrCrypto, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), keyDirMode); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}

	// O_EXCL: a concurrent process that won the race owns the key.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, keyFileMode)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			data, readErr := os.ReadFile(path)
			if readErr != nil {
				return nil, fmt.Errorf("%w: read key %s: %v", ErrCrypto, path, readErr)
			}
			return decodeKey(path, data)
		}
		return nil, fmt.Errorf("create key file: %w", err)
	}
	if _, err := f.WriteString(hex.EncodeToString(key)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close key file: %w", err)
	}
	return key, nil
}

func decodeKey(path string, data []byte) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: key file %s is not hex: %v", ErrCrypto, path, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key file %s has %d bytes, want %d", ErrCrypto, path, len(key), KeySize)
	}
	return key, nil
}

package vault

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RoundTrip(t *testing.T) {
	store := NewStore(t.TempDir(), true)

	for _, plain := range []string{"", "sk-test-123", "ünïcødé 🔑", strings.Repeat("x", 4096)} {
		blob, err := store.Encrypt(plain)
		require.NoError(t, err)
		assert.True(t, IsEncrypted(blob))
		assert.NotContains(t, blob, "sk-test")

		got, err := store.Decrypt(blob)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestStore_EncryptIsNonDeterministic(t *testing.T) {
	store := NewStore(t.TempDir(), true)

	a, err := store.Encrypt("same")
	require.NoError(t, err)
	b, err := store.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestIsEncrypted_Plaintext(t *testing.T) {
	assert.False(t, IsEncrypted("sk-plain"))
	assert.False(t, IsEncrypted(""))
	assert.False(t, IsEncrypted("enc:legacy"))
}

func TestStore_DisabledIsIdentity(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, false)

	out, err := store.Encrypt("sk-plain")
	require.NoError(t, err)
	assert.Equal(t, "sk-plain", out)
	assert.False(t, IsEncrypted(out))

	back, err := store.Decrypt(out)
	require.NoError(t, err)
	assert.Equal(t, "sk-plain", back)

	_, statErr := os.Stat(filepath.Join(dir, KeyFileName))
	assert.True(t, os.IsNotExist(statErr), "disabled store must not create a key")
}

func TestStore_DisabledStillDecryptsExistingBlobs(t *testing.T) {
	dir := t.TempDir()
	blob, err := NewStore(dir, true).Encrypt("sk-keep")
	require.NoError(t, err)

	got, err := NewStore(dir, false).Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "sk-keep", got)
}

func TestStore_KeyPersistedOwnerOnly(t *testing.T) {
	dir := t.TempDir()
	blob, err := NewStore(dir, true).Encrypt("sk-persist")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, KeyFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := NewStore(dir, true).Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "sk-persist", got)
}

func TestStore_DecryptWithWrongKeyFails(t *testing.T) {
	blob, err := NewStore(t.TempDir(), true).Encrypt("sk-secret")
	require.NoError(t, err)

	_, err = NewStore(t.TempDir(), true).Decrypt(blob)
	require.ErrorIs(t, err, ErrCrypto)
}

func TestStore_DecryptTamperedFails(t *testing.T) {
	store := NewStore(t.TempDir(), true)
	blob, err := store.Encrypt("sk-secret")
	require.NoError(t, err)

	last := blob[len(blob)-1]
	flipped := byte('0')
	if last == '0' {
		flipped = '1'
	}
	tampered := blob[:len(blob)-1] + string(flipped)

	_, err = store.Decrypt(tampered)
	require.ErrorIs(t, err, ErrCrypto)
}

func TestStore_DecryptMalformedBlobFails(t *testing.T) {
	store := NewStore(t.TempDir(), true)

	_, err := store.Decrypt("enc2:not-hex")
	require.ErrorIs(t, err, ErrCrypto)

	_, err = store.Decrypt("enc2:abcd")
	require.ErrorIs(t, err, ErrCrypto)
}

func TestStore_EncryptTwiceIsCallerError(t *testing.T) {
	store := NewStore(t.TempDir(), true)
	blob, err := store.Encrypt("sk-once")
	require.NoError(t, err)

	_, err = store.Encrypt(blob)
	require.ErrorIs(t, err, ErrCrypto)
}

func TestStore_CorruptKeyFileFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, KeyFileName), []byte("zz"), 0600))

	_, err := NewStore(dir, true).Encrypt("sk")
	require.ErrorIs(t, err, ErrCrypto)
}

func TestStore_ConcurrentUse(t *testing.T) {
	store := NewStore(t.TempDir(), true)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			blob, err := store.Encrypt("parallel")
			if err != nil {
				errs <- err
				return
			}
			if _, err := store.Decrypt(blob); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent encrypt/decrypt: %v", err)
	}
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "abcd***", Redact("abcdefgh"))
	assert.Equal(t, "***", Redact("ab"))
	assert.Equal(t, "***", Redact(""))
	assert.Equal(t, "1234***", Redact("12345"))
}

package seal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Тест проверяет шифрование и дешифрование данных.
func TestSealOpen(t *testing.T) {
	enc, err := NewEnc("supersecretkey", []byte("device-salt"))
	require.NoError(t, err)

	data := []byte(`[{"id":1,"title":"Flat"}]`)
	sealed, err := enc.Seal(data)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "Flat")

	opened, err := enc.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, data, opened)
}

func TestOpenWithWrongKey(t *testing.T) {
	a, err := NewEnc("key-a", []byte("salt"))
	require.NoError(t, err)
	b, err := NewEnc("key-b", []byte("salt"))
	require.NoError(t, err)

	sealed, err := a.Seal([]byte("hello world"))
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.Error(t, err)

	_, err = a.Open([]byte("x"))
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestEmptyPassphrase(t *testing.T) {
	_, err := NewEnc("", nil)
	assert.Error(t, err)
}

func TestLoadOrCreateSalt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "cache.salt")

	first, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	assert.Len(t, first, saltLen)

	// Повторный вызов возвращает ту же соль.
	second, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))
	_, err = LoadOrCreateSalt(path)
	assert.Error(t, err)
}

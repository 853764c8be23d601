package credential

import (
	"encoding/base64"
	"errors"
	"fmt"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_RoundTrip(t *testing.T) {
	v, err := NewVault("correct horse battery staple")
	require.NoError(t, err)

	for _, plain := range []string{"", "hunter2", "ya29.a0AfH6SM-token/with+chars=="} {
		ct, err := v.Encrypt(plain)
		require.NoError(t, err)
		assert.NotContains(t, ct, "hunter2")

		got, err := v.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestVault_NonceIsRandom(t *testing.T) {
	v, err := NewVault("secret")
	require.NoError(t, err)

	a, err := v.Encrypt("same")
	require.NoError(t, err)
	b, err := v.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVault_DecryptFailures(t *testing.T) {
	v, err := NewVault("secret")
	require.NoError(t, err)
	other, err := NewVault("other secret")
	require.NoError(t, err)

	good, err := v.Encrypt("payload")
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(good)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.RawURLEncoding.EncodeToString(raw)
	wrongKey, err := other.Encrypt("payload")
	require.NoError(t, err)

	tests := []struct {
		name       string
		ciphertext string
	}{
		{name: "not base64", ciphertext: "%%%"},
		{name: "too short", ciphertext: base64.RawURLEncoding.EncodeToString([]byte("abc"))},
		{name: "tampered", ciphertext: tampered},
		{name: "wrong key", ciphertext: wrongKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Decrypt(tt.ciphertext)
			require.Error(t, err)
			assert.True(t, IsCryptoError(err))
		})
	}
}

func TestVault_MissingKey(t *testing.T) {
	_, err := NewVault("")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingKey)

	var v *Vault
	_, err = v.Decrypt("anything")
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey()
	require.NoError(t, err)
	k2, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	_, err = NewVault(k1)
	assert.NoError(t, err)
}

type memKeySource struct {
	values map[string]string
	err    error
}

func (m *memKeySource) Get(key string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.values[key]
	if !ok {
		return "", fmt.Errorf("getting credential %q: %w", key, keyring.ErrKeyNotFound)
	}
	return v, nil
}

func (m *memKeySource) Set(key, value string) error {
	m.values[key] = value
	return nil
}

func TestLoadVault(t *testing.T) {
	fromConfig, err := LoadVault("configured", &memKeySource{err: errors.New("keyring must not be used")})
	require.NoError(t, err)
	ct, err := fromConfig.Encrypt("x")
	require.NoError(t, err)

	same, err := NewVault("configured")
	require.NoError(t, err)
	got, err := same.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "x", got)

	src := &memKeySource{values: map[string]string{VaultKeyName: "from-keyring"}}
	_, err = LoadVault("", src)
	assert.NoError(t, err)

	_, err = LoadVault("", &memKeySource{values: map[string]string{}})
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = LoadVault("", &memKeySource{err: errors.New("dbus unavailable")})
	assert.True(t, IsCryptoError(err))
}

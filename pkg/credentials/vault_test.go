package credentials

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var vaultTime = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault([]byte("master-secret"), WithVaultClock(func() time.Time { return vaultTime }))
	require.NoError(t, err)
	return v
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := DeriveKey([]byte("master-secret"), nil, "tiller/credentials")
	require.NoError(t, err)
	sealer, err := NewSealer(key)
	require.NoError(t, err)

	for _, plaintext := range []string{"", "k", "sk-live-abc123", "emoji 🔑 and spaces"} {
		sealed, err := sealer.Seal(plaintext)
		require.NoError(t, err)
		opened, err := sealer.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, opened)
	}
}

func TestSealUsesFreshNonces(t *testing.T) {
	key, err := DeriveKey([]byte("master-secret"), nil, "tiller/credentials")
	require.NoError(t, err)
	sealer, err := NewSealer(key)
	require.NoError(t, err)

	a, err := sealer.Seal("same value")
	require.NoError(t, err)
	b, err := sealer.Seal("same value")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDeriveKeyIsDeterministicPerInfo(t *testing.T) {
	a, err := DeriveKey([]byte("master"), nil, "tiller/credentials")
	require.NoError(t, err)
	b, err := DeriveKey([]byte("master"), nil, "tiller/credentials")
	require.NoError(t, err)
	c, err := DeriveKey([]byte("master"), nil, "tiller/other")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	_, err = DeriveKey(nil, nil, "tiller/credentials")
	assert.Error(t, err)
}

func TestOpenRejectsTampering(t *testing.T) {
	key, err := DeriveKey([]byte("master-secret"), nil, "tiller/credentials")
	require.NoError(t, err)
	sealer, err := NewSealer(key)
	require.NoError(t, err)

	sealed, err := sealer.Seal("secret")
	require.NoError(t, err)

	_, err = sealer.Open("A" + sealed[1:])
	assert.Error(t, err)

	_, err = sealer.Open("c2hvcnQ=") // valid base64, shorter than a nonce
	assert.Error(t, err)
}

func TestVaultGetMarksLastUsed(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Put("ads_api", "sk-live-abc123"))

	status, ok := v.Status("ads_api")
	require.True(t, ok)
	assert.Nil(t, status.LastUsedAt)
	assert.Equal(t, vaultTime, status.CreatedAt)

	secret, err := v.Get("ads_api")
	require.NoError(t, err)
	assert.Equal(t, "sk-live-abc123", secret)

	status, ok = v.Status("ads_api")
	require.True(t, ok)
	require.NotNil(t, status.LastUsedAt)
	assert.Equal(t, vaultTime, *status.LastUsedAt)
}

func TestVaultUnknownConnection(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownConnection)
	assert.False(t, v.Has("missing"))
}

func TestConnectionsForIsAllOrNothing(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Put("ads_api", "a"))
	require.NoError(t, v.Put("crm_api", "b"))

	conns, err := v.ConnectionsFor([]string{"ads_api", "crm_api"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ads_api": "a", "crm_api": "b"}, conns)

	_, err = v.ConnectionsFor([]string{"ads_api", "missing"})
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestRotateKeepsSecretsReadable(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Put("ads_api", "sk-live-abc123"))
	require.NoError(t, v.Put("crm_api", "token-xyz"))

	require.NoError(t, v.Rotate([]byte("next-master")))

	secret, err := v.Get("ads_api")
	require.NoError(t, err)
	assert.Equal(t, "sk-live-abc123", secret)
	secret, err = v.Get("crm_api")
	require.NoError(t, err)
	assert.Equal(t, "token-xyz", secret)

	assert.Error(t, v.Rotate(nil), "empty master rejected, vault unchanged")
	secret, err = v.Get("ads_api")
	require.NoError(t, err)
	assert.Equal(t, "sk-live-abc123", secret)
}

func TestPutReplacesValue(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Put("ads_api", "old"))
	require.NoError(t, v.Put("ads_api", "new"))

	secret, err := v.Get("ads_api")
	require.NoError(t, err)
	assert.Equal(t, "new", secret)
}

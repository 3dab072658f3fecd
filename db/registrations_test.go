package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrationSecretRoundTrip(t *testing.T) {
	store := NewRegistrationStore(nil, "cluster-secret")

	encrypted, err := store.encrypt("remote-password")
	require.NoError(t, err)
	assert.NotEqual(t, "remote-password", encrypted)

	decrypted, err := store.decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "remote-password", decrypted)
}

func TestRegistrationSecretNonceVaries(t *testing.T) {
	store := NewRegistrationStore(nil, "cluster-secret")

	first, err := store.encrypt("same-input")
	require.NoError(t, err)
	second, err := store.encrypt("same-input")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestRegistrationSecretWrongKey(t *testing.T) {
	store := NewRegistrationStore(nil, "cluster-secret")
	other := NewRegistrationStore(nil, "different-secret")

	encrypted, err := store.encrypt("remote-password")
	require.NoError(t, err)

	_, err = other.decrypt(encrypted)
	assert.Error(t, err)
}

func TestRegistrationSecretGarbageInput(t *testing.T) {
	store := NewRegistrationStore(nil, "cluster-secret")

	_, err := store.decrypt("not base64 at all!!!")
	assert.Error(t, err)

	_, err = store.decrypt("c2hvcnQ=")
	assert.Error(t, err)
}

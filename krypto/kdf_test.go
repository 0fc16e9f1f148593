package krypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveKeyslotKeyDeterministic(t *testing.T) {
	salt, err := NewRandomBytes(KeyslotSaltLen)
	require.NoError(t, err)

	k1, err := DeriveKeyslotKey([]byte("hunter2"), salt)
	require.NoError(t, err)
	k2, err := DeriveKeyslotKey([]byte("hunter2"), salt)
	require.NoError(t, err)

	require.Equal(t, k1, k2)
	require.Len(t, k1, 32)
}

func TestDeriveKeyslotKeyDifferentPasswordsDiffer(t *testing.T) {
	salt, err := NewRandomBytes(KeyslotSaltLen)
	require.NoError(t, err)

	k1, err := DeriveKeyslotKey([]byte("hunter2"), salt)
	require.NoError(t, err)
	k2, err := DeriveKeyslotKey([]byte("deniable"), salt)
	require.NoError(t, err)

	require.NotEqual(t, k1, k2)
}

func TestDeriveKeyslotKeyRejectsBadSalt(t *testing.T) {
	_, err := DeriveKeyslotKey([]byte("hunter2"), make([]byte, 12))
	require.Error(t, err)
}

func TestNewRandomBytesLength(t *testing.T) {
	b, err := NewRandomBytes(4096)
	require.NoError(t, err)
	require.Len(t, b, 4096)
}

package main

import (
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

func TestNewMatrixKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matrix_key.pem")
	require.NoError(t, newMatrixKey(path, ""))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	block, rest := pem.Decode(data)
	require.NotNil(t, block)
	assert.Empty(t, rest)
	assert.Equal(t, "MATRIX PRIVATE KEY", block.Type)
	assert.Regexp(t, `^ed25519:[a-zA-Z0-9_]+$`, block.Headers["Key-ID"])
	assert.Len(t, block.Bytes, ed25519.SeedSize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestNewMatrixKeyWithKeyID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matrix_key.pem")
	require.NoError(t, newMatrixKey(path, "ed25519:auto"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	assert.Equal(t, "ed25519:auto", block.Headers["Key-ID"])
}

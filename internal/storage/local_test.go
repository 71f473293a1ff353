package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir(), "https://cdn.example.com/")

	require.NoError(t, s.Put(ctx, "passes/1/ABC.pkpass", []byte("zip"), "application/vnd.apple.pkpass"))

	data, err := s.Get(ctx, "passes/1/ABC.pkpass")
	require.NoError(t, err)
	assert.Equal(t, []byte("zip"), data)

	require.NoError(t, s.Put(ctx, "passes/1/ABC.pkpass", []byte("zip2"), ""))
	data, err = s.Get(ctx, "passes/1/ABC.pkpass")
	require.NoError(t, err)
	assert.Equal(t, []byte("zip2"), data)

	_, err = s.Get(ctx, "passes/1/missing.pkpass")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, "https://cdn.example.com/images/strip.png", s.URL("images/strip.png"))
}

func TestLocalStore_StaysUnderRoot(t *testing.T) {
	root := t.TempDir()
	s := NewLocalStore(root, "")

	require.NoError(t, s.Put(context.Background(), "../../escape.txt", []byte("x"), ""))
	data, err := s.Get(context.Background(), "escape.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)

	assert.Empty(t, s.URL("escape.txt"))
}

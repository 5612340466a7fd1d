package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	in := []byte("hello")
	require.NoError(t, s.Set(ctx, "k", in))
	in[0] = 'j'

	got, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(got))

	got[0] = 'y'
	again, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "hello", string(again))
}

package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapStore map[string][]byte

func (m mapStore) Put(_ context.Context, key string, value []byte) error {
	m[key] = value
	return nil
}

func (m mapStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m mapStore) Close() error { return nil }

func TestUpdateFallsBackToGetPut(t *testing.T) {
	ctx := context.Background()
	s := mapStore{}

	require.NoError(t, Update(ctx, s, "k", func(current []byte, found bool) ([]byte, error) {
		assert.False(t, found)
		assert.Nil(t, current)
		return []byte("one"), nil
	}))
	require.NoError(t, Update(ctx, s, "k", func(current []byte, found bool) ([]byte, error) {
		assert.True(t, found)
		return append(current, "+two"...), nil
	}))
	assert.Equal(t, "one+two", string(s["k"]))

	boom := errors.New("boom")
	err := Update(ctx, s, "k", func([]byte, bool) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "one+two", string(s["k"]))
}

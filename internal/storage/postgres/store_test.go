package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/errors"
)

func TestInvalidKeysRejectedBeforeQuery(t *testing.T) {
	s := &Store{}
	ctx := context.Background()
	for _, key := range []string{"", "../index", `a\b`, ".."} {
		assert.ErrorIs(t, s.Put(ctx, key, []byte("x")), apperrors.ErrInvalidInput, key)
		_, err := s.Get(ctx, key)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput, key)
		err = s.Update(ctx, key, func([]byte, bool) ([]byte, error) {
			t.Fatal("update callback ran for invalid key")
			return nil, nil
		})
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput, key)
	}
}

func TestPermanentErrors(t *testing.T) {
	assert.True(t, permanent(context.Canceled))
	assert.True(t, permanent(context.DeadlineExceeded))
	assert.False(t, permanent(errors.New("connection reset by peer")))
}

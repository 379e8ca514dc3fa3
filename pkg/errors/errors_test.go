package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"document not found", ErrDocumentNotFound, KindNotFound},
		{"wrapped not found", fmt.Errorf("loading index: %w", ErrNotFound), KindNotFound},
		{"insufficient data", ErrInsufficientData, KindValidation},
		{"empty query", ErrEmptyQuery, KindValidation},
		{"malformed state", fmt.Errorf("decode: %w", ErrMalformedState), KindIO},
		{"not trained", ErrModelNotTrained, KindModelState},
		{"single class", ErrSingleClass, KindModelState},
		{"index not ready", ErrIndexNotReady, KindModelState},
		{"unknown", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestAppError(t *testing.T) {
	err := Newf(ErrInvalidInput, "position %d must be >= 1", 0)

	assert.True(t, errors.Is(err, ErrInvalidInput))
	assert.Equal(t, KindValidation, KindOf(fmt.Errorf("recording: %w", err)))
	assert.Equal(t, "invalid input: position 0 must be >= 1", err.Error())
	assert.False(t, IsNotFound(err))
	assert.True(t, IsNotFound(New(ErrDocumentNotFound, "d9")))
}

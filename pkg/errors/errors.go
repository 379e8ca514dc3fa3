// Package errors defines the sentinel errors shared by the index, feedback
// log, CTR model, and search engine, and classifies them into the kinds
// callers branch on (not-found, validation, I/O, model-state).
package errors

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrEmptyQuery       = errors.New("query is empty after tokenization")
	ErrInsufficientData = errors.New("insufficient training data")
	ErrStorage          = errors.New("storage failure")
	ErrMalformedState   = errors.New("malformed persisted state")
	ErrModelNotTrained  = errors.New("ctr model not trained")
	ErrSingleClass      = errors.New("training labels contain a single class")
	ErrIndexNotReady    = errors.New("index not loaded")
)

// Kind groups errors by how a caller is expected to react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindValidation
	KindIO
	KindModelState
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindIO:
		return "io"
	case KindModelState:
		return "model_state"
	default:
		return "internal"
	}
}

type AppError struct {
	Err     error
	Kind    Kind
	Message string
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, message string) *AppError {
	return &AppError{
		Err:     sentinel,
		Kind:    KindOf(sentinel),
		Message: message,
	}
}

func Newf(sentinel error, format string, args ...any) *AppError {
	return &AppError{
		Err:     sentinel,
		Kind:    KindOf(sentinel),
		Message: fmt.Sprintf(format, args...),
	}
}

// KindOf classifies err by the first sentinel found in its chain.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Kind != KindInternal {
		return appErr.Kind
	}

	switch {
	case errors.Is(err, ErrDocumentNotFound), errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrEmptyQuery), errors.Is(err, ErrInsufficientData):
		return KindValidation
	case errors.Is(err, ErrStorage), errors.Is(err, ErrMalformedState):
		return KindIO
	case errors.Is(err, ErrModelNotTrained), errors.Is(err, ErrSingleClass), errors.Is(err, ErrIndexNotReady):
		return KindModelState
	default:
		return KindInternal
	}
}

// IsNotFound reports whether err is a not-found condition.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

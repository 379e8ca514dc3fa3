package ctr

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/storage"
	apperrors "github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/errors"
)

// LoadError reports a persisted model that cannot be used.
type LoadError struct {
	Key    string
	Reason string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("malformed ctr model %q: %s", e.Key, e.Reason)
}

func (e *LoadError) Unwrap() error {
	return apperrors.ErrMalformedState
}

// Save writes the active state under key.
func (m *Model) Save(ctx context.Context, store storage.Store, key string) error {
	s := m.state.Load()
	if s == nil {
		return apperrors.New(apperrors.ErrModelNotTrained, "nothing to save")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling ctr model: %w", err)
	}
	if err := store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("saving ctr model: %w", err)
	}
	m.logger.Info("ctr model saved", "key", key, "samples", s.Samples)
	return nil
}

// Load replaces the active state with the one stored under key. A missing
// key returns storage.ErrNotFound and leaves the model untouched.
func (m *Model) Load(ctx context.Context, store storage.Store, key string) error {
	data, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("loading ctr model: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return &LoadError{Key: key, Reason: err.Error()}
	}
	if err := validateState(&s); err != nil {
		return &LoadError{Key: key, Reason: err.Error()}
	}
	m.state.Store(&s)
	m.logger.Info("ctr model loaded", "key", key, "samples", s.Samples, "trained_at", s.TrainedAt)
	return nil
}

func validateState(s *State) error {
	if len(s.Means) != NumFeatures || len(s.Stds) != NumFeatures {
		return fmt.Errorf("expected %d means and stds, got %d and %d", NumFeatures, len(s.Means), len(s.Stds))
	}
	for i, name := range FeatureNames {
		w, ok := s.Weights[name]
		if !ok {
			return fmt.Errorf("missing weight %q", name)
		}
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("weight %q is not finite", name)
		}
		if !(s.Stds[i] > 0) {
			return fmt.Errorf("std of %q must be positive", name)
		}
	}
	if s.DocCTR == nil {
		s.DocCTR = map[string]float64{}
	}
	if s.QueryCTR == nil {
		s.QueryCTR = map[string]float64{}
	}
	return nil
}

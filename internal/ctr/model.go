// Package ctr implements the click-through-rate re-ranking model: a
// logistic regression over engineered impression features, trained from the
// feedback log and swapped in atomically on success.
package ctr

import (
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/metrics"
)

// State is an immutable trained model. Means and Stds are indexed like
// FeatureNames; Weights apply to standardised features.
type State struct {
	Weights   map[string]float64 `json:"weights"`
	Bias      float64            `json:"bias"`
	Means     []float64          `json:"means"`
	Stds      []float64          `json:"stds"`
	History
	TrainedAt time.Time          `json:"trained_at"`
	Samples   int                `json:"samples"`
	AUC       float64            `json:"auc"`
}

// Score returns the click probability of a raw feature vector.
func (s *State) Score(v Vector) float64 {
	z := s.Bias
	for i, name := range FeatureNames {
		z += s.Weights[name] * (v[i] - s.Means[i]) / s.Stds[i]
	}
	return sigmoid(z)
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

type Model struct {
	cfg      config.ModelConfig
	analyzer tokenizer.Analyzer
	state    atomic.Pointer[State]
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option configures a Model.
type Option func(*Model)

func WithMetrics(m *metrics.Metrics) Option {
	return func(mo *Model) { mo.metrics = m }
}

// NewModel returns an untrained model. A nil analyzer uses tokenizer.Default.
func NewModel(cfg config.ModelConfig, analyzer tokenizer.Analyzer, opts ...Option) *Model {
	if analyzer == nil {
		analyzer = tokenizer.Default
	}
	defaults := config.Default().Model
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = defaults.MinSamples
	}
	if cfg.TestFraction <= 0 || cfg.TestFraction >= 1 {
		cfg.TestFraction = defaults.TestFraction
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = defaults.LearningRate
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = defaults.Iterations
	}
	m := &Model{
		cfg:      cfg,
		analyzer: analyzer,
		logger:   slog.Default().With("component", "ctr-model"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the model configuration with defaults applied.
func (m *Model) Config() config.ModelConfig {
	return m.cfg
}

func (m *Model) IsTrained() bool {
	return m.state.Load() != nil
}

// Snapshot returns the active state, or nil when untrained. The returned
// value must not be modified.
func (m *Model) Snapshot() *State {
	return m.state.Load()
}

// Features computes the raw feature vector using the active history tables.
func (m *Model) Features(query, docID string, position int, score float64, summary string) (Vector, error) {
	s := m.state.Load()
	if s == nil {
		return Vector{}, apperrors.New(apperrors.ErrModelNotTrained, "features need historical ctr tables")
	}
	return Extract(m.analyzer, s.History, query, docID, position, score, summary), nil
}

// PredictCTR returns the click probability in [0,1]. It fails with
// ErrModelNotTrained before the first successful training.
func (m *Model) PredictCTR(query, docID string, position int, score float64, summary string) (float64, error) {
	s := m.state.Load()
	if s == nil {
		return 0, apperrors.New(apperrors.ErrModelNotTrained, "predict called before training")
	}
	v := Extract(m.analyzer, s.History, query, docID, position, score, summary)
	return s.Score(v), nil
}

// Candidate is one ranked result to score.
type Candidate struct {
	DocID    string
	Position int
	Score    float64
	Summary  string
}

// PredictBatch scores every candidate against a single state, so a model
// swapped in mid-call cannot mix two models in one ranking.
func (m *Model) PredictBatch(query string, candidates []Candidate) ([]float64, error) {
	s := m.state.Load()
	if s == nil {
		return nil, apperrors.New(apperrors.ErrModelNotTrained, "predict called before training")
	}
	out := make([]float64, len(candidates))
	for i, c := range candidates {
		out[i] = s.Score(Extract(m.analyzer, s.History, query, c.DocID, c.Position, c.Score, c.Summary))
	}
	return out, nil
}

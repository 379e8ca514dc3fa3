package ctr

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/feedback"
	apperrors "github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/errors"
)

// TrainResult reports held-out evaluation of a successful training run.
type TrainResult struct {
	AUC                float64            `json:"auc"`
	Precision          float64            `json:"precision"`
	Recall             float64            `json:"recall"`
	F1                 float64            `json:"f1"`
	TrainSamples       int                `json:"train_samples"`
	TestSamples        int                `json:"test_samples"`
	FeatureWeights     map[string]float64 `json:"feature_weights"`
	HeldOutSingleClass bool               `json:"held_out_single_class"`
}

type sample struct {
	x     Vector
	label float64
}

// Train fits a new model on records and, only on success, replaces the
// active state. The previous state stays authoritative on any error.
func (m *Model) Train(ctx context.Context, records []feedback.Record) (*TrainResult, error) {
	start := time.Now()
	res, state, err := m.fit(ctx, records)
	if err != nil {
		m.observe(trainStatus(err), 0)
		m.logger.Warn("ctr training failed", "records", len(records), "error", err)
		return nil, err
	}
	m.state.Store(state)
	m.observe("success", time.Since(start))
	if m.metrics != nil {
		m.metrics.ModelAUC.Set(res.AUC)
	}
	m.logger.Info("ctr model trained",
		"train_samples", res.TrainSamples,
		"test_samples", res.TestSamples,
		"auc", res.AUC,
		"f1", res.F1,
		"duration", time.Since(start),
	)
	return res, nil
}

func (m *Model) observe(status string, d time.Duration) {
	if m.metrics == nil {
		return
	}
	m.metrics.TrainingRunsTotal.WithLabelValues(status).Inc()
	if status == "success" {
		m.metrics.TrainingDuration.Observe(d.Seconds())
	}
}

func trainStatus(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, apperrors.ErrSingleClass):
		return "single_class"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func (m *Model) fit(ctx context.Context, records []feedback.Record) (*TrainResult, *State, error) {
	if len(records) < m.cfg.MinSamples {
		return nil, nil, apperrors.Newf(apperrors.ErrInsufficientData,
			"need at least %d records, have %d", m.cfg.MinSamples, len(records))
	}
	history := BuildHistory(records)

	var pos, neg []sample
	for _, r := range records {
		s := sample{x: Extract(m.analyzer, history, r.Query, r.DocID, r.Position, r.Score, r.Summary)}
		if r.Clicked {
			s.label = 1
			pos = append(pos, s)
		} else {
			neg = append(neg, s)
		}
	}
	if len(pos) == 0 || len(neg) == 0 {
		return nil, nil, apperrors.Newf(apperrors.ErrSingleClass,
			"%d clicked and %d unclicked records", len(pos), len(neg))
	}

	rng := rand.New(rand.NewPCG(m.cfg.Seed, m.cfg.Seed^0x9e3779b97f4a7c15))
	trainPos, testPos := split(rng, pos, m.cfg.TestFraction)
	trainNeg, testNeg := split(rng, neg, m.cfg.TestFraction)
	train := append(trainPos, trainNeg...)
	test := append(testPos, testNeg...)

	means, stds := standardise(train)
	weights, bias, err := m.descend(ctx, train, means, stds)
	if err != nil {
		return nil, nil, err
	}

	named := make(map[string]float64, NumFeatures)
	for i, name := range FeatureNames {
		named[name] = weights[i]
	}
	state := &State{
		Weights:   named,
		Bias:      bias,
		Means:     means,
		Stds:      stds,
		History:   history,
		TrainedAt: time.Now().UTC(),
		Samples:   len(records),
	}

	res := evaluate(state, test)
	res.TrainSamples = len(train)
	res.TestSamples = len(test)
	res.FeatureWeights = make(map[string]float64, NumFeatures)
	for k, v := range named {
		res.FeatureWeights[k] = v
	}
	state.AUC = res.AUC
	return res, state, nil
}

// split shuffles one class and holds out round(len*fraction) samples. A
// class with two or more samples lands in both partitions; a single sample
// goes to training.
func split(rng *rand.Rand, class []sample, fraction float64) (train, test []sample) {
	shuffled := append([]sample(nil), class...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	n := len(shuffled)
	nTest := int(math.Round(float64(n) * fraction))
	if n >= 2 {
		nTest = min(max(nTest, 1), n-1)
	} else {
		nTest = 0
	}
	return shuffled[nTest:], shuffled[:nTest:nTest]
}

func standardise(train []sample) ([]float64, []float64) {
	means := make([]float64, NumFeatures)
	stds := make([]float64, NumFeatures)
	n := float64(len(train))
	for _, s := range train {
		for i, v := range s.x {
			means[i] += v
		}
	}
	for i := range means {
		means[i] /= n
	}
	for _, s := range train {
		for i, v := range s.x {
			d := v - means[i]
			stds[i] += d * d
		}
	}
	for i := range stds {
		stds[i] = math.Sqrt(stds[i] / n)
		if stds[i] < 1e-12 {
			stds[i] = 1
		}
	}
	return means, stds
}

// descend runs full-batch gradient descent on the L2-regularised log loss.
func (m *Model) descend(ctx context.Context, train []sample, means, stds []float64) (Vector, float64, error) {
	xs := make([]Vector, len(train))
	for k, s := range train {
		for i := range s.x {
			xs[k][i] = (s.x[i] - means[i]) / stds[i]
		}
	}
	var w Vector
	var b float64
	n := float64(len(train))
	lr, l2 := m.cfg.LearningRate, m.cfg.L2
	for iter := 0; iter < m.cfg.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return Vector{}, 0, err
		}
		var gw Vector
		var gb float64
		for k, x := range xs {
			z := b
			for i := range x {
				z += w[i] * x[i]
			}
			diff := sigmoid(z) - train[k].label
			for i := range x {
				gw[i] += diff * x[i]
			}
			gb += diff
		}
		for i := range w {
			w[i] -= lr * (gw[i]/n + l2*w[i])
		}
		b -= lr * gb / n
	}
	return w, b, nil
}

func evaluate(state *State, test []sample) *TrainResult {
	res := &TrainResult{}
	scores := make([]float64, len(test))
	var tp, fp, fn, nPos int
	for k, s := range test {
		p := state.Score(s.x)
		scores[k] = p
		predicted := p >= 0.5
		actual := s.label == 1
		if actual {
			nPos++
		}
		switch {
		case predicted && actual:
			tp++
		case predicted && !actual:
			fp++
		case !predicted && actual:
			fn++
		}
	}
	if tp+fp > 0 {
		res.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		res.Recall = float64(tp) / float64(tp+fn)
	}
	if res.Precision+res.Recall > 0 {
		res.F1 = 2 * res.Precision * res.Recall / (res.Precision + res.Recall)
	}
	if nPos == 0 || nPos == len(test) {
		res.AUC = 0.5
		res.HeldOutSingleClass = true
		return res
	}
	res.AUC = auc(scores, test, nPos)
	return res
}

// auc is the Mann-Whitney statistic with average ranks for tied scores.
func auc(scores []float64, test []sample, nPos int) float64 {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return scores[order[i]] < scores[order[j]] })

	var rankSum float64
	for i := 0; i < len(order); {
		j := i
		for j+1 < len(order) && scores[order[j+1]] == scores[order[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			if test[order[k]].label == 1 {
				rankSum += avg
			}
		}
		i = j + 1
	}
	nNeg := len(scores) - nPos
	return (rankSum - float64(nPos*(nPos+1))/2) / float64(nPos*nNeg)
}

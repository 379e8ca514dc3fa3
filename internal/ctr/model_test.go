package ctr

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/feedback"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/storage/badger"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/errors"
)

func newModel() *Model {
	return NewModel(config.Default().Model, tokenizer.Default)
}

// clickLog builds n impressions per query where position 1 is always
// clicked and deeper positions never are.
func clickLog(queries, depth int) []feedback.Record {
	var recs []feedback.Record
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for q := 0; q < queries; q++ {
		query := fmt.Sprintf("golang query %d", q)
		for pos := 1; pos <= depth; pos++ {
			recs = append(recs, feedback.Record{
				Timestamp: ts,
				Query:     query,
				DocID:     fmt.Sprintf("doc-%d", (q+pos)%7),
				Position:  pos,
				Score:     1 / float64(pos),
				Clicked:   pos == 1,
				Summary:   "golang search engine summary text",
			})
		}
	}
	return recs
}

func TestTrainInsufficientData(t *testing.T) {
	m := newModel()
	_, err := m.Train(context.Background(), clickLog(1, 4))
	assert.ErrorIs(t, err, apperrors.ErrInsufficientData)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
	assert.False(t, m.IsTrained())
}

func TestTrainSingleClass(t *testing.T) {
	recs := clickLog(2, 5)
	for i := range recs {
		recs[i].Clicked = false
	}
	m := newModel()
	_, err := m.Train(context.Background(), recs)
	assert.ErrorIs(t, err, apperrors.ErrSingleClass)
	assert.Equal(t, apperrors.KindModelState, apperrors.KindOf(err))
	assert.False(t, m.IsTrained())
}

func TestTrainMinimalMixed(t *testing.T) {
	m := newModel()
	res, err := m.Train(context.Background(), clickLog(1, 5))
	require.NoError(t, err)
	assert.True(t, m.IsTrained())
	assert.Equal(t, 5, res.TrainSamples+res.TestSamples)
	assert.Len(t, res.FeatureWeights, NumFeatures)
	// One clicked record cannot be held out.
	assert.True(t, res.HeldOutSingleClass)
	assert.Equal(t, 0.5, res.AUC)
}

func TestTrainLearnsPositionSignal(t *testing.T) {
	m := newModel()
	res, err := m.Train(context.Background(), clickLog(20, 5))
	require.NoError(t, err)
	assert.False(t, res.HeldOutSingleClass)
	assert.Greater(t, res.AUC, 0.9)
	assert.Equal(t, 80, res.TrainSamples)
	assert.Equal(t, 20, res.TestSamples)
	assert.Greater(t, res.FeatureWeights["position_decay"], 0.0)

	top, err := m.PredictCTR("golang query 3", "doc-4", 1, 1, "golang search engine summary text")
	require.NoError(t, err)
	deep, err := m.PredictCTR("golang query 3", "doc-1", 5, 0.2, "golang search engine summary text")
	require.NoError(t, err)
	assert.Greater(t, top, deep)
	for _, p := range []float64{top, deep} {
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
	}
}

func TestTrainIsReproducible(t *testing.T) {
	a, b := newModel(), newModel()
	ra, err := a.Train(context.Background(), clickLog(10, 4))
	require.NoError(t, err)
	rb, err := b.Train(context.Background(), clickLog(10, 4))
	require.NoError(t, err)
	assert.Equal(t, ra, rb)
}

func TestPredictBeforeTraining(t *testing.T) {
	m := newModel()
	_, err := m.PredictCTR("q", "d", 1, 0.5, "s")
	assert.ErrorIs(t, err, apperrors.ErrModelNotTrained)
	_, err = m.Features("q", "d", 1, 0.5, "s")
	assert.ErrorIs(t, err, apperrors.ErrModelNotTrained)
	assert.Nil(t, m.Snapshot())
}

func TestPredictionReproducibleFromSnapshot(t *testing.T) {
	m := newModel()
	_, err := m.Train(context.Background(), clickLog(8, 5))
	require.NoError(t, err)

	query, doc, summary := "golang query 2", "doc-3", "a golang summary"
	v, err := m.Features(query, doc, 2, 0.7, summary)
	require.NoError(t, err)

	s := m.Snapshot()
	z := s.Bias
	for i, name := range FeatureNames {
		z += s.Weights[name] * (v[i] - s.Means[i]) / s.Stds[i]
	}
	want := 1 / (1 + math.Exp(-z))

	got, err := m.PredictCTR(query, doc, 2, 0.7, summary)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFailedTrainingKeepsPreviousModel(t *testing.T) {
	m := newModel()
	_, err := m.Train(context.Background(), clickLog(8, 5))
	require.NoError(t, err)
	before := m.Snapshot()

	_, err = m.Train(context.Background(), clickLog(1, 3))
	require.Error(t, err)
	assert.Same(t, before, m.Snapshot())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Train(ctx, clickLog(8, 5))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Same(t, before, m.Snapshot())
}

func TestRetrainReplacesState(t *testing.T) {
	m := newModel()
	_, err := m.Train(context.Background(), clickLog(8, 5))
	require.NoError(t, err)
	first := m.Snapshot()
	_, err = m.Train(context.Background(), clickLog(4, 5))
	require.NoError(t, err)
	assert.NotSame(t, first, m.Snapshot())
	assert.Equal(t, 20, m.Snapshot().Samples)
}

func TestFeatures(t *testing.T) {
	h := History{
		DocCTR:   map[string]float64{"d1": 0.5},
		QueryCTR: map[string]float64{"cats": 0.25},
	}
	v := Extract(tokenizer.Default, h, "cats", "d1", 1, 0.3, "The cat sat on a mat")
	assert.Equal(t, 0.5, v[0])
	assert.Equal(t, 1.0, v[1])
	assert.Equal(t, 0.3, v[2])
	assert.Equal(t, 1.0, v[3])
	assert.Equal(t, 0.5, v[4])
	assert.Equal(t, 0.25, v[5])
	assert.Equal(t, 4.0, v[6])
	assert.Equal(t, 3.0, v[7])
	assert.Equal(t, 20.0, v[8])

	unseen := Extract(tokenizer.Default, h, "dogs", "d9", 3, 0, "")
	assert.Equal(t, 0.25, unseen[0])
	assert.Zero(t, unseen[3])
	assert.Zero(t, unseen[4])
	assert.Zero(t, unseen[5])
}

func TestBuildHistory(t *testing.T) {
	h := BuildHistory([]feedback.Record{
		{Query: "a", DocID: "x", Clicked: true},
		{Query: "a", DocID: "y"},
		{Query: "b", DocID: "x"},
		{Query: "b", DocID: "x"},
	})
	assert.InDelta(t, 1.0/3, h.DocCTR["x"], 1e-12)
	assert.Zero(t, h.DocCTR["y"])
	assert.Equal(t, 0.5, h.QueryCTR["a"])
	assert.Zero(t, h.QueryCTR["b"])
}

func TestAUCWithTies(t *testing.T) {
	test := []sample{{label: 1}, {label: 0}, {label: 1}, {label: 0}}
	assert.Equal(t, 1.0, auc([]float64{0.9, 0.1, 0.8, 0.2}, test, 2))
	assert.Equal(t, 0.5, auc([]float64{0.5, 0.5, 0.5, 0.5}, test, 2))
	assert.Equal(t, 0.0, auc([]float64{0.1, 0.9, 0.2, 0.8}, test, 2))
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	store, err := badger.Open("", true)
	require.NoError(t, err)
	defer store.Close()

	m := newModel()
	assert.ErrorIs(t, m.Save(ctx, store, "ctr_model"), apperrors.ErrModelNotTrained)
	_, err = m.Train(ctx, clickLog(8, 5))
	require.NoError(t, err)
	require.NoError(t, m.Save(ctx, store, "ctr_model"))

	loaded := newModel()
	require.NoError(t, loaded.Load(ctx, store, "ctr_model"))
	assert.True(t, loaded.IsTrained())
	want, err := m.PredictCTR("golang query 1", "doc-2", 3, 0.4, "golang text")
	require.NoError(t, err)
	got, err := loaded.PredictCTR("golang query 1", "doc-2", 3, 0.4, "golang text")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	fresh := newModel()
	assert.ErrorIs(t, fresh.Load(ctx, store, "absent"), storage.ErrNotFound)
	require.NoError(t, store.Put(ctx, "broken", []byte(`{"weights":{},"means":[1],"stds":[1]}`)))
	err = fresh.Load(ctx, store, "broken")
	var loadErr *LoadError
	assert.ErrorAs(t, err, &loadErr)
	assert.False(t, fresh.IsTrained())
}

func TestPredictBatchMatchesSingle(t *testing.T) {
	m := newModel()
	_, err := m.PredictBatch("q", []Candidate{{DocID: "d", Position: 1}})
	assert.ErrorIs(t, err, apperrors.ErrModelNotTrained)

	_, err = m.Train(context.Background(), clickLog(8, 5))
	require.NoError(t, err)
	cands := []Candidate{
		{DocID: "doc-1", Position: 1, Score: 0.9, Summary: "golang"},
		{DocID: "doc-2", Position: 2, Score: 0.5, Summary: "search"},
	}
	batch, err := m.PredictBatch("golang query 1", cands)
	require.NoError(t, err)
	for i, c := range cands {
		p, err := m.PredictCTR("golang query 1", c.DocID, c.Position, c.Score, c.Summary)
		require.NoError(t, err)
		assert.Equal(t, p, batch[i])
	}
}

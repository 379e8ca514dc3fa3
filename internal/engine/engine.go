// Package engine composes the index, the CTR model and the feedback log into
// the retrieve-then-rank pipeline. Retrieval returns TF-IDF candidates;
// ranking re-scores them with the CTR model once it is trained and keeps
// TF-IDF order until then.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/ctr"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/feedback"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/storage"
	apperrors "github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/metrics"
)

// Result is one ranked document. CTRScore is nil when the model was not
// trained at ranking time.
type Result struct {
	DocID      string   `json:"doc_id"`
	TFIDFScore float64  `json:"tfidf_score"`
	CTRScore   *float64 `json:"ctr_score"`
	Summary    string   `json:"summary"`
}

type Engine struct {
	mu      sync.RWMutex
	index   *index.Index
	current []Result

	model    *ctr.Model
	feedback *feedback.Log
	cache    *cache.Cache
	metrics  *metrics.Metrics

	modelStore storage.Store
	modelKey   string

	poolMu     sync.Mutex
	pool       *ants.Pool
	ownsPool   bool
	poolClosed bool
	group      singleflight.Group

	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithIndex attaches the index used for retrieval.
func WithIndex(ix *index.Index) Option {
	return func(e *Engine) { e.index = ix }
}

// WithFeedback attaches the log impressions and clicks are written to and
// training reads from.
func WithFeedback(l *feedback.Log) Option {
	return func(e *Engine) { e.feedback = l }
}

// WithCache enables the Redis retrieval cache.
func WithCache(c *cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTrainPool runs TrainAsync on p instead of an engine-owned pool.
func WithTrainPool(p *ants.Pool) Option {
	return func(e *Engine) { e.pool = p }
}

// WithModelStore saves the model under key after every successful training.
func WithModelStore(store storage.Store, key string) Option {
	return func(e *Engine) {
		e.modelStore = store
		e.modelKey = key
	}
}

func New(model *ctr.Model, opts ...Option) *Engine {
	e := &Engine{
		model:  model,
		logger: slog.Default().With("component", "search-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.updateIndexGauge()
	return e
}

// Close releases the training pool if the engine created it.
func (e *Engine) Close() {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()
	e.poolClosed = true
	if e.ownsPool && e.pool != nil {
		e.pool.Release()
	}
}

// AttachIndex swaps the index used by subsequent calls.
func (e *Engine) AttachIndex(ctx context.Context, ix *index.Index) {
	e.mu.Lock()
	e.index = ix
	e.current = nil
	e.mu.Unlock()
	e.invalidate(ctx)
	e.updateIndexGauge()
}

// Index returns the attached index, or nil.
func (e *Engine) Index() *index.Index {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.index
}

func (e *Engine) requireIndex() (*index.Index, error) {
	ix := e.Index()
	if ix == nil {
		return nil, apperrors.New(apperrors.ErrIndexNotReady, "no index attached")
	}
	return ix, nil
}

func (e *Engine) Model() *ctr.Model {
	return e.model
}

// Retrieve returns the ids of the topK TF-IDF matches for query.
func (e *Engine) Retrieve(ctx context.Context, query string, topK int) ([]string, error) {
	ix, err := e.requireIndex()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	defer e.observeStage("retrieve", start)

	compute := func() ([]string, error) {
		hits := ix.Search(query, topK)
		ids := make([]string, len(hits))
		for i, h := range hits {
			ids[i] = h.DocID
		}
		return ids, nil
	}
	if e.cache == nil {
		return compute()
	}
	terms := ix.QueryTerms(query)
	if len(terms) == 0 {
		return []string{}, nil
	}
	ids, _, err := e.cache.GetOrCompute(ctx, terms, topK, compute)
	return ids, err
}

// Rank re-scores the candidates. Scores and summaries are re-fetched from
// the index; unknown or duplicate ids and candidates sharing no query term
// are dropped. With a trained model each surviving candidate is scored at its
// 1-based position among the survivors, in docIDs order, and the list is
// ordered by CTR, otherwise by TF-IDF. Ties go to the smaller doc id. The
// result becomes the engine's current results.
func (e *Engine) Rank(ctx context.Context, query string, docIDs []string, topK int) ([]Result, error) {
	ix, err := e.requireIndex()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	defer e.observeStage("rank", start)

	hits := ix.Lookup(query, docIDs)
	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{DocID: h.DocID, TFIDFScore: h.Score, Summary: h.Summary}
	}

	mode := "tfidf"
	if e.model != nil && e.model.IsTrained() {
		cands := make([]ctr.Candidate, len(hits))
		for i, h := range hits {
			cands[i] = ctr.Candidate{
				DocID:    h.DocID,
				Position: i + 1,
				Score:    h.Score,
				Summary:  ix.StripHighlight(h.Summary),
			}
		}
		scores, err := e.model.PredictBatch(query, cands)
		switch {
		case err == nil:
			mode = "ctr"
			for i := range results {
				s := scores[i]
				results[i].CTRScore = &s
			}
		case errors.Is(err, apperrors.ErrModelNotTrained):
		default:
			e.countQuery(mode, "error")
			return nil, fmt.Errorf("predicting ctr: %w", err)
		}
	}
	sortResults(results, mode == "ctr")
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}

	e.mu.Lock()
	e.current = results
	e.mu.Unlock()

	e.countQuery(mode, "ok")
	if e.metrics != nil {
		e.metrics.SearchResultsCount.Observe(float64(len(results)))
	}
	e.logger.Debug("ranked", "query", query, "mode", mode, "candidates", len(docIDs), "results", len(results))
	return cloneResults(results), nil
}

func sortResults(results []Result, byCTR bool) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if byCTR && *a.CTRScore != *b.CTRScore {
			return *a.CTRScore > *b.CTRScore
		}
		if !byCTR && a.TFIDFScore != b.TFIDFScore {
			return a.TFIDFScore > b.TFIDFScore
		}
		return a.DocID < b.DocID
	})
}

// Search runs retrieve and rank and records the returned page as
// impressions at 1-based display positions with plain-text summaries.
func (e *Engine) Search(ctx context.Context, query string, retrieveK, rankK int) ([]Result, error) {
	ix, err := e.requireIndex()
	if err != nil {
		return nil, err
	}
	if len(ix.QueryTerms(query)) == 0 {
		e.countQuery("none", "empty_query")
		return nil, apperrors.New(apperrors.ErrEmptyQuery, query)
	}
	ids, err := e.Retrieve(ctx, query, retrieveK)
	if err != nil {
		return nil, fmt.Errorf("retrieving: %w", err)
	}
	results, err := e.Rank(ctx, query, ids, rankK)
	if err != nil {
		return nil, fmt.Errorf("ranking: %w", err)
	}
	if e.feedback == nil || len(results) == 0 {
		return results, nil
	}
	page := make([]feedback.Impression, len(results))
	for i, r := range results {
		page[i] = feedback.Impression{
			DocID:    r.DocID,
			Position: i + 1,
			Score:    r.TFIDFScore,
			Summary:  ix.StripHighlight(r.Summary),
		}
	}
	if _, err := e.feedback.RecordImpressions(ctx, query, page); err != nil {
		return nil, fmt.Errorf("recording impressions: %w", err)
	}
	return results, nil
}

// RecordClick attributes a click to the earliest matching impression.
func (e *Engine) RecordClick(ctx context.Context, query, docID string, position int) (bool, error) {
	if e.feedback == nil {
		return false, apperrors.New(apperrors.ErrInvalidInput, "no feedback log configured")
	}
	return e.feedback.RecordClick(ctx, query, docID, position)
}

// CurrentResults returns the results of the last Rank call.
func (e *Engine) CurrentResults() []Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneResults(e.current)
}

func (e *Engine) Stats() (index.Stats, error) {
	ix, err := e.requireIndex()
	if err != nil {
		return index.Stats{}, err
	}
	return ix.Stats(), nil
}

// AddDocument indexes a document and invalidates cached retrievals.
func (e *Engine) AddDocument(ctx context.Context, docID, content string) error {
	ix, err := e.requireIndex()
	if err != nil {
		return err
	}
	if err := ix.AddDocument(docID, content); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.DocsIndexedTotal.Inc()
	}
	e.updateIndexGauge()
	e.invalidate(ctx)
	return nil
}

// DeleteDocument removes a document and invalidates cached retrievals. It
// reports whether the document existed.
func (e *Engine) DeleteDocument(ctx context.Context, docID string) (bool, error) {
	ix, err := e.requireIndex()
	if err != nil {
		return false, err
	}
	if !ix.DeleteDocument(docID) {
		return false, nil
	}
	if e.metrics != nil {
		e.metrics.DocsDeletedTotal.Inc()
	}
	e.updateIndexGauge()
	e.invalidate(ctx)
	return true, nil
}

func (e *Engine) invalidate(ctx context.Context) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx); err != nil {
		e.logger.Error("retrieval cache invalidation failed", "error", err)
	}
}

func (e *Engine) updateIndexGauge() {
	if e.metrics == nil {
		return
	}
	if ix := e.Index(); ix != nil {
		e.metrics.IndexDocuments.Set(float64(ix.Len()))
	}
}

func (e *Engine) observeStage(stage string, start time.Time) {
	if e.metrics != nil {
		e.metrics.SearchLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

func (e *Engine) countQuery(mode, outcome string) {
	if e.metrics != nil {
		e.metrics.SearchQueriesTotal.WithLabelValues(mode, outcome).Inc()
	}
}

func cloneResults(in []Result) []Result {
	if in == nil {
		return nil
	}
	out := make([]Result, len(in))
	copy(out, in)
	return out
}

// Train fits the model on the feedback log after merging in records other
// processes have persisted to the same store. Concurrent calls share
// one run. The model is saved to the model store when one is configured; a
// failed save is reported but the trained model stays active.
func (e *Engine) Train(ctx context.Context) (*ctr.TrainResult, error) {
	if e.model == nil {
		return nil, apperrors.New(apperrors.ErrModelNotTrained, "no model configured")
	}
	if e.feedback == nil {
		return nil, apperrors.New(apperrors.ErrInsufficientData, "no feedback log configured")
	}
	v, err, shared := e.group.Do("train", func() (any, error) {
		if err := e.feedback.Refresh(ctx); err != nil {
			return nil, err
		}
		records := e.feedback.Export().Records
		res, err := e.model.Train(ctx, records)
		if err != nil {
			return nil, err
		}
		if e.modelStore != nil {
			if err := e.model.Save(ctx, e.modelStore, e.modelKey); err != nil {
				return res, fmt.Errorf("saving model: %w", err)
			}
		}
		return res, nil
	})
	if shared {
		e.logger.Debug("joined in-flight training run")
	}
	res, _ := v.(*ctr.TrainResult)
	return res, err
}

// TrainOutcome is delivered on the channel passed to TrainAsync.
type TrainOutcome struct {
	Result *ctr.TrainResult
	Err    error
}

// TrainAsync submits a training run to the worker pool. The outcome is sent
// on done when done is non-nil; the channel must have room for one value.
func (e *Engine) TrainAsync(ctx context.Context, done chan<- TrainOutcome) error {
	pool, err := e.trainPool()
	if err != nil {
		return err
	}
	err = pool.Submit(func() {
		res, err := e.Train(ctx)
		if err != nil {
			e.logger.Warn("background training failed", "error", err)
		} else {
			e.logger.Info("background training finished", "auc", res.AUC, "train_samples", res.TrainSamples)
		}
		if done != nil {
			done <- TrainOutcome{Result: res, Err: err}
		}
	})
	if err != nil {
		return fmt.Errorf("submitting training task: %w", err)
	}
	return nil
}

func (e *Engine) trainPool() (*ants.Pool, error) {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()
	if e.poolClosed {
		return nil, fmt.Errorf("engine closed: %w", ants.ErrPoolClosed)
	}
	if e.pool != nil {
		return e.pool, nil
	}
	size := 1
	if e.model != nil {
		size = max(e.model.Config().TrainWorkers, 1)
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("creating training pool: %w", err)
	}
	e.pool, e.ownsPool = pool, true
	return pool, nil
}

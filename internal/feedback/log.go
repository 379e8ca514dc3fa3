// Package feedback implements the impression/click log the CTR model is
// trained from. Every mutation re-reads the persisted log, merges it by record
// id and writes the result back through storage.Update before it becomes
// visible, so several processes can append to and click on one log. A failed
// write leaves the in-memory log unchanged.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/storage"
	apperrors "github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/metrics"
)

// Record is one impression: a document shown at a 1-based position for a
// query. Clicked flips from false to true at most once.
type Record struct {
	ID        string     `json:"id"`
	Timestamp time.Time  `json:"timestamp"`
	Query     string     `json:"query"`
	DocID     string     `json:"doc_id"`
	Position  int        `json:"position"`
	Score     float64    `json:"score"`
	Clicked   bool       `json:"clicked"`
	ClickedAt *time.Time `json:"clicked_at,omitempty"`
	Summary   string     `json:"summary"`
}

// Impression is one entry of a result page passed to RecordImpressions.
type Impression struct {
	DocID    string
	Position int
	Score    float64
	Summary  string
}

// Export is the full log together with its totals. It is also the persisted
// format.
type Export struct {
	Records      []Record `json:"records"`
	TotalRecords int      `json:"total_records"`
	TotalClicks  int      `json:"total_clicks"`
	OverallCTR   float64  `json:"overall_ctr"`
}

type Stats struct {
	TotalImpressions int     `json:"total_impressions"`
	TotalClicks      int     `json:"total_clicks"`
	OverallCTR       float64 `json:"overall_ctr"`
}

// LoadError reports a persisted log that cannot be decoded.
type LoadError struct {
	Key    string
	Reason string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("malformed feedback log %q: %s", e.Key, e.Reason)
}

func (e *LoadError) Unwrap() error {
	return apperrors.ErrMalformedState
}

type Log struct {
	mu      sync.Mutex
	store   storage.Store
	key     string
	records []Record
	clicks  int

	tracker Tracker
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithTracker forwards successful writes to t.
func WithTracker(t Tracker) Option {
	return func(l *Log) { l.tracker = t }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Log) { l.metrics = m }
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// Open loads the log stored under key, starting empty when none exists.
func Open(ctx context.Context, store storage.Store, key string, opts ...Option) (*Log, error) {
	l := &Log{
		store:  store,
		key:    key,
		now:    time.Now,
		logger: slog.Default().With("component", "feedback-log"),
	}
	for _, opt := range opts {
		opt(l)
	}

	data, err := store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		l.logger.Info("starting empty feedback log", "key", key)
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading feedback log: %w", err)
	}
	records, clicks, err := decode(key, data)
	if err != nil {
		return nil, err
	}
	l.records = records
	l.clicks = clicks
	l.logger.Info("feedback log loaded", "key", key, "records", len(records), "clicks", clicks)
	return l, nil
}

func decode(key string, data []byte) ([]Record, int, error) {
	var exp Export
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, 0, &LoadError{Key: key, Reason: err.Error()}
	}
	clicks := 0
	for i := range exp.Records {
		rec := &exp.Records[i]
		if rec.Query == "" || rec.DocID == "" || rec.Position < 1 {
			return nil, 0, &LoadError{Key: key, Reason: fmt.Sprintf("record %d is incomplete", i)}
		}
		if rec.ID == "" {
			rec.ID = legacyID(i, *rec)
		}
		if rec.Clicked {
			clicks++
		}
	}
	if exp.TotalRecords != len(exp.Records) || exp.TotalClicks != clicks {
		return nil, 0, &LoadError{Key: key, Reason: fmt.Sprintf(
			"totals %d/%d disagree with records %d/%d", exp.TotalRecords, exp.TotalClicks, len(exp.Records), clicks)}
	}
	return exp.Records, clicks, nil
}

// legacyID derives a stable id for a record persisted without one, so that
// repeated reloads of the same blob agree on it.
func legacyID(i int, rec Record) string {
	name := fmt.Sprintf("%d|%s|%s|%d|%s", i, rec.Query, rec.DocID, rec.Position, rec.Timestamp.Format(time.RFC3339Nano))
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// merge returns the persisted records followed by any local records the
// persisted copy lacks. A click seen on either side is kept.
func merge(persisted, local []Record) []Record {
	out := make([]Record, len(persisted), len(persisted)+len(local))
	copy(out, persisted)
	byID := make(map[string]int, len(out))
	for i, rec := range out {
		byID[rec.ID] = i
	}
	for _, rec := range local {
		i, ok := byID[rec.ID]
		if !ok {
			byID[rec.ID] = len(out)
			out = append(out, rec)
			continue
		}
		if rec.Clicked && !out[i].Clicked {
			out[i].Clicked = true
			out[i].ClickedAt = rec.ClickedAt
		}
	}
	return out
}

func countClicks(records []Record) int {
	n := 0
	for _, rec := range records {
		if rec.Clicked {
			n++
		}
	}
	return n
}

func validate(query, docID string, position int) error {
	switch {
	case query == "":
		return apperrors.New(apperrors.ErrInvalidInput, "query is empty")
	case docID == "":
		return apperrors.New(apperrors.ErrInvalidInput, "document id is empty")
	case position < 1:
		return apperrors.Newf(apperrors.ErrInvalidInput, "position %d is not 1-based", position)
	}
	return nil
}

// RecordImpression appends an unclicked record and persists the log.
func (l *Log) RecordImpression(ctx context.Context, query, docID string, position int, score float64, summary string) (Record, error) {
	recs, err := l.RecordImpressions(ctx, query, []Impression{{
		DocID:    docID,
		Position: position,
		Score:    score,
		Summary:  summary,
	}})
	if err != nil {
		return Record{}, err
	}
	return recs[0], nil
}

// RecordImpressions appends a whole result page with a single persist.
// Either every record is stored or none is.
func (l *Log) RecordImpressions(ctx context.Context, query string, page []Impression) ([]Record, error) {
	if len(page) == 0 {
		return nil, nil
	}
	now := l.now().UTC()
	recs := make([]Record, 0, len(page))
	for _, imp := range page {
		if err := validate(query, imp.DocID, imp.Position); err != nil {
			return nil, err
		}
		recs = append(recs, Record{
			ID:        uuid.NewString(),
			Timestamp: now,
			Query:     query,
			DocID:     imp.DocID,
			Position:  imp.Position,
			Score:     imp.Score,
			Summary:   imp.Summary,
		})
	}

	l.mu.Lock()
	err := l.mutateLocked(ctx, func(records []Record) ([]Record, error) {
		return append(records, recs...), nil
	})
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if l.metrics != nil {
		l.metrics.ImpressionsTotal.Add(float64(len(recs)))
	}
	if l.tracker != nil {
		for _, rec := range recs {
			l.tracker.TrackImpression(newImpressionEvent(rec))
		}
	}
	l.logger.Debug("impressions recorded", "query", query, "count", len(recs))
	return recs, nil
}

// RecordClick flips the earliest unclicked record matching all three fields.
// It returns false with a nil error when nothing matches.
func (l *Log) RecordClick(ctx context.Context, query, docID string, position int) (bool, error) {
	return l.applyClick(ctx, query, docID, position, true)
}

func (l *Log) applyClick(ctx context.Context, query, docID string, position int, track bool) (bool, error) {
	if err := validate(query, docID, position); err != nil {
		return false, err
	}

	clickedAt := l.now().UTC()
	var event ClickEvent
	l.mu.Lock()
	err := l.mutateLocked(ctx, func(records []Record) ([]Record, error) {
		for i := range records {
			r := &records[i]
			if !r.Clicked && r.Query == query && r.DocID == docID && r.Position == position {
				r.Clicked = true
				r.ClickedAt = &clickedAt
				event = newClickEvent(*r)
				return records, nil
			}
		}
		return nil, errNoImpression
	})
	l.mu.Unlock()
	if errors.Is(err, errNoImpression) {
		if l.metrics != nil {
			l.metrics.ClicksTotal.WithLabelValues("dropped").Inc()
		}
		l.logger.Debug("click dropped, no matching impression", "query", query, "doc_id", docID, "position", position)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if l.metrics != nil {
		l.metrics.ClicksTotal.WithLabelValues("attributed").Inc()
	}
	if track && l.tracker != nil {
		l.tracker.TrackClick(event)
	}
	return true, nil
}

var errNoImpression = errors.New("no matching impression")

func (l *Log) exportLocked() Export {
	return exportOf(l.records, l.clicks)
}

func exportOf(records []Record, clicks int) Export {
	out := make([]Record, len(records))
	copy(out, records)
	return Export{
		Records:      out,
		TotalRecords: len(out),
		TotalClicks:  clicks,
		OverallCTR:   ctr(clicks, len(out)),
	}
}

// mutateLocked merges the persisted log into the local one, hands the merged
// records to fn and stores what fn returns. fn may run more than once when
// the store retries. If fn fails the local log still adopts the merge.
func (l *Log) mutateLocked(ctx context.Context, fn func([]Record) ([]Record, error)) error {
	var merged, next []Record
	err := storage.Update(ctx, l.store, l.key, func(current []byte, found bool) ([]byte, error) {
		merged = merge(nil, l.records)
		if found {
			persisted, _, err := decode(l.key, current)
			if err != nil {
				return nil, err
			}
			merged = merge(persisted, l.records)
		}
		work := make([]Record, len(merged))
		copy(work, merged)
		out, err := fn(work)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(exportOf(out, countClicks(out)))
		if err != nil {
			return nil, fmt.Errorf("marshaling feedback log: %w", err)
		}
		next = out
		return data, nil
	})
	switch {
	case err == nil:
		l.setLocked(next)
		return nil
	case errors.Is(err, errNoImpression):
		l.setLocked(merged)
		return err
	}
	l.logger.Error("failed to persist feedback log", "key", l.key, "error", err)
	return fmt.Errorf("persisting feedback log: %w", err)
}

func (l *Log) setLocked(records []Record) {
	l.records = records
	l.clicks = countClicks(records)
}

// Refresh merges records that other writers have persisted since the log was
// opened. Training reads the log through Export, so callers that share the
// store with other processes refresh first.
func (l *Log) Refresh(ctx context.Context) error {
	data, err := l.store.Get(ctx, l.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("refreshing feedback log: %w", err)
	}
	persisted, _, err := decode(l.key, data)
	if err != nil {
		return err
	}
	l.mu.Lock()
	before := len(l.records)
	l.setLocked(merge(persisted, l.records))
	after := len(l.records)
	l.mu.Unlock()
	if after != before {
		l.logger.Debug("feedback log refreshed", "key", l.key, "records", after, "new", after-before)
	}
	return nil
}

// Export returns a copy of every record with the aggregate totals.
func (l *Log) Export() Export {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exportLocked()
}

func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		TotalImpressions: len(l.records),
		TotalClicks:      l.clicks,
		OverallCTR:       ctr(l.clicks, len(l.records)),
	}
}

// History returns the records newest first; records with equal timestamps
// are ordered by reverse insertion.
func (l *Log) History() []Record {
	l.mu.Lock()
	out := make([]Record, len(l.records))
	for i, rec := range l.records {
		out[len(out)-1-i] = rec
	}
	l.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func ctr(clicks, impressions int) float64 {
	if impressions == 0 {
		return 0
	}
	return float64(clicks) / float64(impressions)
}

package feedback

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/storage/file"
	apperrors "github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/metrics"
)

// flakyStore wraps a real store and fails Put while fail is set.
type flakyStore struct {
	storage.Store
	mu   sync.Mutex
	fail bool
}

func (s *flakyStore) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *flakyStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: disk full", apperrors.ErrStorage)
	}
	return s.Store.Put(ctx, key, value)
}

func newStore(t *testing.T) *flakyStore {
	t.Helper()
	fs, err := file.New(t.TempDir())
	require.NoError(t, err)
	return &flakyStore{Store: fs}
}

func openLog(t *testing.T, store storage.Store, opts ...Option) *Log {
	t.Helper()
	l, err := Open(context.Background(), store, "ctr_data", opts...)
	require.NoError(t, err)
	return l
}

func TestClickScenario(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, newStore(t))

	_, err := l.RecordImpression(ctx, "q", "d1", 1, 0.9, "s")
	require.NoError(t, err)

	ok, err := l.RecordClick(ctx, "q", "d1", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	exp := l.Export()
	require.Len(t, exp.Records, 1)
	assert.True(t, exp.Records[0].Clicked)
	assert.NotNil(t, exp.Records[0].ClickedAt)

	ok, err = l.RecordClick(ctx, "q", "d1", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, l.Stats().TotalClicks)
}

func TestClickWithoutMatchIsDropped(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, newStore(t))
	_, err := l.RecordImpression(ctx, "q", "d1", 1, 0.9, "s")
	require.NoError(t, err)

	for _, c := range []struct {
		query, doc string
		pos        int
	}{{"q", "d1", 2}, {"q", "d2", 1}, {"other", "d1", 1}} {
		ok, err := l.RecordClick(ctx, c.query, c.doc, c.pos)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Zero(t, l.Stats().TotalClicks)
}

func TestClickFlipsEarliestDuplicate(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, newStore(t))
	first, err := l.RecordImpression(ctx, "q", "d1", 1, 0.5, "s")
	require.NoError(t, err)
	second, err := l.RecordImpression(ctx, "q", "d1", 1, 0.5, "s")
	require.NoError(t, err)

	_, err = l.RecordClick(ctx, "q", "d1", 1)
	require.NoError(t, err)
	recs := l.Export().Records
	assert.Equal(t, first.ID, recs[0].ID)
	assert.True(t, recs[0].Clicked)
	assert.Equal(t, second.ID, recs[1].ID)
	assert.False(t, recs[1].Clicked)
}

func TestStatsCTR(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, newStore(t))
	assert.Equal(t, Stats{}, l.Stats())

	_, err := l.RecordImpressions(ctx, "q", []Impression{
		{DocID: "a", Position: 1}, {DocID: "b", Position: 2}, {DocID: "c", Position: 3}, {DocID: "d", Position: 4},
	})
	require.NoError(t, err)
	_, err = l.RecordClick(ctx, "q", "b", 2)
	require.NoError(t, err)

	s := l.Stats()
	assert.Equal(t, 4, s.TotalImpressions)
	assert.Equal(t, 1, s.TotalClicks)
	assert.Equal(t, 0.25, s.OverallCTR)
	exp := l.Export()
	assert.Equal(t, 4, exp.TotalRecords)
	assert.Equal(t, s.OverallCTR, exp.OverallCTR)
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, newStore(t))
	_, err := l.RecordImpression(ctx, "", "d1", 1, 0, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = l.RecordImpression(ctx, "q", "d1", 0, 0, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = l.RecordImpressions(ctx, "q", []Impression{{DocID: "ok", Position: 1}, {DocID: "", Position: 2}})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Zero(t, l.Len())
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := openLog(t, store)
	_, err := l.RecordImpression(ctx, "q", "d1", 1, 0.9, "first")
	require.NoError(t, err)
	_, err = l.RecordImpression(ctx, "q", "d2", 2, 0.4, "second")
	require.NoError(t, err)
	_, err = l.RecordClick(ctx, "q", "d2", 2)
	require.NoError(t, err)

	reopened := openLog(t, store)
	assert.Equal(t, l.Export(), reopened.Export())
}

func TestPersistFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := openLog(t, store)
	_, err := l.RecordImpression(ctx, "q", "d1", 1, 0.9, "s")
	require.NoError(t, err)

	store.setFail(true)
	_, err = l.RecordImpression(ctx, "q", "d2", 2, 0.1, "s")
	assert.ErrorIs(t, err, apperrors.ErrStorage)
	assert.Equal(t, apperrors.KindIO, apperrors.KindOf(err))
	assert.Equal(t, 1, l.Len())

	ok, err := l.RecordClick(ctx, "q", "d1", 1)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Zero(t, l.Stats().TotalClicks)

	store.setFail(false)
	ok, err = l.RecordClick(ctx, "q", "d1", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, l.Export(), openLog(t, store).Export())
}

func TestOpenMalformed(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Put(ctx, "ctr_data", []byte(`{"records":[{"query":"q","doc_id":"d","position":1,"clicked":true}],"total_records":1,"total_clicks":0}`)))
	_, err := Open(ctx, store, "ctr_data")
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.ErrorIs(t, err, apperrors.ErrMalformedState)

	require.NoError(t, store.Put(ctx, "ctr_data", []byte(`not json`)))
	_, err = Open(ctx, store, "ctr_data")
	assert.ErrorAs(t, err, &loadErr)
}

func TestHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick/2) * time.Minute)
	}
	l := openLog(t, newStore(t), WithClock(clock))
	for i := 1; i <= 4; i++ {
		_, err := l.RecordImpression(ctx, "q", fmt.Sprintf("d%d", i), i, 0, "")
		require.NoError(t, err)
	}
	hist := l.History()
	ids := make([]string, len(hist))
	for i, r := range hist {
		ids[i] = r.DocID
	}
	// d1 at +0; d2,d3 share +1m; d4 at +2m.
	assert.Equal(t, []string{"d4", "d3", "d2", "d1"}, ids)
}

func TestConcurrentClicksFlipOnce(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, newStore(t))
	const n = 5
	for i := 0; i < n; i++ {
		_, err := l.RecordImpression(ctx, "q", "d1", 1, 0.5, "s")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	results := make(chan bool, 3*n)
	for i := 0; i < 3*n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.RecordClick(ctx, "q", "d1", 1)
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)
	flipped := 0
	for ok := range results {
		if ok {
			flipped++
		}
	}
	assert.Equal(t, n, flipped)
	assert.Equal(t, n, l.Stats().TotalClicks)
	assert.Equal(t, 1.0, l.Stats().OverallCTR)
}

func TestMetricsCountClicks(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	l := openLog(t, newStore(t), WithMetrics(m))
	_, err := l.RecordImpression(ctx, "q", "d1", 1, 0.5, "s")
	require.NoError(t, err)
	_, err = l.RecordClick(ctx, "q", "d1", 1)
	require.NoError(t, err)
	_, err = l.RecordClick(ctx, "q", "d1", 1)
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(t, m.ImpressionsTotal))
	assert.Equal(t, 1.0, counterValue(t, m.ClicksTotal.WithLabelValues("attributed")))
	assert.Equal(t, 1.0, counterValue(t, m.ClicksTotal.WithLabelValues("dropped")))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, c.Write(&pb))
	return pb.GetCounter().GetValue()
}

func TestSharedStoreWritersSeeEachOther(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seed := openLog(t, store)
	first, err := seed.RecordImpression(ctx, "q", "d0", 1, 0.5, "s")
	require.NoError(t, err)

	// consumer stays open while cli, another process, writes a new impression.
	consumer := openLog(t, store)
	cli := openLog(t, store)
	second, err := cli.RecordImpression(ctx, "q", "d1", 2, 0.4, "s")
	require.NoError(t, err)

	ok, err := consumer.RecordClick(ctx, "q", "d1", 2)
	require.NoError(t, err)
	assert.True(t, ok, "click on an impression written by another log")
	ok, err = consumer.RecordClick(ctx, "q", "d0", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	// cli still holds its stale view; its next write must not undo the clicks.
	_, err = cli.RecordImpression(ctx, "q", "d2", 3, 0.3, "s")
	require.NoError(t, err)

	onDisk := openLog(t, store).Export()
	require.Len(t, onDisk.Records, 3)
	assert.Equal(t, 2, onDisk.TotalClicks)
	assert.Equal(t, first.ID, onDisk.Records[0].ID)
	assert.Equal(t, second.ID, onDisk.Records[1].ID)
	assert.True(t, onDisk.Records[0].Clicked)
	assert.True(t, onDisk.Records[1].Clicked)
	assert.False(t, onDisk.Records[2].Clicked)
	assert.Equal(t, onDisk, cli.Export())
}

func TestSharedStoreClickFlipsOnce(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seed := openLog(t, store)
	_, err := seed.RecordImpression(ctx, "q", "d1", 1, 0.5, "s")
	require.NoError(t, err)

	a := openLog(t, store)
	b := openLog(t, store)
	okA, err := a.RecordClick(ctx, "q", "d1", 1)
	require.NoError(t, err)
	okB, err := b.RecordClick(ctx, "q", "d1", 1)
	require.NoError(t, err)
	assert.True(t, okA)
	assert.False(t, okB, "the impression was already clicked through the other log")
	assert.Equal(t, 1, b.Stats().TotalClicks)
}

func TestRefreshMergesPersistedRecords(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	reader := openLog(t, store)
	writer := openLog(t, store)
	_, err := writer.RecordImpressions(ctx, "q", []Impression{{DocID: "a", Position: 1}, {DocID: "b", Position: 2}})
	require.NoError(t, err)
	_, err = writer.RecordClick(ctx, "q", "b", 2)
	require.NoError(t, err)
	assert.Zero(t, reader.Len())

	require.NoError(t, reader.Refresh(ctx))
	assert.Equal(t, writer.Export(), reader.Export())

	require.NoError(t, reader.Refresh(ctx))
	assert.Equal(t, 2, reader.Len())
}

func TestLegacyRecordsKeepStableIDs(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Put(ctx, "ctr_data", []byte(
		`{"records":[{"query":"q","doc_id":"d","position":1,"timestamp":"2026-01-01T00:00:00Z"}],"total_records":1,"total_clicks":0}`)))

	l := openLog(t, store)
	id := l.Export().Records[0].ID
	require.NotEmpty(t, id)
	require.NoError(t, l.Refresh(ctx))
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, id, openLog(t, store).Export().Records[0].ID)

	ok, err := l.RecordClick(ctx, "q", "d", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, openLog(t, store).Len())
}

func TestConcurrentLogsOnFileStoreLoseNothing(t *testing.T) {
	ctx := context.Background()
	fs, err := file.New(t.TempDir())
	require.NoError(t, err)
	logs := []*Log{openLog(t, fs), openLog(t, fs)}

	const perLog = 10
	var wg sync.WaitGroup
	for i, l := range logs {
		for j := range perLog {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.RecordImpression(ctx, "q", fmt.Sprintf("d%d-%d", i, j), 1, 0, "")
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	assert.Equal(t, 2*perLog, openLog(t, fs).Len())
}

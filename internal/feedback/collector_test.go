package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/kafka"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []kafka.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) published() []kafka.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafka.Event(nil), p.events...)
}

func TestCollectorRoutesEventsByKind(t *testing.T) {
	ctx := context.Background()
	imps, clicks := &recordingPublisher{}, &recordingPublisher{}
	c := NewCollector(imps, clicks, 16)
	c.Start(ctx)

	l := openLog(t, newStore(t), WithTracker(c))
	_, err := l.RecordImpressions(ctx, "golang", []Impression{{DocID: "a", Position: 1}, {DocID: "b", Position: 2}})
	require.NoError(t, err)
	_, err = l.RecordClick(ctx, "golang", "b", 2)
	require.NoError(t, err)
	c.Close()

	require.Len(t, imps.published(), 2)
	require.Len(t, clicks.published(), 1)
	ev := clicks.published()[0]
	assert.Equal(t, "golang", ev.Key)
	click, ok := ev.Value.(ClickEvent)
	require.True(t, ok)
	assert.Equal(t, "b", click.DocID)
	assert.Equal(t, EventClick, click.Type)
}

func TestCollectorSurvivesPublishErrors(t *testing.T) {
	imps := &recordingPublisher{err: errors.New("broker down")}
	c := NewCollector(imps, nil, 4)
	c.Start(context.Background())
	c.TrackImpression(ImpressionEvent{Query: "q"})
	c.TrackClick(ClickEvent{Query: "q"})
	c.Close()
	assert.Len(t, imps.published(), 1)
}

func TestHandleClickEvent(t *testing.T) {
	ctx := context.Background()
	imps, clicks := &recordingPublisher{}, &recordingPublisher{}
	c := NewCollector(imps, clicks, 16)
	c.Start(ctx)
	l := openLog(t, newStore(t), WithTracker(c))
	_, err := l.RecordImpression(ctx, "q", "d1", 1, 0.9, "s")
	require.NoError(t, err)

	handle := HandleClickEvent(l)
	payload, err := json.Marshal(ClickEvent{Type: EventClick, Query: "q", DocID: "d1", Position: 1})
	require.NoError(t, err)
	require.NoError(t, handle(ctx, []byte("q"), payload))
	assert.Equal(t, 1, l.Stats().TotalClicks)

	require.NoError(t, handle(ctx, []byte("q"), payload))
	assert.Equal(t, 1, l.Stats().TotalClicks)

	assert.ErrorIs(t, handle(ctx, nil, []byte("{")), kafka.ErrSkip)
	bad, err := json.Marshal(ClickEvent{Query: "q", DocID: "d1", Position: 0})
	require.NoError(t, err)
	assert.ErrorIs(t, handle(ctx, nil, bad), kafka.ErrSkip)

	c.Close()
	assert.Empty(t, clicks.published(), "consumed clicks are not re-published")
}

func TestHandleClickEventReturnsStorageErrors(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := openLog(t, store)
	_, err := l.RecordImpression(ctx, "q", "d1", 1, 0.9, "s")
	require.NoError(t, err)

	store.setFail(true)
	payload, err := json.Marshal(ClickEvent{Query: "q", DocID: "d1", Position: 1})
	require.NoError(t, err)
	err = HandleClickEvent(l)(ctx, nil, payload)
	require.Error(t, err)
	assert.False(t, errors.Is(err, kafka.ErrSkip))
}

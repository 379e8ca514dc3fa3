package feedback

import (
	"context"
	"errors"
	"log/slog"

	apperrors "github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/kafka"
)

// Publisher is the part of kafka.Producer the collector needs.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

type trackedEvent struct {
	click bool
	event kafka.Event
}

// Collector is a Tracker that publishes events to Kafka from a background
// goroutine so that recording feedback never waits on the broker.
type Collector struct {
	impressions Publisher
	clicks      Publisher
	eventCh     chan trackedEvent
	logger      *slog.Logger
	done        chan struct{}
}

var _ Tracker = (*Collector)(nil)

// NewCollector creates a Collector. Events beyond bufferSize are dropped.
func NewCollector(impressions, clicks Publisher, bufferSize int) *Collector {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Collector{
		impressions: impressions,
		clicks:      clicks,
		eventCh:     make(chan trackedEvent, bufferSize),
		logger:      slog.Default().With("component", "feedback-collector"),
		done:        make(chan struct{}),
	}
}

// Start launches the publish loop. It stops when ctx is cancelled or Close
// is called, publishing whatever is still buffered.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		for {
			select {
			case ev, ok := <-c.eventCh:
				if !ok {
					return
				}
				c.publish(ctx, ev)
			case <-ctx.Done():
				c.drainRemaining()
				return
			}
		}
	}()
	c.logger.Info("feedback collector started", "buffer_size", cap(c.eventCh))
}

func (c *Collector) TrackImpression(e ImpressionEvent) {
	c.enqueue(trackedEvent{event: kafka.Event{Key: e.Query, Value: e}})
}

func (c *Collector) TrackClick(e ClickEvent) {
	c.enqueue(trackedEvent{click: true, event: kafka.Event{Key: e.Query, Value: e}})
}

func (c *Collector) enqueue(ev trackedEvent) {
	select {
	case c.eventCh <- ev:
	default:
		c.logger.Warn("feedback event dropped (buffer full)", "click", ev.click)
	}
}

func (c *Collector) publish(ctx context.Context, ev trackedEvent) {
	pub := c.impressions
	if ev.click {
		pub = c.clicks
	}
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, ev.event); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("failed to publish feedback event", "click", ev.click, "error", err)
	}
}

// Close stops accepting events and waits for the loop to exit.
func (c *Collector) Close() {
	close(c.eventCh)
	<-c.done
}

func (c *Collector) drainRemaining() {
	for {
		select {
		case ev, ok := <-c.eventCh:
			if !ok {
				return
			}
			c.publish(context.Background(), ev)
		default:
			return
		}
	}
}

// HandleClickEvent returns a Kafka handler that applies consumed click
// events to l. Undecodable or invalid events are skipped; storage failures
// are returned so the message is not committed.
func HandleClickEvent(l *Log) kafka.MessageHandler {
	logger := slog.Default().With("component", "click-consumer")
	return func(ctx context.Context, key, value []byte) error {
		ev, err := kafka.DecodeJSON[ClickEvent](value)
		if err != nil {
			logger.Warn("skipping undecodable click event", "error", err)
			return kafka.ErrSkip
		}
		applied, err := l.applyClick(ctx, ev.Query, ev.DocID, ev.Position, false)
		if apperrors.KindOf(err) == apperrors.KindValidation {
			logger.Warn("skipping invalid click event", "error", err)
			return kafka.ErrSkip
		}
		if err != nil {
			return err
		}
		logger.Debug("click event applied", "query", ev.Query, "doc_id", ev.DocID, "position", ev.Position, "attributed", applied)
		return nil
	}
}

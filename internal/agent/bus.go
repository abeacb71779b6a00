package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentrt/core/pkg/models"
)

// BusStore is the narrow slice of Store the event bus persists through.
// Kept separate from the full Store interface so the bus can be unit
// tested against a stub without dragging in message/tool persistence.
type BusStore interface {
	AppendEvent(ctx context.Context, agentID string, entry models.EventEnvelope) error
	ReadEvents(ctx context.Context, agentID string, channel models.Channel, since *models.Bookmark) ([]models.EventEnvelope, error)
}

// subscription is one Subscribe call's live delivery target.
type subscription struct {
	channels map[models.Channel]bool
	kinds    map[string]bool
	ch       chan models.EventEnvelope
	closed   bool
}

func (s *subscription) matches(e models.EventEnvelope) bool {
	if len(s.channels) > 0 && !s.channels[e.Event.Channel] {
		return false
	}
	if len(s.kinds) > 0 && !s.kinds[e.Event.Type] {
		return false
	}
	return true
}

// EventBus is the three-channel (progress/control/monitor) publish bus.
// Every emit is assigned a strictly increasing cursor and bookmark,
// persisted before any in-process subscriber sees it. Publication is
// safe for concurrent use by the processing loop and tool executors.
type EventBus struct {
	mu     sync.Mutex
	agentID string
	store  BusStore
	log    *slog.Logger

	cursor int64
	seq    int64

	subs   map[int]*subscription
	nextID int

	failed []models.EventEnvelope
}

// NewEventBus constructs a bus for one agent, starting cursor/seq at 1.
// Call Seed to restore monotonicity across a restart.
func NewEventBus(agentID string, store BusStore, log *slog.Logger) *EventBus {
	if log == nil {
		log = slog.Default()
	}
	return &EventBus{agentID: agentID, store: store, log: log, subs: map[int]*subscription{}}
}

// Seed restores the bus's cursor/seq from a previously persisted
// bookmark, so cursor values stay monotonic across process restarts.
func (b *EventBus) Seed(last models.Bookmark) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if last.Seq >= b.cursor {
		b.cursor = last.Seq
		b.seq = last.Seq
	}
}

// Publish assigns cursor/bookmark, persists, and delivers to matching
// subscribers. On persistence failure the envelope is buffered in
// memory and a best-effort storage_failure monitor event is emitted.
func (b *EventBus) Publish(ctx context.Context, channel models.Channel, eventType string, payload map[string]any) models.EventEnvelope {
	b.mu.Lock()
	b.cursor++
	b.seq++
	cursor := b.cursor
	bookmark := models.Bookmark{Seq: b.seq, Timestamp: time.Now().UnixMilli()}
	env := models.EventEnvelope{
		Cursor:   cursor,
		Bookmark: bookmark,
		Event: models.AgentEvent{
			Channel:  channel,
			Type:     eventType,
			Bookmark: bookmark,
			Payload:  payload,
		},
	}
	subsSnapshot := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subsSnapshot = append(subsSnapshot, s)
	}
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.AppendEvent(ctx, b.agentID, env); err != nil {
			b.log.Warn("event persistence failed, buffering", "agentId", b.agentID, "cursor", cursor, "err", err)
			b.mu.Lock()
			b.failed = append(b.failed, env)
			b.mu.Unlock()
			b.deliverBestEffort(subsSnapshot, b.storageFailureEnvelope(err))
		}
	}

	b.deliverBestEffort(subsSnapshot, env)
	return env
}

func (b *EventBus) storageFailureEnvelope(cause error) models.EventEnvelope {
	b.mu.Lock()
	b.cursor++
	b.seq++
	cursor, bookmark := b.cursor, models.Bookmark{Seq: b.seq, Timestamp: time.Now().UnixMilli()}
	b.mu.Unlock()
	return models.EventEnvelope{
		Cursor:   cursor,
		Bookmark: bookmark,
		Event: models.AgentEvent{
			Channel:  models.ChannelMonitor,
			Type:     models.EventStorageFailure,
			Bookmark: bookmark,
			Payload:  map[string]any{"error": cause.Error()},
		},
	}
}

func (b *EventBus) deliverBestEffort(subs []*subscription, env models.EventEnvelope) {
	for _, s := range subs {
		if !s.matches(env) {
			continue
		}
		select {
		case s.ch <- env:
		default:
			// Slow subscriber: drop rather than block the publisher.
			// The subscriber can recover missed events via ReadEvents
			// with a since bookmark.
		}
	}
}

// FailedEventCount reports how many envelopes are buffered after a
// persistence failure.
func (b *EventBus) FailedEventCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.failed)
}

// FlushFailed retries persisting every buffered envelope, in order,
// stopping at the first failure.
func (b *EventBus) FlushFailed(ctx context.Context) error {
	b.mu.Lock()
	pending := b.failed
	b.mu.Unlock()
	if b.store == nil {
		return nil
	}
	var remaining []models.EventEnvelope
	for i, env := range pending {
		if err := b.store.AppendEvent(ctx, b.agentID, env); err != nil {
			remaining = append(remaining, pending[i:]...)
			b.mu.Lock()
			b.failed = remaining
			b.mu.Unlock()
			return err
		}
	}
	b.mu.Lock()
	b.failed = nil
	b.mu.Unlock()
	return nil
}

// Subscribe returns a channel of envelopes matching the given channels
// and kinds (both nil/empty means "all"). If since is nil, no history
// is replayed — only events emitted after this call are delivered. With
// since set, persisted events with bookmark.seq > since.seq are
// replayed first, in order, then live delivery continues.
//
// The returned cancel func must be called to stop delivery and release
// the subscription slot.
func (b *EventBus) Subscribe(ctx context.Context, channels []models.Channel, since *models.Bookmark, kinds []string) (<-chan models.EventEnvelope, func(), error) {
	sub := &subscription{
		channels: toSet(channels),
		kinds:    toKindSet(kinds),
		ch:       make(chan models.EventEnvelope, 256),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}

	if since != nil && b.store != nil {
		for _, channel := range orAll(channels) {
			history, err := b.store.ReadEvents(ctx, b.agentID, channel, since)
			if err != nil {
				cancel()
				return nil, nil, err
			}
			for _, env := range history {
				if env.Bookmark.Seq <= since.Seq || !sub.matches(env) {
					continue
				}
				select {
				case sub.ch <- env:
				case <-ctx.Done():
					cancel()
					return nil, nil, ctx.Err()
				}
			}
		}
	}

	return sub.ch, cancel, nil
}

func toSet(channels []models.Channel) map[models.Channel]bool {
	if len(channels) == 0 {
		return nil
	}
	m := make(map[models.Channel]bool, len(channels))
	for _, c := range channels {
		m[c] = true
	}
	return m
}

func toKindSet(kinds []string) map[string]bool {
	if len(kinds) == 0 {
		return nil
	}
	m := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		m[k] = true
	}
	return m
}

func orAll(channels []models.Channel) []models.Channel {
	if len(channels) > 0 {
		return channels
	}
	return []models.Channel{models.ChannelProgress, models.ChannelControl, models.ChannelMonitor}
}

package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dmoreau/gobt/core"
)

// subscriberBuffer is the per-subscriber channel depth. Publish never
// blocks on a slow subscriber: once its buffer is full the event is
// dropped and counted, not queued indefinitely.
const subscriberBuffer = 64

// progressInterval is the minimum spacing between TorrentProgress events
// the bus will deliver for a single torrent (spec: at most 1/s/torrent).
const progressInterval = time.Second

type subscription struct {
	id    uuid.UUID
	topic Topic
	ch    chan Event
}

// Bus is a synchronous, in-process publish/subscribe hub. Publish fans an
// Event out to every current subscriber of its Topic before returning;
// subscribers receive on a buffered channel so a slow reader can't stall
// the publisher, but they are expected to drain it promptly (copy into
// their own queue) rather than do real work inline.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]*subscription

	logger *zap.SugaredLogger

	limiterMu sync.Mutex
	limiters  map[core.InfoHash]*rate.Limiter
}

// New creates an empty Bus.
func New(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		subs:     make(map[Topic][]*subscription),
		logger:   logger,
		limiters: make(map[core.InfoHash]*rate.Limiter),
	}
}

// Subscribe registers interest in topic, returning a handle for
// Unsubscribe and a receive-only channel of matching future events. Past
// events are never replayed.
func (b *Bus) Subscribe(topic Topic) (uuid.UUID, <-chan Event) {
	sub := &subscription{
		id:    uuid.New(),
		topic: topic,
		ch:    make(chan Event, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
	return sub.id, sub.ch
}

// Unsubscribe removes a subscription and closes its channel. It is a
// no-op if id is unknown (already unsubscribed, or never existed).
func (b *Bus) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[topic] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
}

// Publish delivers e to every current subscriber of e.Topic. Delivery is
// synchronous with respect to the caller (every subscriber has either
// received the event or had it dropped by the time Publish returns), but
// a full subscriber buffer never blocks the publisher.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := b.subs[e.Topic]
	// Copy the slice header under the lock so a concurrent Subscribe/
	// Unsubscribe can't race the send loop below.
	targets := make([]*subscription, len(subs))
	copy(targets, subs)
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- e:
		default:
			if b.logger != nil {
				b.logger.Warnw("dropping event for slow subscriber",
					"topic", e.Topic, "subscriber", sub.id)
			}
		}
	}
}

// PublishProgress publishes a TorrentProgress event for h, subject to the
// spec's 1/s/torrent throttle: calls within progressInterval of the last
// delivered progress event for the same torrent are silently dropped.
func (b *Bus) PublishProgress(h core.InfoHash, p Progress) {
	b.limiterMu.Lock()
	lim, ok := b.limiters[h]
	if !ok {
		lim = rate.NewLimiter(rate.Every(progressInterval), 1)
		b.limiters[h] = lim
	}
	allow := lim.Allow()
	b.limiterMu.Unlock()

	if !allow {
		return
	}
	b.Publish(TorrentProgressEvent(h, p))
}

// ForgetTorrent releases the progress-throttle state for h. Callers
// should call this when a torrent is removed, so the limiter map doesn't
// grow unboundedly over the engine's lifetime.
func (b *Bus) ForgetTorrent(h core.InfoHash) {
	b.limiterMu.Lock()
	delete(b.limiters, h)
	b.limiterMu.Unlock()
}

// WaitFor returns a channel that receives exactly one Event: the next
// publication matching topic, or nothing if ctx-less and never fires
// (callers that need a deadline should select with a timer alongside the
// returned channel). The subscription is cleaned up automatically after
// the first delivery.
func (b *Bus) WaitFor(topic Topic) <-chan Event {
	id, ch := b.Subscribe(topic)
	out := make(chan Event, 1)
	go func() {
		defer close(out)
		e, ok := <-ch
		b.Unsubscribe(id)
		if ok {
			out <- e
		}
	}()
	return out
}

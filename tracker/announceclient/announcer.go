package announceclient

import (
	"context"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dmoreau/gobt/core"
)

// Events notifies observers of each announce attempt's outcome (spec
// §4.11's tracker:announce/tracker:error events).
type Events interface {
	Announced(url string, result *Result)
	AnnounceFailed(url string, reason string)
}

// Stats is the mutable download accounting an Announcer reports on every
// announce.
type Stats struct {
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// Announcer owns one torrent's announce schedule: the started/regular/
// completed/stopped lifecycle of spec §4.9, BEP 12 tier rotation, and
// exponential backoff when every tracker in every tier fails.
type Announcer struct {
	config   Config
	client   Client
	tiers    *TierSet
	infoHash core.InfoHash
	peerID   core.PeerID
	port     uint16
	events   Events
	clk      clock.Clock
	logger   *zap.SugaredLogger

	interval *atomic.Int64
	timer    *clock.Timer
	backoff  *backoff.ExponentialBackOff

	mu    sync.Mutex
	stats Stats

	completedCh chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
	done        chan struct{}
	wg          sync.WaitGroup
}

// New builds an Announcer. The caller supplies tiers from
// core.Metainfo.AnnounceTiers(); an empty TierSet makes every announce a
// no-op success (no trackers configured).
func New(
	config Config,
	client Client,
	tiers *TierSet,
	infoHash core.InfoHash,
	peerID core.PeerID,
	port uint16,
	events Events,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Announcer {
	config = config.applyDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.BackoffBase
	b.MaxInterval = config.BackoffCap
	b.MaxElapsedTime = 0 // retry indefinitely; Engine decides when to Stop
	b.Reset()

	return &Announcer{
		config:      config,
		client:      client,
		tiers:       tiers,
		infoHash:    infoHash,
		peerID:      peerID,
		port:        port,
		events:      events,
		clk:         clk,
		logger:      logger,
		interval:    atomic.NewInt64(int64(config.DefaultInterval)),
		timer:       clk.Timer(0), // fire immediately for the initial "started" announce
		backoff:     b,
		completedCh: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// UpdateStats refreshes the uploaded/downloaded/left counters reported on
// the next announce.
func (a *Announcer) UpdateStats(s Stats) {
	a.mu.Lock()
	a.stats = s
	a.mu.Unlock()
}

// Start launches the announce loop. The first tick sends a "started"
// announce immediately.
func (a *Announcer) Start() {
	a.startOnce.Do(func() {
		a.wg.Add(1)
		go a.run()
	})
}

// NotifyCompleted schedules a one-time "completed" announce, per spec
// §4.9's "once on first transition to Seeding". Safe to call multiple
// times; only the first has an effect.
func (a *Announcer) NotifyCompleted() {
	select {
	case a.completedCh <- struct{}{}:
	default:
	}
}

// Stop sends a best-effort "stopped" announce and halts the loop. Blocks
// until the loop goroutine has exited.
func (a *Announcer) Stop() {
	a.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.config.Timeout)
		defer cancel()
		a.announceEvent(ctx, EventStopped)
		close(a.done)
	})
	a.wg.Wait()
}

func (a *Announcer) run() {
	defer a.wg.Done()
	event := EventStarted
	for {
		select {
		case <-a.timer.C:
			a.tick(event)
			event = EventNone
		case <-a.completedCh:
			a.tick(EventCompleted)
		case <-a.done:
			return
		}
	}
}

func (a *Announcer) tick(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.Timeout)
	defer cancel()

	result, err := a.announceEvent(ctx, event)
	if err != nil {
		d := a.backoff.NextBackOff()
		a.logger.Warnw("announce failed on every tracker, backing off", "delay", d, "error", err)
		a.timer.Reset(d)
		return
	}

	a.backoff.Reset()
	interval := result.Interval
	if interval == 0 {
		interval = a.config.DefaultInterval
	}
	if interval < a.config.MinInterval {
		interval = a.config.MinInterval
	}
	a.interval.Store(int64(interval))
	a.timer.Reset(interval)
}

// announceEvent tries every tracker in tier order, promoting the first to
// answer and returning its result. A tracker-level failure is reported via
// Events and the walk continues to the next candidate; only exhausting
// every tracker in every tier is a hard failure.
func (a *Announcer) announceEvent(ctx context.Context, event Event) (*Result, error) {
	a.mu.Lock()
	stats := a.stats
	a.mu.Unlock()

	req := Request{
		InfoHash:   a.infoHash,
		PeerID:     a.peerID,
		Port:       a.port,
		Uploaded:   stats.Uploaded,
		Downloaded: stats.Downloaded,
		Left:       stats.Left,
		Event:      event,
		NumWant:    a.config.NumWant,
	}

	candidates := a.tiers.Candidates()
	var lastErr error
	for _, url := range candidates {
		result, err := a.client.Announce(ctx, url, req)
		if err != nil {
			lastErr = err
			if a.events != nil {
				a.events.AnnounceFailed(url, err.Error())
			}
			continue
		}
		a.tiers.Promote(url)
		if a.events != nil {
			a.events.Announced(url, result)
		}
		return result, nil
	}
	if len(candidates) == 0 {
		return &Result{Interval: a.config.DefaultInterval}, nil
	}
	return nil, errf("every tracker failed, last error: %v", lastErr)
}

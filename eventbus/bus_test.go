package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmoreau/gobt/core"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New(nil)
	_, ch := b.Subscribe(TorrentAdded)

	h := core.InfoHashFixture()
	b.Publish(TorrentEvent(TorrentAdded, h))

	select {
	case e := <-ch:
		assert.Equal(t, TorrentAdded, e.Topic)
		assert.Equal(t, h, e.Torrent)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishOnlyReachesMatchingTopic(t *testing.T) {
	b := New(nil)
	_, added := b.Subscribe(TorrentAdded)
	_, removed := b.Subscribe(TorrentRemoved)

	b.Publish(TorrentEvent(TorrentAdded, core.InfoHashFixture()))

	assert.Len(t, added, 1)
	assert.Len(t, removed, 0)
}

func TestPublishReachesEverySubscriberOfATopic(t *testing.T) {
	b := New(nil)
	_, a := b.Subscribe(PeerConnected)
	_, c := b.Subscribe(PeerConnected)

	b.Publish(PeerEvent(PeerConnected, core.InfoHashFixture(), core.PeerIDFixture()))

	assert.Len(t, a, 1)
	assert.Len(t, c, 1)
}

func TestUnsubscribeStopsDeliveryAndClosesChannel(t *testing.T) {
	b := New(nil)
	id, ch := b.Subscribe(TorrentCompleted)
	b.Unsubscribe(id)

	b.Publish(TorrentEvent(TorrentCompleted, core.InfoHashFixture()))

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after Unsubscribe")
}

func TestUnsubscribeUnknownIDIsNoop(t *testing.T) {
	b := New(nil)
	b.Unsubscribe(uuidFixture())
}

func TestPublishDropsEventWhenSubscriberBufferIsFull(t *testing.T) {
	b := New(nil)
	_, ch := b.Subscribe(PieceVerified)
	h := core.InfoHashFixture()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(PieceEvent(PieceVerified, h, i))
	}

	assert.Len(t, ch, subscriberBuffer)
	first := <-ch
	assert.Equal(t, 0, first.Piece, "oldest buffered event should be the first one published")
}

func TestWaitForResolvesOnNextMatchingPublication(t *testing.T) {
	b := New(nil)
	future := b.WaitFor(EngineReady)

	b.Publish(EngineEvent(EngineStarted)) // different topic, should not resolve it
	b.Publish(EngineEvent(EngineReady))

	select {
	case e := <-future:
		assert.Equal(t, EngineReady, e.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for WaitFor future")
	}
}

func TestWaitForOnlyResolvesOnce(t *testing.T) {
	b := New(nil)
	future := b.WaitFor(EngineStopped)

	b.Publish(EngineEvent(EngineStopped))
	require.NotNil(t, <-future)

	// The future channel is closed after its single delivery.
	_, ok := <-future
	assert.False(t, ok)

	// A second publication to the same topic must not panic or deliver
	// anywhere, since the one-shot subscription already unsubscribed.
	b.Publish(EngineEvent(EngineStopped))
}

func TestPublishProgressThrottlesToOncePerInterval(t *testing.T) {
	b := New(nil)
	_, ch := b.Subscribe(TorrentProgress)
	h := core.InfoHashFixture()

	b.PublishProgress(h, Progress{Downloaded: 1})
	b.PublishProgress(h, Progress{Downloaded: 2})
	b.PublishProgress(h, Progress{Downloaded: 3})

	assert.Len(t, ch, 1, "only the first progress publication within the interval should be delivered")
	e := <-ch
	assert.Equal(t, int64(1), e.Progress.Downloaded)
}

func TestPublishProgressTracksSeparateTorrentsIndependently(t *testing.T) {
	b := New(nil)
	_, ch := b.Subscribe(TorrentProgress)

	h1 := core.InfoHashFixture()
	h2 := core.InfoHashFixture()
	b.PublishProgress(h1, Progress{Downloaded: 1})
	b.PublishProgress(h2, Progress{Downloaded: 1})

	assert.Len(t, ch, 2, "independent torrents must not share a throttle")
}

func TestForgetTorrentResetsThrottleState(t *testing.T) {
	b := New(nil)
	_, ch := b.Subscribe(TorrentProgress)
	h := core.InfoHashFixture()

	b.PublishProgress(h, Progress{Downloaded: 1})
	b.ForgetTorrent(h)
	b.PublishProgress(h, Progress{Downloaded: 2})

	assert.Len(t, ch, 2)
}

func uuidFixture() (u [16]byte) { return u }

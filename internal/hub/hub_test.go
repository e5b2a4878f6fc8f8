package hub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rtmpfanout/rtmpfanout/internal/media"
)

func chID() ChannelID { return ChannelID{App: "live", StreamKey: "key"} }

func TestAcquirePublisherConflict(t *testing.T) {
	h := New()
	id := chID()

	_, err := h.AcquirePublisher(id)
	require.NoError(t, err)

	_, err = h.AcquirePublisher(id)
	require.ErrorIs(t, err, ErrPublishConflict)
}

func TestSubscribeNotFoundWithoutPublisher(t *testing.T) {
	h := New()
	_, err := h.Subscribe(chID(), NewQueue(DefaultQueueCapacity), false)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSubscribeWaitForPublisherSucceedsEarly(t *testing.T) {
	h := New()
	handle, err := h.Subscribe(chID(), NewQueue(DefaultQueueCapacity), true)
	require.NoError(t, err)
	require.NotNil(t, handle)
	require.False(t, h.HasPublisher(chID()))
}

func TestPublishEventRequiresOwnership(t *testing.T) {
	h := New()
	id := chID()
	token, err := h.AcquirePublisher(id)
	require.NoError(t, err)

	other := &PublisherToken{}
	err = h.PublishEvent(id, other, media.Event{Kind: media.KindVideo})
	require.ErrorIs(t, err, ErrNotOwner)

	err = h.PublishEvent(id, token, media.Event{Kind: media.KindVideo})
	require.NoError(t, err)
}

// TestSubscribePreludeOrder exercises spec.md §8 property 6: a subscriber
// attaching after the prelude is established observes exactly its non-empty
// entries, in order, before anything else.
func TestSubscribePreludeOrder(t *testing.T) {
	h := New()
	id := chID()
	token, err := h.AcquirePublisher(id)
	require.NoError(t, err)

	meta := media.Event{Kind: media.KindMetadata, Timestamp: 1}
	audioHdr := media.Event{Kind: media.KindAudioHeader, IsSequenceHeader: true, Timestamp: 2}
	videoHdr := media.Event{Kind: media.KindVideoHeader, IsSequenceHeader: true, Timestamp: 3}

	require.NoError(t, h.PublishEvent(id, token, meta))
	require.NoError(t, h.PublishEvent(id, token, audioHdr))
	require.NoError(t, h.PublishEvent(id, token, videoHdr))
	// A live event published before the subscriber attaches must not be
	// replayed to it — only the prelude is.
	require.NoError(t, h.PublishEvent(id, token, videoEvent(4, false)))

	q := NewQueue(DefaultQueueCapacity)
	_, err = h.Subscribe(id, q, false)
	require.NoError(t, err)

	ctx := context.Background()
	got1, ok := q.Dequeue(ctx)
	require.True(t, ok)
	got2, ok := q.Dequeue(ctx)
	require.True(t, ok)
	got3, ok := q.Dequeue(ctx)
	require.True(t, ok)

	require.Equal(t, media.KindMetadata, got1.Kind)
	require.Equal(t, media.KindAudioHeader, got2.Kind)
	require.Equal(t, media.KindVideoHeader, got3.Kind)
}

func TestPublishEventFansOutToLiveSubscribers(t *testing.T) {
	h := New()
	id := chID()
	token, err := h.AcquirePublisher(id)
	require.NoError(t, err)

	q := NewQueue(DefaultQueueCapacity)
	_, err = h.Subscribe(id, q, false)
	require.NoError(t, err)

	require.NoError(t, h.PublishEvent(id, token, videoEvent(5, false)))

	e, ok := q.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, uint32(5), e.Timestamp)
}

func TestReleasePublisherDisconnectsSubscribers(t *testing.T) {
	h := New()
	id := chID()
	token, err := h.AcquirePublisher(id)
	require.NoError(t, err)

	q := NewQueue(DefaultQueueCapacity)
	_, err = h.Subscribe(id, q, false)
	require.NoError(t, err)

	h.ReleasePublisher(id, token)

	_, ok := q.Dequeue(context.Background())
	require.False(t, ok, "subscriber queue closes when the publisher is released")
}

func TestReleasePublisherNoopForNonOwner(t *testing.T) {
	h := New()
	id := chID()
	token, err := h.AcquirePublisher(id)
	require.NoError(t, err)

	h.ReleasePublisher(id, &PublisherToken{})
	// The real owner can still release and a new publisher can then acquire.
	h.ReleasePublisher(id, token)

	_, err = h.AcquirePublisher(id)
	require.NoError(t, err)
}

func TestUnsubscribeRemovesSubscriberFromFanOut(t *testing.T) {
	h := New()
	id := chID()
	token, err := h.AcquirePublisher(id)
	require.NoError(t, err)

	q := NewQueue(DefaultQueueCapacity)
	handle, err := h.Subscribe(id, q, false)
	require.NoError(t, err)

	h.Unsubscribe(handle)

	require.NoError(t, h.PublishEvent(id, token, videoEvent(1, false)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.Dequeue(ctx)
	require.False(t, ok, "unsubscribed queue never receives the later event")
}

func TestChannelDeletedWhenEmpty(t *testing.T) {
	h := New()
	id := chID()
	token, err := h.AcquirePublisher(id)
	require.NoError(t, err)

	h.ReleasePublisher(id, token)

	h.mu.Lock()
	_, exists := h.channels[id]
	h.mu.Unlock()
	require.False(t, exists)
}

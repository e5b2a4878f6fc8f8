// Package hub implements the process-wide channel registry (spec.md §4.4):
// single-publisher arbitration per channel, prelude tracking for late
// subscribers, and fan-out to a heterogeneous set of subscribers (HTTP-FLV,
// WebSocket, RTMP playback) seen only through the {Enqueue, Close}
// capability set (spec.md §9).
//
// Grounded on the teacher's RTMPServer channel table (rtmp_server.go's
// channels map, SetPublisher/RemovePublisher/AddPlayer/RemovePlayer),
// generalized away from RTMPSession so any transport can subscribe.
package hub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rtmpfanout/rtmpfanout/internal/media"
)

// ErrPublishConflict is returned by AcquirePublisher when the channel
// already has an owner (spec.md §3 invariant: at most one publisher).
var ErrPublishConflict = errors.New("hub: channel already has a publisher")

// ErrNotFound is returned by Subscribe/PublishEvent when the channel has
// never been published to (spec.md §7 NotFound).
var ErrNotFound = errors.New("hub: channel not found")

// ErrNotOwner is returned when a caller presents a PublisherToken that does
// not match the channel's current publisher (stale token after a
// ReleasePublisher, or never acquired).
var ErrNotOwner = errors.New("hub: caller does not own this channel")

// ChannelID identifies a channel by (app, stream key), compared byte-exact
// per spec.md §3.
type ChannelID struct {
	App       string
	StreamKey string
}

// Subscriber is the capability set the hub uses to deliver events,
// independent of transport (spec.md §9). Enqueue must never block.
type Subscriber interface {
	Enqueue(e media.Event) EnqueueResult
	Close()
}

// PublisherToken is the opaque handle returned by AcquirePublisher; it must
// be presented to ReleasePublisher/PublishEvent to prove ownership.
type PublisherToken struct {
	id uuid.UUID
}

// SubscriberHandle is the opaque handle returned by Subscribe.
type SubscriberHandle struct {
	id      uuid.UUID
	channel ChannelID
}

// Prelude holds the codec-initialization events a late subscriber must
// receive before any other event (spec.md §3/§8 property 6).
type Prelude struct {
	Metadata    *media.Event
	AudioHeader *media.Event
	VideoHeader *media.Event
}

// Events returns the non-nil prelude entries in the required delivery
// order: Metadata, AudioHeader, VideoHeader.
func (p Prelude) Events() []media.Event {
	out := make([]media.Event, 0, 3)
	if p.Metadata != nil {
		out = append(out, *p.Metadata)
	}
	if p.AudioHeader != nil {
		out = append(out, *p.AudioHeader)
	}
	if p.VideoHeader != nil {
		out = append(out, *p.VideoHeader)
	}
	return out
}

type channelState struct {
	mu          sync.Mutex
	publisher   *PublisherToken
	epoch       uint64
	prelude     Prelude
	subscribers map[uuid.UUID]Subscriber
}

// Hub is the process-wide channel registry. The zero value is not usable;
// construct with New.
type Hub struct {
	mu       sync.Mutex
	channels map[ChannelID]*channelState
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{channels: make(map[ChannelID]*channelState)}
}

func (h *Hub) channelLocked(id ChannelID, create bool) *channelState {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[id]
	if !ok {
		if !create {
			return nil
		}
		ch = &channelState{subscribers: make(map[uuid.UUID]Subscriber)}
		h.channels[id] = ch
	}
	return ch
}

// maybeDelete removes a channel from the table if it has no publisher and
// no subscribers left, mirroring the teacher's RemovePublisher/RemovePlayer
// cleanup (spec.md §3 Lifecycle).
func (h *Hub) maybeDelete(id ChannelID, ch *channelState) {
	ch.mu.Lock()
	empty := ch.publisher == nil && len(ch.subscribers) == 0
	ch.mu.Unlock()

	if !empty {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.channels[id]; ok && current == ch {
		delete(h.channels, id)
	}
}

// AcquirePublisher registers the caller as the channel's publisher, or
// returns ErrPublishConflict if one is already registered.
func (h *Hub) AcquirePublisher(id ChannelID) (*PublisherToken, error) {
	ch := h.channelLocked(id, true)

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.publisher != nil {
		return nil, ErrPublishConflict
	}

	token := &PublisherToken{id: uuid.New()}
	ch.publisher = token
	return token, nil
}

// ReleasePublisher releases ownership if token is the current owner; it is
// a no-op otherwise. Per spec.md §9's open question, the chosen policy is
// the documented safe default: disconnect subscribers on publisher
// departure rather than leaving them attached across epochs. An RTMP
// playback subscriber (§C.1) may choose to treat Close as "go idle and
// re-subscribe on the next publish" instead of dropping its TCP connection;
// that choice lives in internal/rtmp, not here.
func (h *Hub) ReleasePublisher(id ChannelID, token *PublisherToken) {
	h.mu.Lock()
	ch, ok := h.channels[id]
	h.mu.Unlock()
	if !ok {
		return
	}

	ch.mu.Lock()
	if ch.publisher == nil || ch.publisher.id != token.id {
		ch.mu.Unlock()
		return
	}

	ch.publisher = nil
	ch.epoch++
	ch.prelude = Prelude{}

	subs := make([]Subscriber, 0, len(ch.subscribers))
	for _, s := range ch.subscribers {
		subs = append(subs, s)
	}
	ch.subscribers = make(map[uuid.UUID]Subscriber)
	ch.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}

	h.maybeDelete(id, ch)
}

// Subscribe attaches sub to the channel's live event stream and
// synchronously delivers the current prelude, if any (spec.md §8 property
// 6). If the channel has never been published to, Subscribe returns
// ErrNotFound unless waitForPublisher is true, in which case an empty
// channel entry is created and the subscriber waits idle for a future
// publisher — the behavior the teacher's AddPlayer gives RTMP play clients
// (§C.1); HTTP-FLV and WebSocket adapters pass false per spec.md §7's
// NotFound policy for those transports.
func (h *Hub) Subscribe(id ChannelID, sub Subscriber, waitForPublisher bool) (*SubscriberHandle, error) {
	ch := h.channelLocked(id, waitForPublisher)
	if ch == nil {
		return nil, ErrNotFound
	}

	ch.mu.Lock()
	subID := uuid.New()
	ch.subscribers[subID] = sub
	prelude := ch.prelude
	ch.mu.Unlock()

	for _, e := range prelude.Events() {
		sub.Enqueue(e)
	}

	return &SubscriberHandle{id: subID, channel: id}, nil
}

// Unsubscribe detaches a subscriber. It is a no-op if the handle is stale.
func (h *Hub) Unsubscribe(handle *SubscriberHandle) {
	h.mu.Lock()
	ch, ok := h.channels[handle.channel]
	h.mu.Unlock()
	if !ok {
		return
	}

	ch.mu.Lock()
	delete(ch.subscribers, handle.id)
	ch.mu.Unlock()

	h.maybeDelete(handle.channel, ch)
}

// PublishEvent fans e out to every current subscriber of id, updating the
// held prelude first when e is a sequence header or metadata event (spec.md
// §4.4's prelude update rule). Returns ErrNotOwner if token is not the
// channel's current publisher.
func (h *Hub) PublishEvent(id ChannelID, token *PublisherToken, e media.Event) error {
	h.mu.Lock()
	ch, ok := h.channels[id]
	h.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	ch.mu.Lock()
	if ch.publisher == nil || ch.publisher.id != token.id {
		ch.mu.Unlock()
		return ErrNotOwner
	}

	switch e.Kind {
	case media.KindMetadata:
		ch.prelude.Metadata = &e
	case media.KindAudioHeader:
		ch.prelude.AudioHeader = &e
	case media.KindVideoHeader:
		ch.prelude.VideoHeader = &e
	}

	subs := make([]Subscriber, 0, len(ch.subscribers))
	for _, s := range ch.subscribers {
		subs = append(subs, s)
	}
	ch.mu.Unlock()

	for _, s := range subs {
		s.Enqueue(e)
	}

	return nil
}

// HasPublisher reports whether channel id currently has a live publisher,
// used by playback subscribers deciding whether to start live or idle
// (supplemented feature §C.1).
func (h *Hub) HasPublisher(id ChannelID) bool {
	h.mu.Lock()
	ch, ok := h.channels[id]
	h.mu.Unlock()
	if !ok {
		return false
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.publisher != nil
}

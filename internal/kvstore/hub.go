package kvstore

import (
	"sync"
)

// subscriptionBuffer bounds how many undelivered messages one subscriber
// can hold before the oldest is dropped.
const subscriptionBuffer = 16

// hub fans published messages out to in-process subscribers. MemoryStore
// uses it as its whole pub/sub layer; PostgresStore and RedisStore feed it
// from a single LISTEN or SUBSCRIBE connection.
type hub struct {
	mu      sync.Mutex
	subs    map[string]map[*hubSubscription]struct{}
	closed  bool
	onEmpty func(channel string)
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*hubSubscription]struct{})}
}

// subscribe registers a subscriber and reports whether it is the first one
// on channel.
func (h *hub) subscribe(channel string) (*hubSubscription, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, false, ErrClosed
	}

	sub := &hubSubscription{
		hub:     h,
		channel: channel,
		msgs:    make(chan string, subscriptionBuffer),
	}
	set, ok := h.subs[channel]
	if !ok {
		set = make(map[*hubSubscription]struct{})
		h.subs[channel] = set
	}
	set[sub] = struct{}{}
	return sub, len(set) == 1, nil
}

// publish delivers message to every subscriber on channel and returns how
// many there were. Slow subscribers lose their oldest pending message.
func (h *hub) publish(channel, message string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[channel]
	for sub := range set {
		select {
		case sub.msgs <- message:
			continue
		default:
		}
		// Only publishers send, and they hold h.mu, so after dropping one
		// message the send below cannot block.
		select {
		case <-sub.msgs:
		default:
		}
		sub.msgs <- message
	}
	return len(set)
}

func (h *hub) remove(sub *hubSubscription) {
	if h.detach(sub) {
		h.mu.Lock()
		onEmpty := h.onEmpty
		h.mu.Unlock()
		if onEmpty != nil {
			onEmpty(sub.channel)
		}
	}
}

// detach unregisters sub and reports whether its channel is now empty.
func (h *hub) detach(sub *hubSubscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[sub.channel]
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	close(sub.msgs)
	if len(set) == 0 {
		delete(h.subs, sub.channel)
		return true
	}
	return false
}

func (h *hub) count(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[channel])
}

func (h *hub) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// close drops every subscriber and rejects new ones.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for channel, set := range h.subs {
		for sub := range set {
			close(sub.msgs)
		}
		delete(h.subs, channel)
	}
}

type hubSubscription struct {
	hub     *hub
	channel string
	msgs    chan string
	once    sync.Once
}

func (s *hubSubscription) Messages() <-chan string {
	return s.msgs
}

func (s *hubSubscription) Close() error {
	s.once.Do(func() { s.hub.remove(s) })
	return nil
}

// discard closes the subscription without running the hub's onEmpty hook.
func (s *hubSubscription) discard() {
	s.once.Do(func() { s.hub.detach(s) })
}

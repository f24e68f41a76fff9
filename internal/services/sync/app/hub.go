package app

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gridforge/tabletop/internal/wire"
)

type syncPeer struct {
	mu       sync.Mutex
	encoder  *json.Encoder
	clientID string
	userID   string
}

func newSyncPeer(encoder *json.Encoder, clientID string, userID string) *syncPeer {
	return &syncPeer{encoder: encoder, clientID: clientID, userID: userID}
}

func (p *syncPeer) send(frame wire.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

type watchSpec struct {
	table  string
	filter wire.Filter
}

type presenceEntry struct {
	userID   string
	deadline time.Time
}

type topicChannel struct {
	mu          sync.Mutex
	topic       string
	subscribers map[*syncPeer]struct{}
	watches     map[*syncPeer][]watchSpec
	members     map[*syncPeer]presenceEntry
}

func newTopicChannel(topic string) *topicChannel {
	return &topicChannel{
		topic:       topic,
		subscribers: make(map[*syncPeer]struct{}),
		watches:     make(map[*syncPeer][]watchSpec),
		members:     make(map[*syncPeer]presenceEntry),
	}
}

func (c *topicChannel) join(peer *syncPeer) {
	c.mu.Lock()
	c.subscribers[peer] = struct{}{}
	c.mu.Unlock()
}

func (c *topicChannel) joined(peer *syncPeer) bool {
	c.mu.Lock()
	_, ok := c.subscribers[peer]
	c.mu.Unlock()
	return ok
}

// leave removes the peer entirely and reports whether presence changed.
func (c *topicChannel) leave(peer *syncPeer) bool {
	c.mu.Lock()
	delete(c.subscribers, peer)
	delete(c.watches, peer)
	_, wasMember := c.members[peer]
	delete(c.members, peer)
	c.mu.Unlock()
	return wasMember
}

func (c *topicChannel) addWatch(peer *syncPeer, spec watchSpec) {
	c.mu.Lock()
	c.watches[peer] = append(c.watches[peer], spec)
	c.mu.Unlock()
}

func (c *topicChannel) track(peer *syncPeer, userID string, ttl time.Duration) {
	c.mu.Lock()
	c.members[peer] = presenceEntry{userID: userID, deadline: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *topicChannel) refresh(peer *syncPeer, ttl time.Duration) {
	c.mu.Lock()
	if entry, ok := c.members[peer]; ok {
		entry.deadline = time.Now().Add(ttl)
		c.members[peer] = entry
	}
	c.mu.Unlock()
}

// expire drops members past their deadline and reports whether any were
// removed.
func (c *topicChannel) expire(now time.Time) bool {
	c.mu.Lock()
	removed := false
	for peer, entry := range c.members {
		if now.After(entry.deadline) {
			delete(c.members, peer)
			removed = true
		}
	}
	c.mu.Unlock()
	return removed
}

func (c *topicChannel) memberList() []wire.Member {
	c.mu.Lock()
	members := make([]wire.Member, 0, len(c.members))
	for peer, entry := range c.members {
		members = append(members, wire.Member{UserID: entry.userID, ClientID: peer.clientID})
	}
	c.mu.Unlock()
	return members
}

func (c *topicChannel) subscriberList() []*syncPeer {
	c.mu.Lock()
	peers := make([]*syncPeer, 0, len(c.subscribers))
	for peer := range c.subscribers {
		peers = append(peers, peer)
	}
	c.mu.Unlock()
	return peers
}

// changeTargets returns the peers whose watches match the change.
func (c *topicChannel) changeTargets(change wire.Change) []*syncPeer {
	row := change.Row()
	c.mu.Lock()
	var targets []*syncPeer
	for peer, specs := range c.watches {
		for _, spec := range specs {
			if spec.table != change.Table {
				continue
			}
			if spec.filter.Matches(row) {
				targets = append(targets, peer)
				break
			}
		}
	}
	c.mu.Unlock()
	return targets
}

type channelHub struct {
	mu       sync.Mutex
	channels map[string]*topicChannel
}

func newChannelHub() *channelHub {
	return &channelHub{channels: make(map[string]*topicChannel)}
}

// channel returns the singleton channel for topic, creating it on first use.
func (h *channelHub) channel(topic string) *topicChannel {
	h.mu.Lock()
	defer h.mu.Unlock()

	channel, ok := h.channels[topic]
	if ok {
		return channel
	}
	channel = newTopicChannel(topic)
	h.channels[topic] = channel
	return channel
}

func (h *channelHub) lookup(topic string) *topicChannel {
	h.mu.Lock()
	channel := h.channels[topic]
	h.mu.Unlock()
	return channel
}

func (h *channelHub) channelList() []*topicChannel {
	h.mu.Lock()
	channels := make([]*topicChannel, 0, len(h.channels))
	for _, channel := range h.channels {
		channels = append(channels, channel)
	}
	h.mu.Unlock()
	return channels
}

// dropPeer removes the peer from every channel and broadcasts presence where
// membership changed.
func (h *channelHub) dropPeer(peer *syncPeer) {
	for _, channel := range h.channelList() {
		if channel.leave(peer) {
			broadcastPresence(channel)
		}
	}
}

// publishChange fans a row change out to every peer with a matching watch.
func (h *channelHub) publishChange(change wire.Change) {
	for _, channel := range h.channelList() {
		targets := channel.changeTargets(change)
		if len(targets) == 0 {
			continue
		}
		frame := wire.Frame{
			Type:    wire.TypeChange,
			Payload: mustJSON(wire.ChangePayload{Topic: channel.topic, Change: change}),
		}
		for _, target := range targets {
			_ = target.send(frame)
		}
	}
}

// sweepExpired expires stale presence members across all channels.
func (h *channelHub) sweepExpired(now time.Time) {
	for _, channel := range h.channelList() {
		if channel.expire(now) {
			broadcastPresence(channel)
		}
	}
}

// broadcastPresence sends the channel's full member state to every
// subscriber.
func broadcastPresence(channel *topicChannel) {
	frame := wire.Frame{
		Type: wire.TypePresence,
		Payload: mustJSON(wire.PresencePayload{
			Topic:   channel.topic,
			Members: channel.memberList(),
		}),
	}
	for _, peer := range channel.subscriberList() {
		_ = peer.send(frame)
	}
}

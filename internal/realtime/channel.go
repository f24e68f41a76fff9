package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/gridforge/tabletop/internal/wire"
)

// ChannelState tracks a channel through its lifecycle. A closed channel is
// never revived; the registry creates a fresh one on the next join.
type ChannelState int

const (
	StateJoining ChannelState = iota
	StateJoined
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var ErrChannelClosed = errors.New("realtime: channel closed")

// Channel is a joined topic subscription handed out by the registry. The
// same instance is shared by every caller that joined the topic; per-caller
// cleanup happens through the remove funcs and Registry.ReleaseIfUnused.
type Channel struct {
	topic string
	tc    TransportChannel

	mu    sync.Mutex
	state ChannelState
	refs  int
}

func newChannel(topic string, tc TransportChannel) *Channel {
	return &Channel{topic: topic, tc: tc, state: StateJoining}
}

func (c *Channel) Topic() string { return c.topic }

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(state ChannelState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Channel) addRef() {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
}

// release decrements the refcount and reports whether this call took it to
// zero. Calls past zero are no-ops so double releases stay harmless.
func (c *Channel) release() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs == 0 {
		return false
	}
	c.refs--
	return c.refs == 0
}

// OnChange registers handler for row changes matching watch. Delivery is
// filtered again locally so rows mutated between registration and the hub
// acking the watch never leak through.
func (c *Channel) OnChange(watch Watch, handler func(wire.Change)) (func(), error) {
	if c.State() == StateClosed {
		return nil, ErrChannelClosed
	}
	return c.tc.OnChange(watch, handler)
}

// OnPresence registers handler for full presence snapshots of the topic.
func (c *Channel) OnPresence(handler func([]wire.Member)) (func(), error) {
	if c.State() == StateClosed {
		return nil, ErrChannelClosed
	}
	return c.tc.OnPresence(handler), nil
}

// Track announces userID as present on the topic.
func (c *Channel) Track(ctx context.Context, userID string) error {
	if c.State() == StateClosed {
		return ErrChannelClosed
	}
	return c.tc.Track(ctx, userID)
}

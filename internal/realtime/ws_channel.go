package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gridforge/tabletop/internal/platform/timeouts"
	"github.com/gridforge/tabletop/internal/wire"
)

type changeHandler struct {
	table  string
	filter wire.Filter
	fn     func(wire.Change)
}

// wsChannel is one topic subscription on a WSTransport. It keeps enough
// state (watches, tracked identity) to replay itself after a reconnect.
type wsChannel struct {
	t     *WSTransport
	topic string

	mu         sync.Mutex
	subscribed bool
	nextID     int
	handlers   map[int]changeHandler
	presence   map[int]func([]wire.Member)
	// watches dedups hub-side watch registrations by table|filter.
	watches map[string]Watch
	tracked bool
	userID  string
}

func (c *wsChannel) OnChange(watch Watch, handler func(wire.Change)) (func(), error) {
	table := strings.TrimSpace(watch.Table)
	if table == "" {
		return nil, fmt.Errorf("realtime: watch table is required")
	}
	filter, err := wire.ParseFilter(watch.Filter)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.nextID++
	handlerID := c.nextID
	c.handlers[handlerID] = changeHandler{table: table, filter: filter, fn: handler}
	key := table + "|" + watch.Filter
	_, known := c.watches[key]
	c.watches[key] = Watch{Table: table, Filter: watch.Filter}
	subscribed := c.subscribed
	c.mu.Unlock()

	if subscribed && !known {
		ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreRequest)
		defer cancel()
		if _, err := c.t.request(ctx, wire.TypeWatch, wire.WatchPayload{
			Topic:  c.topic,
			Table:  table,
			Filter: watch.Filter,
		}); err != nil {
			c.mu.Lock()
			delete(c.handlers, handlerID)
			c.mu.Unlock()
			return nil, err
		}
	}

	return func() {
		c.mu.Lock()
		delete(c.handlers, handlerID)
		c.mu.Unlock()
	}, nil
}

func (c *wsChannel) OnPresence(handler func([]wire.Member)) func() {
	c.mu.Lock()
	c.nextID++
	handlerID := c.nextID
	c.presence[handlerID] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.presence, handlerID)
		c.mu.Unlock()
	}
}

func (c *wsChannel) Subscribe(ctx context.Context) error {
	if err := c.t.ensureConn(ctx); err != nil {
		return err
	}
	frame, err := c.t.request(ctx, wire.TypeJoin, wire.JoinPayload{Topic: c.topic})
	if err != nil {
		return err
	}
	if frame.Type != wire.TypeJoined {
		return fmt.Errorf("realtime: unexpected join response %q", frame.Type)
	}

	c.mu.Lock()
	c.subscribed = true
	watches := make([]Watch, 0, len(c.watches))
	for _, w := range c.watches {
		watches = append(watches, w)
	}
	c.mu.Unlock()

	for _, w := range watches {
		if _, err := c.t.request(ctx, wire.TypeWatch, wire.WatchPayload{
			Topic:  c.topic,
			Table:  w.Table,
			Filter: w.Filter,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *wsChannel) Track(ctx context.Context, userID string) error {
	if _, err := c.t.request(ctx, wire.TypeTrack, wire.TrackPayload{
		Topic:  c.topic,
		UserID: userID,
	}); err != nil {
		return err
	}
	c.mu.Lock()
	c.tracked = true
	c.userID = userID
	c.mu.Unlock()
	return nil
}

func (c *wsChannel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	c.subscribed = false
	c.tracked = false
	c.mu.Unlock()

	c.t.mu.Lock()
	if c.t.channels[c.topic] == c {
		delete(c.t.channels, c.topic)
	}
	connected := c.t.enc != nil
	c.t.mu.Unlock()

	if !connected {
		return nil
	}
	_, err := c.t.request(ctx, wire.TypeLeave, wire.LeavePayload{Topic: c.topic})
	return err
}

// replay restores the channel's hub-side state on a fresh connection.
func (c *wsChannel) replay() error {
	c.mu.Lock()
	subscribed := c.subscribed
	tracked := c.tracked
	userID := c.userID
	c.mu.Unlock()
	if !subscribed {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreRequest)
	defer cancel()

	if err := c.Subscribe(ctx); err != nil {
		return err
	}
	if tracked {
		if err := c.Track(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

func (c *wsChannel) deliverPresence(members []wire.Member) {
	c.mu.Lock()
	handlers := make([]func([]wire.Member), 0, len(c.presence))
	for _, fn := range c.presence {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(members)
	}
}

// deliverChange fans the change out to every handler whose table and filter
// match. The local filter check guards against changes raced in before the
// hub registered a narrower watch.
func (c *wsChannel) deliverChange(change wire.Change) {
	c.mu.Lock()
	handlers := make([]changeHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		if h.table != change.Table {
			continue
		}
		if !h.filter.IsZero() && !h.filter.Matches(change.Row()) {
			continue
		}
		h.fn(change)
	}
}

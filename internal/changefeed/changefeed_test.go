package changefeed

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/gridforge/tabletop/internal/realtime"
	"github.com/gridforge/tabletop/internal/wire"
)

type stubTransport struct {
	mu       sync.Mutex
	channels map[string]*stubChannel
}

func newStubTransport() *stubTransport {
	return &stubTransport{channels: make(map[string]*stubChannel)}
}

func (s *stubTransport) Channel(topic string) realtime.TransportChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[topic]
	if !ok {
		ch = &stubChannel{handlers: make(map[int]stubWatch)}
		s.channels[topic] = ch
	}
	return ch
}

func (s *stubTransport) channel(t *testing.T, topic string) *stubChannel {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[topic]
	if !ok {
		t.Fatalf("no transport channel for topic %q", topic)
	}
	return ch
}

type stubWatch struct {
	watch   realtime.Watch
	filter  wire.Filter
	handler func(wire.Change)
}

type stubChannel struct {
	mu           sync.Mutex
	nextID       int
	handlers     map[int]stubWatch
	unsubscribes int
}

func (c *stubChannel) OnChange(watch realtime.Watch, handler func(wire.Change)) (func(), error) {
	filter, err := wire.ParseFilter(watch.Filter)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.nextID++
	handlerID := c.nextID
	c.handlers[handlerID] = stubWatch{watch: watch, filter: filter, handler: handler}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers, handlerID)
		c.mu.Unlock()
	}, nil
}

func (c *stubChannel) OnPresence(handler func([]wire.Member)) func() {
	return func() {}
}

func (c *stubChannel) Subscribe(ctx context.Context) error { return nil }

func (c *stubChannel) Track(ctx context.Context, userID string) error { return nil }

func (c *stubChannel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	c.unsubscribes++
	c.mu.Unlock()
	return nil
}

// emit mimics the transport delivering a change: table and filter matching
// happen the way the live channel does it.
func (c *stubChannel) emit(change wire.Change) {
	c.mu.Lock()
	watches := make([]stubWatch, 0, len(c.handlers))
	for _, w := range c.handlers {
		watches = append(watches, w)
	}
	c.mu.Unlock()

	for _, w := range watches {
		if w.watch.Table != change.Table {
			continue
		}
		if !w.filter.IsZero() && !w.filter.Matches(change.Row()) {
			continue
		}
		w.handler(change)
	}
}

func (c *stubChannel) unsubscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribes
}

func TestSubscribeValidatesInput(t *testing.T) {
	feed := New(realtime.NewRegistry(newStubTransport()))
	ctx := context.Background()

	cases := []struct {
		name string
		sub  Subscription
		want error
	}{
		{"missing topic", Subscription{Table: "tokens", OnChange: func(wire.Change) {}}, ErrMissingTopic},
		{"missing table", Subscription{Topic: "map_1", OnChange: func(wire.Change) {}}, ErrMissingTable},
		{"missing handler", Subscription{Topic: "map_1", Table: "tokens"}, ErrMissingHandler},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := feed.Subscribe(ctx, tc.sub); !errors.Is(err, tc.want) {
				t.Fatalf("Subscribe err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSubscribeDeliversMatchingChanges(t *testing.T) {
	transport := newStubTransport()
	feed := New(realtime.NewRegistry(transport))

	var got []wire.Change
	cancel, err := feed.Subscribe(context.Background(), Subscription{
		Topic:  "map_1",
		Table:  "tokens",
		Filter: "map_id=eq.map_1",
		OnChange: func(change wire.Change) {
			got = append(got, change)
		},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	ch := transport.channel(t, "map_1")
	ch.emit(wire.Change{
		Table:  "tokens",
		Op:     wire.OpUpdate,
		NewRow: map[string]any{"id": "tok_1", "map_id": "map_1"},
	})
	ch.emit(wire.Change{
		Table:  "tokens",
		Op:     wire.OpUpdate,
		NewRow: map[string]any{"id": "tok_2", "map_id": "map_9"},
	})
	ch.emit(wire.Change{
		Table:  "maps",
		Op:     wire.OpUpdate,
		NewRow: map[string]any{"id": "map_1", "map_id": "map_1"},
	})

	if len(got) != 1 {
		t.Fatalf("delivered changes = %d, want 1", len(got))
	}
	if got[0].NewRow["id"] != "tok_1" {
		t.Fatalf("delivered row id = %v, want tok_1", got[0].NewRow["id"])
	}
}

func TestCancelReleasesChannelAtLastSubscriber(t *testing.T) {
	transport := newStubTransport()
	feed := New(realtime.NewRegistry(transport))
	ctx := context.Background()

	sub := Subscription{Topic: "map_1", Table: "tokens", OnChange: func(wire.Change) {}}
	cancelA, err := feed.Subscribe(ctx, sub)
	if err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	cancelB, err := feed.Subscribe(ctx, sub)
	if err != nil {
		t.Fatalf("second Subscribe: %v", err)
	}

	ch := transport.channel(t, "map_1")

	cancelA()
	cancelA() // idempotent
	if got := ch.unsubscribeCount(); got != 0 {
		t.Fatalf("unsubscribe count after one cancel = %d, want 0", got)
	}

	cancelB()
	if got := ch.unsubscribeCount(); got != 1 {
		t.Fatalf("unsubscribe count after last cancel = %d, want 1", got)
	}
}

func TestSubscribeRejectsBadFilter(t *testing.T) {
	transport := newStubTransport()
	feed := New(realtime.NewRegistry(transport))

	_, err := feed.Subscribe(context.Background(), Subscription{
		Topic:    "map_1",
		Table:    "tokens",
		Filter:   "not-a-filter",
		OnChange: func(wire.Change) {},
	})
	if err == nil {
		t.Fatal("expected filter parse error")
	}
	// The failed subscribe must not hold the channel open.
	if got := transport.channel(t, "map_1").unsubscribeCount(); got != 1 {
		t.Fatalf("unsubscribe count = %d, want 1", got)
	}
}

// Package realtime maintains multiplexed topic channels over the sync hub's
// realtime transport: one logical connection per process, one live channel
// per topic, presence tracking, and row-change delivery.
package realtime

import (
	"context"

	"github.com/gridforge/tabletop/internal/wire"
)

// Watch scopes row-change delivery to one table and an optional
// "column=eq.value" row filter.
type Watch struct {
	Table  string
	Filter string
}

// Transport is the realtime connection the registry multiplexes channels
// over. The connection is a process-wide shared resource: implementations
// dial lazily and channels never assume exclusive ownership of it.
type Transport interface {
	Channel(topic string) TransportChannel
}

// TransportChannel is one logical pub/sub subscription on the transport.
//
// OnChange and OnPresence may be called before or after Subscribe; handlers
// registered early are activated when the subscription settles.
type TransportChannel interface {
	OnChange(watch Watch, handler func(wire.Change)) (remove func(), err error)
	OnPresence(handler func([]wire.Member)) (remove func())
	Subscribe(ctx context.Context) error
	Track(ctx context.Context, userID string) error
	Unsubscribe(ctx context.Context) error
}

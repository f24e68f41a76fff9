// Package changefeed routes row-change notifications from topic channels to
// feature callbacks. It owns the channel lifecycle for its subscribers: one
// Subscribe joins the topic, one cancel releases it.
package changefeed

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/gridforge/tabletop/internal/realtime"
	"github.com/gridforge/tabletop/internal/wire"
)

var (
	ErrMissingTopic   = errors.New("changefeed: topic is required")
	ErrMissingTable   = errors.New("changefeed: table is required")
	ErrMissingHandler = errors.New("changefeed: change handler is required")
)

// Subscription describes one row-change feed: every change on Table within
// Topic that matches Filter is delivered to OnChange. Filter uses the
// "column=eq.value" form and may be empty for all rows of the table.
type Subscription struct {
	Topic    string
	Table    string
	Filter   string
	OnChange func(wire.Change)
}

// Feed joins topic channels on demand and fans row changes out to
// subscribers.
type Feed struct {
	registry *realtime.Registry
}

func New(registry *realtime.Registry) *Feed {
	return &Feed{registry: registry}
}

// Subscribe starts delivering changes for sub and returns a cancel func.
// Cancel is idempotent; the underlying channel is released only when every
// subscriber on the topic has cancelled.
func (f *Feed) Subscribe(ctx context.Context, sub Subscription) (func(), error) {
	if strings.TrimSpace(sub.Topic) == "" {
		return nil, ErrMissingTopic
	}
	if strings.TrimSpace(sub.Table) == "" {
		return nil, ErrMissingTable
	}
	if sub.OnChange == nil {
		return nil, ErrMissingHandler
	}

	channel, err := f.registry.Join(ctx, sub.Topic)
	if err != nil {
		return nil, err
	}

	remove, err := channel.OnChange(realtime.Watch{
		Table:  sub.Table,
		Filter: sub.Filter,
	}, sub.OnChange)
	if err != nil {
		_ = f.registry.ReleaseIfUnused(ctx, sub.Topic)
		return nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			remove()
			_ = f.registry.ReleaseIfUnused(context.Background(), sub.Topic)
		})
	}
	return cancel, nil
}

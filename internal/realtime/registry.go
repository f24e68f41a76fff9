package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

var ErrEmptyTopic = errors.New("realtime: empty topic")

// Registry hands out at most one live Channel per topic. Concurrent joins
// for the same topic collapse into a single transport subscription, and a
// refcount per channel keeps it alive until every joiner has released it.
type Registry struct {
	transport Transport

	mu       sync.Mutex
	channels map[string]*Channel
	joins    singleflight.Group
}

func NewRegistry(transport Transport) *Registry {
	return &Registry{
		transport: transport,
		channels:  make(map[string]*Channel),
	}
}

// Join returns the live channel for topic, creating and subscribing it on
// first use. Joining an already-joined topic returns the same instance
// without touching the transport; a failed subscribe leaves no channel
// behind, so the next join retries from scratch.
func (r *Registry) Join(ctx context.Context, topic string) (*Channel, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, ErrEmptyTopic
	}

	for {
		v, err, _ := r.joins.Do(topic, func() (any, error) {
			r.mu.Lock()
			ch := r.channels[topic]
			if ch != nil && ch.State() == StateJoined {
				r.mu.Unlock()
				return ch, nil
			}
			if ch == nil || ch.State() == StateClosed {
				ch = newChannel(topic, r.transport.Channel(topic))
				r.channels[topic] = ch
			}
			r.mu.Unlock()

			if err := ch.tc.Subscribe(ctx); err != nil {
				ch.setState(StateClosed)
				r.mu.Lock()
				if r.channels[topic] == ch {
					delete(r.channels, topic)
				}
				r.mu.Unlock()
				return nil, err
			}
			ch.setState(StateJoined)
			return ch, nil
		})
		if err != nil {
			return nil, err
		}

		// Claim the ref under the registry lock: a concurrent release that
		// drains the channel to zero refs tears it down atomically with the
		// same lock, so a successful claim here is final.
		ch := v.(*Channel)
		r.mu.Lock()
		if r.channels[topic] == ch && ch.State() == StateJoined {
			ch.addRef()
			r.mu.Unlock()
			return ch, nil
		}
		r.mu.Unlock()
		// The channel was torn down between subscribe and claim; join again.
	}
}

// Lookup returns the channel for topic if one is live, without joining.
func (r *Registry) Lookup(topic string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[topic]
	return ch, ok
}

// ReleaseIfUnused drops one joiner's claim on topic. The transport
// subscription is torn down only when the last claim is released; releasing
// an unknown or already-drained topic is a no-op.
func (r *Registry) ReleaseIfUnused(ctx context.Context, topic string) error {
	r.mu.Lock()
	ch := r.channels[topic]
	if ch == nil {
		r.mu.Unlock()
		return nil
	}
	if !ch.release() {
		r.mu.Unlock()
		return nil
	}
	ch.setState(StateClosed)
	delete(r.channels, topic)
	r.mu.Unlock()
	return ch.tc.Unsubscribe(ctx)
}

// Close tears down every live channel. Used on client shutdown.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	channels := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.channels = make(map[string]*Channel)
	r.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		ch.setState(StateClosed)
		if err := ch.tc.Unsubscribe(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

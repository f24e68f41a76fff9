package realtime

import (
	"context"

	"github.com/gridforge/tabletop/internal/wire"
)

// Resolver supplies the participant id to announce on a topic.
type Resolver interface {
	Resolve() string
}

// Tracker announces presence on joined channels and surfaces membership
// snapshots to callers.
type Tracker struct {
	identity Resolver
}

func NewTracker(identity Resolver) *Tracker {
	return &Tracker{identity: identity}
}

// Track resolves the participant identity and announces it on ch. It
// returns the id that was announced so the caller can distinguish its own
// entry in presence snapshots.
func (t *Tracker) Track(ctx context.Context, ch *Channel) (string, error) {
	userID := t.identity.Resolve()
	if err := ch.Track(ctx, userID); err != nil {
		return "", err
	}
	return userID, nil
}

// Watch registers handler for presence snapshots on ch.
func (t *Tracker) Watch(ch *Channel, handler func([]wire.Member)) (func(), error) {
	return ch.OnPresence(handler)
}

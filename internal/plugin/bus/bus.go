// Package bus is the message fabric between the host application and
// plugin panels. Delivery is broadcast and fire-and-forget: a send reaches
// every attached endpoint except the sender, exactly once, and nobody waits
// for handlers.
package bus

import (
	"sync"

	"github.com/gridforge/tabletop/internal/platform/id"
)

// Message is one bus broadcast. From is assigned by the host from the
// sending endpoint's identity; senders cannot spoof it.
type Message struct {
	Kind string
	From string
	Data map[string]any
}

// Host owns the endpoint set and routes broadcasts between them. The host
// application itself participates through a reserved endpoint, exposed as
// Emit and On.
type Host struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	self      *Endpoint
}

func NewHost() *Host {
	h := &Host{endpoints: make(map[string]*Endpoint)}
	h.self = h.Register("host")
	return h
}

// Emit broadcasts from the host application to every attached endpoint.
func (h *Host) Emit(kind string, data map[string]any) {
	h.self.Send(kind, data)
}

// On registers a host-side listener for plugin emissions of kind.
func (h *Host) On(kind string, fn func(Message)) func() {
	return h.self.On(kind, fn)
}

// Register attaches a new endpoint. name is a human-readable label; the
// returned endpoint carries a unique identity minted by the host.
func (h *Host) Register(name string) *Endpoint {
	e := &Endpoint{
		host:     h,
		id:       id.NewPrefixed("ep"),
		name:     name,
		handlers: make(map[string]map[int]func(Message)),
	}
	h.mu.Lock()
	h.endpoints[e.id] = e
	h.mu.Unlock()
	return e
}

func (h *Host) broadcast(from *Endpoint, msg Message) {
	h.mu.Lock()
	targets := make([]*Endpoint, 0, len(h.endpoints))
	for _, e := range h.endpoints {
		if e == from {
			continue
		}
		targets = append(targets, e)
	}
	h.mu.Unlock()

	for _, e := range targets {
		e.deliver(msg)
	}
}

func (h *Host) drop(e *Endpoint) {
	h.mu.Lock()
	delete(h.endpoints, e.id)
	h.mu.Unlock()
}

// Endpoint is one attached bus participant.
type Endpoint struct {
	host *Host
	id   string
	name string

	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]func(Message)
	detached bool
}

func (e *Endpoint) ID() string   { return e.id }
func (e *Endpoint) Name() string { return e.name }

// On registers fn for messages of kind and returns a remove func.
func (e *Endpoint) On(kind string, fn func(Message)) func() {
	e.mu.Lock()
	e.nextID++
	handlerID := e.nextID
	if e.handlers[kind] == nil {
		e.handlers[kind] = make(map[int]func(Message))
	}
	e.handlers[kind][handlerID] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.handlers[kind], handlerID)
		e.mu.Unlock()
	}
}

// Send broadcasts data under kind to every other attached endpoint. Sends
// from a detached endpoint are dropped.
func (e *Endpoint) Send(kind string, data map[string]any) {
	e.mu.Lock()
	detached := e.detached
	e.mu.Unlock()
	if detached {
		return
	}
	e.host.broadcast(e, Message{Kind: kind, From: e.id, Data: data})
}

// Detach removes the endpoint from the bus. Pending handlers never fire
// again; further sends are no-ops.
func (e *Endpoint) Detach() {
	e.mu.Lock()
	if e.detached {
		e.mu.Unlock()
		return
	}
	e.detached = true
	e.mu.Unlock()
	e.host.drop(e)
}

func (e *Endpoint) deliver(msg Message) {
	e.mu.Lock()
	if e.detached {
		e.mu.Unlock()
		return
	}
	fns := make([]func(Message), 0, len(e.handlers[msg.Kind]))
	for _, fn := range e.handlers[msg.Kind] {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}

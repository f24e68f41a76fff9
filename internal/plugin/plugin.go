package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Shopify/go-lua"

	"github.com/gridforge/tabletop/internal/plugin/bus"
)

// Plugin is one loaded extension with its own interpreter state. The state
// is not safe for concurrent use; calls are serialized by the plugin's
// mutex.
type Plugin struct {
	Name        string
	Title       string
	Icon        string
	Version     string
	ManifestURL string

	mu        sync.Mutex
	state     *lua.State
	entry     string
	renderers []string
	endpoint  *bus.Endpoint

	// busMu guards the deferred-delivery queue. luaDepth counts goroutines
	// that are inside runLua; while it is nonzero, bus messages queue up
	// instead of contending for the interpreter.
	busMu    sync.Mutex
	luaDepth int
	busQueue []bus.Message
}

// runLua executes fn with the interpreter lock held, then delivers any bus
// messages that arrived while Lua was running. luaDepth is raised before
// the lock is taken, so a delivery triggered from inside fn is queued
// rather than blocking on a lock its own goroutine holds.
func (p *Plugin) runLua(fn func()) {
	p.busMu.Lock()
	p.luaDepth++
	p.busMu.Unlock()

	p.mu.Lock()
	fn()
	p.mu.Unlock()

	p.busMu.Lock()
	p.luaDepth--
	drain := p.luaDepth == 0 && len(p.busQueue) > 0
	p.busMu.Unlock()
	if drain {
		p.drainBus()
	}
}

func (p *Plugin) drainBus() {
	for {
		p.busMu.Lock()
		if p.luaDepth > 0 || len(p.busQueue) == 0 {
			p.busMu.Unlock()
			return
		}
		msg := p.busQueue[0]
		p.busQueue = p.busQueue[1:]
		p.busMu.Unlock()
		p.runLua(func() { p.dispatchLocked(msg) })
	}
}

// Close detaches the plugin from the message bus. Call it when the last
// window referencing the plugin goes away.
func (p *Plugin) Close() {
	if p.endpoint != nil {
		p.endpoint.Detach()
	}
}

// Renderers lists the render_* methods the entry point exposes, sorted.
func (p *Plugin) Renderers() []string {
	out := make([]string, len(p.renderers))
	copy(out, p.renderers)
	return out
}

// New runs the plugin's constructor and returns the instance state it
// built.
func (p *Plugin) New(args map[string]any) (any, error) {
	return p.call("new", args)
}

// Render invokes one of the plugin's render_* methods.
func (p *Plugin) Render(method string, args map[string]any) (any, error) {
	if !strings.HasPrefix(method, "render_") {
		return nil, fmt.Errorf("plugin %s: %q is not a render method", p.Name, method)
	}
	return p.call(method, args)
}

func (p *Plugin) call(method string, args map[string]any) (any, error) {
	var result any
	var err error
	p.runLua(func() { result, err = p.invoke(method, args) })
	return result, err
}

// invoke requires the interpreter lock.
func (p *Plugin) invoke(method string, args map[string]any) (any, error) {
	p.state.Global(p.entry)
	if p.state.TypeOf(-1) != lua.TypeTable {
		p.state.Pop(1)
		return nil, fmt.Errorf("plugin %s: entry %q is gone", p.Name, p.entry)
	}
	p.state.Field(-1, method)
	if p.state.TypeOf(-1) != lua.TypeFunction {
		p.state.Pop(2)
		return nil, fmt.Errorf("plugin %s: no method %q", p.Name, method)
	}
	if args == nil {
		args = map[string]any{}
	}
	pushMap(p.state, args)

	if err := p.state.ProtectedCall(1, 1, 0); err != nil {
		p.state.Pop(2)
		return nil, fmt.Errorf("plugin %s: %s: %w", p.Name, method, err)
	}

	result := luaToGo(p.state, -1)
	p.state.Pop(2)
	return result, nil
}

// validateEntry checks the bundle exported a usable entry point: a global
// table with a new constructor and at least one render_* method. It returns
// the render method names.
func validateEntry(state *lua.State, entry string) ([]string, error) {
	state.Global(entry)
	defer state.Pop(1)
	if state.TypeOf(-1) != lua.TypeTable {
		return nil, fmt.Errorf("entry %q is not a table", entry)
	}

	index := state.Top()
	hasNew := false
	var renderers []string
	state.PushNil()
	for state.Next(index) {
		if state.TypeOf(-2) == lua.TypeString && state.TypeOf(-1) == lua.TypeFunction {
			key, _ := state.ToString(-2)
			if key == "new" {
				hasNew = true
			}
			if strings.HasPrefix(key, "render_") {
				renderers = append(renderers, key)
			}
		}
		state.Pop(1)
	}

	if !hasNew {
		return nil, fmt.Errorf("entry %q has no constructor", entry)
	}
	if len(renderers) == 0 {
		return nil, fmt.Errorf("entry %q has no render methods", entry)
	}
	sort.Strings(renderers)
	return renderers, nil
}

package plugin

import (
	"log"

	"github.com/Shopify/go-lua"

	"github.com/gridforge/tabletop/internal/plugin/bus"
)

// The host global inside the sandbox. host.emit broadcasts to the bus,
// host.on subscribes; dispatch back into Lua goes through __host_dispatch
// so handler bookkeeping stays on the Lua side.
const hostShim = `
host = { _handlers = {} }

function host.on(event, fn)
  local hs = host._handlers[event]
  if hs == nil then
    hs = {}
    host._handlers[event] = hs
    __host_watch(event)
  end
  hs[#hs + 1] = fn
end

function host.emit(event, data)
  __host_emit(event, data or {})
end

function __host_dispatch(event, data)
  local hs = host._handlers[event]
  if hs == nil then
    return
  end
  for i = 1, #hs do
    hs[i](data)
  end
end
`

// installBus attaches p to the message bus and exposes the host module in
// its sandbox. Must run before the bundle is evaluated so top-level
// host.on calls work.
func installBus(p *Plugin, busHost *bus.Host, name string) error {
	endpoint := busHost.Register(name)
	p.endpoint = endpoint

	var err error
	p.runLua(func() {
		p.state.Register("__host_emit", func(state *lua.State) int {
			event := lua.CheckString(state, 1)
			var data map[string]any
			if state.TypeOf(2) == lua.TypeTable {
				data = tableToMap(state, 2)
			}
			endpoint.Send(event, data)
			return 0
		})

		p.state.Register("__host_watch", func(state *lua.State) int {
			event := lua.CheckString(state, 1)
			endpoint.On(event, func(msg bus.Message) {
				p.dispatchBus(msg)
			})
			return 0
		})

		if loadErr := lua.LoadString(p.state, hostShim); loadErr != nil {
			err = loadErr
			return
		}
		err = p.state.ProtectedCall(0, 0, 0)
	})
	return err
}

// dispatchBus hands one bus message to the plugin's Lua handlers. While the
// interpreter is busy the message is queued and delivered when the running
// call finishes, so a host listener that republishes an emitting plugin's
// own event never re-enters the interpreter on the emitting goroutine.
func (p *Plugin) dispatchBus(msg bus.Message) {
	p.busMu.Lock()
	if p.luaDepth > 0 {
		p.busQueue = append(p.busQueue, msg)
		p.busMu.Unlock()
		return
	}
	p.busMu.Unlock()
	p.runLua(func() { p.dispatchLocked(msg) })
}

// dispatchLocked runs the Lua-side handlers for msg; callers hold the
// interpreter lock through runLua. Handler errors are logged and swallowed;
// bus delivery is fire-and-forget.
func (p *Plugin) dispatchLocked(msg bus.Message) {
	p.state.Global("__host_dispatch")
	if p.state.TypeOf(-1) != lua.TypeFunction {
		p.state.Pop(1)
		return
	}
	p.state.PushString(msg.Kind)
	if msg.Data == nil {
		p.state.NewTable()
	} else {
		pushMap(p.state, msg.Data)
	}
	if err := p.state.ProtectedCall(2, 0, 0); err != nil {
		p.state.Pop(1)
		log.Printf("plugin %s: bus handler %s: %v", p.Name, msg.Kind, err)
	}
}

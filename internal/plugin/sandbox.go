package plugin

import (
	"fmt"

	"github.com/Shopify/go-lua"
)

// HostModule is a named set of Go functions exposed to plugin code as a
// global table.
type HostModule struct {
	Name      string
	Functions []lua.RegistryFunction
}

// newSandbox builds a Lua state with only the safe base libraries opened.
// io, os, debug and package stay out; host capabilities arrive through the
// explicitly installed modules.
func newSandbox(modules []HostModule) *lua.State {
	state := lua.NewState()
	for _, lib := range []lua.RegistryFunction{
		{Name: "_G", Function: lua.BaseOpen},
		{Name: "string", Function: lua.StringOpen},
		{Name: "table", Function: lua.TableOpen},
		{Name: "math", Function: lua.MathOpen},
	} {
		lua.Require(state, lib.Name, lib.Function, true)
		state.Pop(1)
	}

	for _, module := range modules {
		state.NewTable()
		lua.SetFunctions(state, module.Functions, 0)
		state.SetGlobal(module.Name)
	}
	return state
}

// resolveModules maps the manifest's requested module names onto the
// loader's registered host modules. An unknown name fails the whole load;
// plugins never get partial capability sets.
func resolveModules(registered map[string]HostModule, requested []string) ([]HostModule, error) {
	modules := make([]HostModule, 0, len(requested))
	for _, name := range requested {
		module, ok := registered[name]
		if !ok {
			return nil, fmt.Errorf("host module %q is not allowed", name)
		}
		modules = append(modules, module)
	}
	return modules, nil
}

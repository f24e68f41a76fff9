// Package window tracks the layout of floating panels: visibility,
// geometry and stacking order. State is purely local to the client and
// never synced.
package window

import (
	"errors"
	"sort"
	"sync"
)

var ErrUnknownWindow = errors.New("window: unknown window")

const (
	minWidth  = 160
	minHeight = 120
)

// Geometry is a panel's position and size in screen coordinates.
type Geometry struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Window is a snapshot of one panel's layout state.
type Window struct {
	ID       string
	Title    string
	Geometry Geometry
	Visible  bool
	Z        int
}

// Manager owns every panel's layout state.
type Manager struct {
	mu       sync.Mutex
	windows  map[string]*Window
	topZ     int
	defaults Geometry
}

func NewManager() *Manager {
	return &Manager{
		windows:  make(map[string]*Window),
		defaults: Geometry{X: 80, Y: 80, Width: 360, Height: 480},
	}
}

// Toggle flips the panel's visibility, creating it on first use. A panel
// becoming visible is raised to the top of the stack.
func (m *Manager) Toggle(id, title string) Window {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[id]
	if !ok {
		w = &Window{ID: id, Title: title, Geometry: m.defaults}
		m.windows[id] = w
	}
	w.Visible = !w.Visible
	if w.Visible {
		m.topZ++
		w.Z = m.topZ
	}
	return *w
}

// SetGeometry moves and resizes the panel. Sizes are clamped to the
// minimum; position is unconstrained so panels can hang off-screen while
// dragging.
func (m *Manager) SetGeometry(id string, g Geometry) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[id]
	if !ok {
		return Window{}, ErrUnknownWindow
	}
	if g.Width < minWidth {
		g.Width = minWidth
	}
	if g.Height < minHeight {
		g.Height = minHeight
	}
	w.Geometry = g
	return *w, nil
}

// Raise moves the panel to the top of the stacking order.
func (m *Manager) Raise(id string) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[id]
	if !ok {
		return Window{}, ErrUnknownWindow
	}
	m.topZ++
	w.Z = m.topZ
	return *w, nil
}

// Get returns the panel's current state.
func (m *Manager) Get(id string) (Window, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[id]
	if !ok {
		return Window{}, false
	}
	return *w, true
}

// List returns every panel ordered bottom to top.
func (m *Manager) List() []Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Window, 0, len(m.windows))
	for _, w := range m.windows {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Z < out[j].Z })
	return out
}

package window

import (
	"errors"
	"testing"
)

func TestToggleCreatesLazilyAndFlipsVisibility(t *testing.T) {
	m := NewManager()

	w := m.Toggle("dice", "Dice Roller")
	if !w.Visible {
		t.Fatal("first toggle should show the panel")
	}
	if w.Title != "Dice Roller" {
		t.Fatalf("title = %q, want Dice Roller", w.Title)
	}
	if w.Geometry.Width == 0 || w.Geometry.Height == 0 {
		t.Fatalf("expected default geometry, got %+v", w.Geometry)
	}

	w = m.Toggle("dice", "Dice Roller")
	if w.Visible {
		t.Fatal("second toggle should hide the panel")
	}

	w = m.Toggle("dice", "Dice Roller")
	if !w.Visible {
		t.Fatal("third toggle should show the panel again")
	}
}

func TestToggleRaisesOnShow(t *testing.T) {
	m := NewManager()

	a := m.Toggle("a", "A")
	b := m.Toggle("b", "B")
	if b.Z <= a.Z {
		t.Fatalf("later shown panel z = %d, want above %d", b.Z, a.Z)
	}

	m.Toggle("a", "A") // hide
	a = m.Toggle("a", "A")
	if a.Z <= b.Z {
		t.Fatalf("re-shown panel z = %d, want above %d", a.Z, b.Z)
	}
}

func TestSetGeometryClampsSize(t *testing.T) {
	m := NewManager()
	m.Toggle("dice", "Dice")

	w, err := m.SetGeometry("dice", Geometry{X: -40, Y: 10, Width: 10, Height: 10})
	if err != nil {
		t.Fatalf("SetGeometry: %v", err)
	}
	if w.Geometry.Width != 160 || w.Geometry.Height != 120 {
		t.Fatalf("clamped size = %dx%d, want 160x120", w.Geometry.Width, w.Geometry.Height)
	}
	if w.Geometry.X != -40 {
		t.Fatalf("x = %d, want -40 (position stays unconstrained)", w.Geometry.X)
	}
}

func TestSetGeometryUnknownWindow(t *testing.T) {
	m := NewManager()
	if _, err := m.SetGeometry("nope", Geometry{}); !errors.Is(err, ErrUnknownWindow) {
		t.Fatalf("err = %v, want %v", err, ErrUnknownWindow)
	}
}

func TestRaiseReordersStack(t *testing.T) {
	m := NewManager()
	m.Toggle("a", "A")
	m.Toggle("b", "B")
	m.Toggle("c", "C")

	if _, err := m.Raise("a"); err != nil {
		t.Fatalf("Raise: %v", err)
	}

	list := m.List()
	if len(list) != 3 {
		t.Fatalf("List len = %d, want 3", len(list))
	}
	if top := list[len(list)-1]; top.ID != "a" {
		t.Fatalf("top panel = %s, want a", top.ID)
	}

	if _, err := m.Raise("nope"); !errors.Is(err, ErrUnknownWindow) {
		t.Fatalf("Raise unknown err = %v, want %v", err, ErrUnknownWindow)
	}
}

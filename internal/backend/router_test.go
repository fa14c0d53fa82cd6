package backend

import (
	"errors"
	"testing"

	"github.com/bryanchriswhite/CastKeeper/internal/capture"
	"github.com/bryanchriswhite/CastKeeper/internal/capture/portal"
)

func TestParseName(t *testing.T) {
	cases := map[string]string{
		"":         Auto,
		"AUTO":     Auto,
		"portal":   Portal,
		"pipewire": Portal,
		" x11 ":    X11,
		"xorg":     X11,
	}
	for in, want := range cases {
		got, err := ParseName(in)
		if err != nil {
			t.Errorf("ParseName(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseName(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := ParseName("directx"); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestCursorMode(t *testing.T) {
	if cursorMode("hidden") != portal.CursorModeHidden {
		t.Error("hidden not mapped")
	}
	if cursorMode("Metadata") != portal.CursorModeMetadata {
		t.Error("metadata not mapped")
	}
	if cursorMode("") != portal.CursorModeEmbedded {
		t.Error("default should embed the cursor")
	}
}

func TestFirstOf(t *testing.T) {
	failing := capture.MetricsFunc(func() (capture.Metrics, error) {
		return capture.Metrics{}, errors.New("no X server")
	})
	invalid := capture.StaticMetrics(capture.Metrics{})
	good := capture.StaticMetrics(capture.Metrics{Width: 800, Height: 600, Density: 96})

	m, err := firstOf{failing, invalid, good}.DisplayMetrics()
	if err != nil {
		t.Fatalf("DisplayMetrics: %v", err)
	}
	if m.Width != 800 || m.Height != 600 {
		t.Fatalf("unexpected metrics %+v", m)
	}

	if _, err := (firstOf{failing, invalid}).DisplayMetrics(); err == nil {
		t.Fatal("expected error when every source fails")
	}
}

func TestBackendCloseRunsInReverse(t *testing.T) {
	var order []string
	b := &Backend{closers: []func() error{
		func() error { order = append(order, "first"); return nil },
		func() error { order = append(order, "second"); return errors.New("busy") },
	}}
	if err := b.Close(); err == nil {
		t.Fatal("expected joined close error")
	}
	if len(order) != 2 || order[0] != "second" {
		t.Fatalf("unexpected close order %v", order)
	}
}

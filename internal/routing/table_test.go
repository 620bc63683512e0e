package routing

import (
	"errors"
	"testing"

	gateway "github.com/eugener/prism/internal"
)

func TestNewTableRejectsAliasReferencingAlias(t *testing.T) {
	t.Parallel()

	_, err := NewTable([]gateway.RouteEntry{
		{Alias: "fast", Targets: []string{"other-alias"}},
	})
	if !errors.Is(err, gateway.ErrRoute) {
		t.Fatalf("error = %v, want ErrRoute", err)
	}
}

func TestNewTableRejectsEmptyTargets(t *testing.T) {
	t.Parallel()

	_, err := NewTable([]gateway.RouteEntry{{Alias: "fast"}})
	if !errors.Is(err, gateway.ErrRoute) {
		t.Fatalf("error = %v, want ErrRoute", err)
	}
}

func TestResolveSelectorBypassesTable(t *testing.T) {
	t.Parallel()

	tbl, err := NewTable(nil)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	got, err := tbl.Resolve("anthropic/claude-3-5-sonnet")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 1 || got[0].ProviderKey != "anthropic" {
		t.Errorf("Resolve = %+v", got)
	}
}

func TestResolveAliasOrdering(t *testing.T) {
	t.Parallel()

	tbl, err := NewTable([]gateway.RouteEntry{
		{Alias: "fast", Targets: []string{"openrouter/a?temperature=0.2", "openrouter/b"}},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	got, err := tbl.Resolve("fast")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 2 || got[0].ModelID != "a" || got[1].ModelID != "b" {
		t.Errorf("Resolve(fast) = %+v", got)
	}
	if got[0].Params.Temperature == nil || *got[0].Params.Temperature != 0.2 {
		t.Errorf("first target temperature = %v, want 0.2", got[0].Params.Temperature)
	}
}

func TestResolveUnknownAlias(t *testing.T) {
	t.Parallel()

	tbl, err := NewTable(nil)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	_, err = tbl.Resolve("missing")
	if !errors.Is(err, gateway.ErrRoute) {
		t.Fatalf("error = %v, want ErrRoute", err)
	}
}

func TestDirective(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prompt string
		want   string
		wantOK bool
	}{
		{
			name:   "directive on first line",
			prompt: "<!-- gemini/gemini-2.5-pro?thoughts=true -->\nYou are a helpful assistant.",
			want:   "gemini/gemini-2.5-pro?thoughts=true",
			wantOK: true,
		},
		{
			name:   "directive after leading blank lines",
			prompt: "\n\n  <!-- fast -->\nrest",
			want:   "fast",
			wantOK: true,
		},
		{
			name:   "no directive",
			prompt: "You are a helpful assistant.",
			wantOK: false,
		},
		{
			name:   "empty prompt",
			prompt: "",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Directive(tt.prompt)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Directive(%q) = (%q, %v), want (%q, %v)", tt.prompt, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

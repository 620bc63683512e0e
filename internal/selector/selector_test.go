package selector

import (
	"errors"
	"testing"

	gateway "github.com/eugener/prism/internal"
)

func TestParse(t *testing.T) {
	t.Parallel()

	temp := 0.2
	tests := []struct {
		name    string
		input   string
		want    gateway.ModelSelector
		wantErr bool
	}{
		{
			name:  "bare provider and model",
			input: "anthropic/claude-3-5-sonnet",
			want:  gateway.ModelSelector{ProviderKey: "anthropic", ModelID: "claude-3-5-sonnet"},
		},
		{
			name:  "model id containing a slash",
			input: "openrouter/openai/gpt-4o",
			want:  gateway.ModelSelector{ProviderKey: "openrouter", ModelID: "openai/gpt-4o"},
		},
		{
			name:  "variant suffix",
			input: "openrouter/a:groq",
			want:  gateway.ModelSelector{ProviderKey: "openrouter", ModelID: "a", Variant: "groq"},
		},
		{
			name:  "query params",
			input: "openrouter/a?temperature=0.2",
			want:  gateway.ModelSelector{ProviderKey: "openrouter", ModelID: "a", Params: gateway.SelectorParams{Temperature: &temp}},
		},
		{
			name:    "missing provider",
			input:   "claude-3-5-sonnet",
			wantErr: true,
		},
		{
			name:    "empty model id",
			input:   "anthropic/",
			wantErr: true,
		},
		{
			name:    "malformed query",
			input:   "anthropic/a?%zz",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) succeeded, want error", tt.input)
				}
				if !errors.Is(err, gateway.ErrParse) {
					t.Errorf("error = %v, want wrapping ErrParse", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) = %v, want success", tt.input, err)
			}
			if got.ProviderKey != tt.want.ProviderKey || got.ModelID != tt.want.ModelID || got.Variant != tt.want.Variant {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	// Property 1: parse(s) succeeds and render(parse(s)) == s
	// modulo deterministic parameter ordering.
	inputs := []string{
		"anthropic/claude-3-5-sonnet",
		"openrouter/openai/gpt-4o",
		"openrouter/a:groq",
		"gemini/gemini-2.5-pro?thoughts=true",
		"openrouter/a?effort=high&max_tokens=50&seed=7",
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			t.Parallel()
			s, err := Parse(in)
			if err != nil {
				t.Fatalf("Parse(%q): %v", in, err)
			}
			out := Render(s)
			s2, err := Parse(out)
			if err != nil {
				t.Fatalf("Parse(Render(Parse(%q))) = %v", in, err)
			}
			if out2 := Render(s2); out2 != out {
				t.Errorf("render not idempotent: %q != %q", out, out2)
			}
		})
	}
}

func TestIsSelector(t *testing.T) {
	t.Parallel()

	if !IsSelector("anthropic/claude-3-5-sonnet") {
		t.Error("IsSelector should be true for provider/model")
	}
	if IsSelector("fast") {
		t.Error("IsSelector should be false for a bare alias")
	}
}

func TestParseUnknownParamsPassThrough(t *testing.T) {
	t.Parallel()

	s, err := Parse("anthropic/a?custom_flag=1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Params.Extra["custom_flag"] != "1" {
		t.Errorf("Extra[custom_flag] = %q, want %q", s.Params.Extra["custom_flag"], "1")
	}
}

func TestParseDuplicateReservedKey(t *testing.T) {
	t.Parallel()

	_, err := Parse("anthropic/a?temperature=0.1&temperature=0.2")
	if err == nil {
		t.Fatal("expected error for duplicate reserved key")
	}
}

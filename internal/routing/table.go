// Package routing resolves a client-supplied model string or directive into
// an ordered, non-empty list of concrete selectors.
package routing

import (
	"bufio"
	"fmt"
	"regexp"
	"sort"
	"strings"

	gateway "github.com/eugener/prism/internal"
	"github.com/eugener/prism/internal/selector"
)

// directivePattern matches an HTML-comment directive on its own line, e.g.
// "<!-- gemini/gemini-2.5-pro?thoughts=true -->". Confined to the first
// non-empty line of the first system message by design; this is deliberately
// narrow rather than a general in-body directive scanner.
var directivePattern = regexp.MustCompile(`^<!--\s*(\S.*?)\s*-->$`)

// Table is a validated, immutable alias routing table.
type Table struct {
	aliases map[string][]gateway.ModelSelector
	names   []string // sorted, for error messages
}

// NewTable validates and compiles routing entries loaded from configuration.
// An alias entry may not itself reference another alias; such an entry is a
// configuration error reported here, at load time, not per request.
func NewTable(entries []gateway.RouteEntry) (*Table, error) {
	t := &Table{aliases: make(map[string][]gateway.ModelSelector, len(entries))}
	for _, e := range entries {
		if len(e.Targets) == 0 {
			return nil, fmt.Errorf("%w: alias %q has no targets", gateway.ErrRoute, e.Alias)
		}
		selectors := make([]gateway.ModelSelector, 0, len(e.Targets))
		for _, raw := range e.Targets {
			if !selector.IsSelector(raw) {
				return nil, fmt.Errorf("%w: alias %q target %q is not a selector (aliases referencing aliases are forbidden)", gateway.ErrRoute, e.Alias, raw)
			}
			sel, err := selector.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: alias %q target %q: %s", gateway.ErrRoute, e.Alias, raw, err)
			}
			selectors = append(selectors, sel)
		}
		t.aliases[e.Alias] = selectors
		t.names = append(t.names, e.Alias)
	}
	sort.Strings(t.names)
	return t, nil
}

// Directive extracts a routing directive from a system prompt's first
// non-empty line, if present.
func Directive(systemPrompt string) (string, bool) {
	sc := bufio.NewScanner(strings.NewReader(systemPrompt))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if m := directivePattern.FindStringSubmatch(line); m != nil {
			return m[1], true
		}
		return "", false
	}
	return "", false
}

// Resolve implements the resolution order given the already-extracted
// effective input (either the directive value or the body's model field).
func (t *Table) Resolve(input string) ([]gateway.ModelSelector, error) {
	if input == "" {
		return nil, fmt.Errorf("%w: empty model", gateway.ErrParse)
	}
	if selector.IsSelector(input) {
		sel, err := selector.Parse(input)
		if err != nil {
			return nil, err
		}
		return []gateway.ModelSelector{sel}, nil
	}

	targets, ok := t.aliases[input]
	if !ok {
		return nil, fmt.Errorf("%w: unknown alias %q, available: %s", gateway.ErrRoute, input, strings.Join(t.names, ", "))
	}
	out := make([]gateway.ModelSelector, len(targets))
	copy(out, targets)
	return out, nil
}

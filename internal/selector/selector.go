// Package selector parses the opaque client-supplied model string into a
// structured gateway.ModelSelector, and renders one back to string form.
package selector

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	gateway "github.com/eugener/prism/internal"
)

// reserved is the set of canonical query keys recognized by Parse. Anything
// else is retained verbatim in SelectorParams.Extra.
var reserved = map[string]struct{}{
	"temperature": {}, "max_tokens": {}, "top_p": {}, "top_k": {}, "seed": {},
	"frequency_penalty": {}, "presence_penalty": {}, "stop": {}, "think": {},
	"thoughts": {}, "reasoning": {}, "effort": {}, "reasoning_max_tokens": {},
	"reasoning_exclude": {},
}

// IsSelector reports whether s looks like "provider/model_id..." rather than
// a bare alias name ("If the input contains no slash, the entire
// string is treated as an alias lookup key").
func IsSelector(s string) bool {
	return strings.Contains(s, "/")
}

// Parse decodes a non-empty selector string per the grammar:
//
//	selector := provider "/" model_id [ ":" variant ] [ "?" query ]
func Parse(s string) (gateway.ModelSelector, error) {
	if s == "" {
		return gateway.ModelSelector{}, fmt.Errorf("%w: empty selector", gateway.ErrParse)
	}

	query := ""
	rest := s
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest, query = rest[:i], rest[i+1:]
	}

	variant := ""
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		rest, variant = rest[:i], rest[i+1:]
	}

	provider, modelID, ok := strings.Cut(rest, "/")
	if !ok || provider == "" || modelID == "" {
		return gateway.ModelSelector{}, fmt.Errorf("%w: %q is missing provider/model_id", gateway.ErrParse, s)
	}

	params, err := parseParams(query)
	if err != nil {
		return gateway.ModelSelector{}, fmt.Errorf("%w: %s: %s", gateway.ErrParse, s, err)
	}

	return gateway.ModelSelector{
		ProviderKey: provider,
		ModelID:     modelID,
		Variant:     variant,
		Params:      params,
	}, nil
}

func parseParams(query string) (gateway.SelectorParams, error) {
	var p gateway.SelectorParams
	if query == "" {
		return p, nil
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return p, fmt.Errorf("malformed query: %w", err)
	}

	for key, vs := range values {
		if len(vs) > 1 {
			return p, fmt.Errorf("duplicate key %q", key)
		}
		v := vs[0]
		if _, ok := reserved[key]; !ok {
			if p.Extra == nil {
				p.Extra = make(map[string]string)
			}
			p.Extra[key] = v
			continue
		}
		if err := setParam(&p, key, v); err != nil {
			return p, fmt.Errorf("param %q: %w", key, err)
		}
	}
	return p, nil
}

func setParam(p *gateway.SelectorParams, key, v string) error {
	switch key {
	case "temperature":
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		p.Temperature = &f
	case "max_tokens":
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		p.MaxTokens = &n
	case "top_p":
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		p.TopP = &f
	case "top_k":
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		p.TopK = &n
	case "seed":
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		p.Seed = &n
	case "frequency_penalty":
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		p.FrequencyPenalty = &f
	case "presence_penalty":
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		p.PresencePenalty = &f
	case "stop":
		p.Stop = strings.Split(v, ",")
	case "think":
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		p.Think = &n
	case "thoughts":
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		p.Thoughts = &b
	case "reasoning":
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		p.Reasoning = &b
	case "effort":
		if v != "low" && v != "medium" && v != "high" {
			return fmt.Errorf("must be one of low|medium|high, got %q", v)
		}
		p.Effort = v
	case "reasoning_max_tokens":
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		p.ReasoningMaxTokens = &n
	case "reasoning_exclude":
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		p.ReasoningExclude = &b
	}
	return nil
}

// Render renders a selector back into canonical string form with
// deterministic (sorted) parameter ordering, the inverse of Parse.
func Render(s gateway.ModelSelector) string {
	var b strings.Builder
	b.WriteString(s.ProviderKey)
	b.WriteByte('/')
	b.WriteString(s.ModelID)
	if s.Variant != "" {
		b.WriteByte(':')
		b.WriteString(s.Variant)
	}

	q := renderParams(s.Params)
	if q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	return b.String()
}

func renderParams(p gateway.SelectorParams) string {
	pairs := map[string]string{}
	if p.Temperature != nil {
		pairs["temperature"] = strconv.FormatFloat(*p.Temperature, 'g', -1, 64)
	}
	if p.MaxTokens != nil {
		pairs["max_tokens"] = strconv.Itoa(*p.MaxTokens)
	}
	if p.TopP != nil {
		pairs["top_p"] = strconv.FormatFloat(*p.TopP, 'g', -1, 64)
	}
	if p.TopK != nil {
		pairs["top_k"] = strconv.Itoa(*p.TopK)
	}
	if p.Seed != nil {
		pairs["seed"] = strconv.Itoa(*p.Seed)
	}
	if p.FrequencyPenalty != nil {
		pairs["frequency_penalty"] = strconv.FormatFloat(*p.FrequencyPenalty, 'g', -1, 64)
	}
	if p.PresencePenalty != nil {
		pairs["presence_penalty"] = strconv.FormatFloat(*p.PresencePenalty, 'g', -1, 64)
	}
	if len(p.Stop) > 0 {
		pairs["stop"] = strings.Join(p.Stop, ",")
	}
	if p.Think != nil {
		pairs["think"] = strconv.Itoa(*p.Think)
	}
	if p.Thoughts != nil {
		pairs["thoughts"] = strconv.FormatBool(*p.Thoughts)
	}
	if p.Reasoning != nil {
		pairs["reasoning"] = strconv.FormatBool(*p.Reasoning)
	}
	if p.Effort != "" {
		pairs["effort"] = p.Effort
	}
	if p.ReasoningMaxTokens != nil {
		pairs["reasoning_max_tokens"] = strconv.Itoa(*p.ReasoningMaxTokens)
	}
	if p.ReasoningExclude != nil {
		pairs["reasoning_exclude"] = strconv.FormatBool(*p.ReasoningExclude)
	}
	for k, v := range p.Extra {
		pairs[k] = v
	}

	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vals := url.Values{}
	for _, k := range keys {
		vals.Set(k, pairs[k])
	}
	// url.Values.Encode already sorts by key, but we built `keys` sorted too
	// so the iteration above is deterministic regardless.
	return encodeSorted(keys, pairs)
}

// encodeSorted mirrors url.Values.Encode but preserves our key order
// (identical to sorted order here) without re-sorting encoded pairs by
// their escaped form, which can differ from the unescaped sort order.
func encodeSorted(keys []string, pairs map[string]string) string {
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(pairs[k]))
	}
	return b.String()
}

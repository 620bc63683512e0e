package orchestrator

import (
	gateway "github.com/eugener/prism/internal"
	"github.com/eugener/prism/internal/codec"
)

// mergeSelectorParams folds a selector's parsed query parameters onto the
// canonical request before it is encoded for the upstream provider, per
// spec.md §4.1 ("passed through to the upstream-body builder") and the
// Open Question resolved in §9: a selector param overrides whatever the
// request body already carried for the same field.
func mergeSelectorParams(req *codec.Request, p gateway.SelectorParams) {
	if p.Temperature != nil {
		req.Temperature = p.Temperature
	}
	if p.MaxTokens != nil {
		req.MaxTokens = p.MaxTokens
	}
	if p.TopP != nil {
		req.TopP = p.TopP
	}
	if p.TopK != nil {
		req.TopK = p.TopK
	}
	if p.Seed != nil {
		req.Seed = p.Seed
	}
	if p.FrequencyPenalty != nil {
		req.FrequencyPenalty = p.FrequencyPenalty
	}
	if p.PresencePenalty != nil {
		req.PresencePenalty = p.PresencePenalty
	}
	if len(p.Stop) > 0 {
		req.Stop = p.Stop
	}

	mergeReasoningParams(req, p)

	if len(p.Extra) > 0 {
		req.Extra = p.Extra
	}
}

// mergeReasoningParams builds or updates req.Reasoning from the think/
// thoughts/reasoning/effort/reasoning_max_tokens/reasoning_exclude params:
// "reasoning" and "thoughts" enable the reasoning surface, "think"/
// "reasoning_max_tokens" set its budget, and "effort"/"reasoning_exclude"
// set the remaining fields. Destinations without a reasoning surface drop
// the field entirely during encode, per spec.md §4.3.
func mergeReasoningParams(req *codec.Request, p gateway.SelectorParams) {
	enabled := p.Reasoning != nil && *p.Reasoning
	hasField := p.Think != nil || p.Thoughts != nil || enabled ||
		p.Effort != "" || p.ReasoningMaxTokens != nil || p.ReasoningExclude != nil
	if !hasField {
		return
	}

	r := req.Reasoning
	if r == nil {
		r = &codec.Reasoning{}
	}
	if p.Effort != "" {
		r.Effort = p.Effort
	}
	switch {
	case p.Think != nil:
		r.BudgetTokens = p.Think
	case p.ReasoningMaxTokens != nil:
		r.BudgetTokens = p.ReasoningMaxTokens
	}
	switch {
	case p.ReasoningExclude != nil:
		r.Exclude = *p.ReasoningExclude
	case p.Thoughts != nil:
		r.Exclude = !*p.Thoughts
	}
	req.Reasoning = r
}

package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/eugener/prism/internal/sseutil"
)

// OpenAI implements RequestCodec and StreamCodec for the openai_chat wire
// format. The canonical model's shape already leans OpenAI-like, so this
// codec is closer to a thin validating pass-through than the other two;
// it still goes through the same encode/decode pair for symmetry.
var OpenAI = openAICodec{}

type openAICodec struct{}

type openAIMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIRequest struct {
	Model            string          `json:"model"`
	Messages         []openAIMessage `json:"messages"`
	Stream           bool            `json:"stream,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	Tools            []openAITool    `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ReasoningEffort  string          `json:"reasoning_effort,omitempty"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type openAIContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

func (openAICodec) DecodeRequest(body []byte) (*Request, error) {
	var raw openAIRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("openai: decode request: %w", err)
	}
	if len(raw.Messages) == 0 {
		return nil, fmt.Errorf("empty message array")
	}

	req := &Request{
		Model:            raw.Model,
		Stream:           raw.Stream,
		Temperature:      raw.Temperature,
		MaxTokens:        raw.MaxTokens,
		TopP:             raw.TopP,
		Seed:             raw.Seed,
		FrequencyPenalty: raw.FrequencyPenalty,
		PresencePenalty:  raw.PresencePenalty,
		Stop:             raw.Stop,
		ToolChoice:       raw.ToolChoice,
	}
	if raw.ReasoningEffort != "" {
		req.Reasoning = &Reasoning{Effort: raw.ReasoningEffort}
	}
	for _, t := range raw.Tools {
		req.Tools = append(req.Tools, Tool{Name: t.Function.Name, Description: t.Function.Description, Parameters: t.Function.Parameters})
	}

	for i, m := range raw.Messages {
		role := Role(m.Role)
		if role == RoleSystem {
			if i != 0 {
				req.Warnings = append(req.Warnings, "system message hoisted from non-first position")
			}
			req.System += decodeOpenAIText(m.Content)
			continue
		}

		msg := Message{Role: role, Name: m.Name, ToolCallID: m.ToolCallID}
		if role == RoleTool {
			msg.Content = []Part{{Type: PartToolResult, ToolUseID: m.ToolCallID, ToolResult: decodeOpenAIText(m.Content)}}
		} else {
			msg.Content = decodeOpenAIParts(m.Content)
		}
		for _, tc := range m.ToolCalls {
			msg.Content = append(msg.Content, Part{
				Type: PartToolUse, ToolUseID: tc.ID, ToolName: tc.Function.Name,
				ToolArgs: json.RawMessage(tc.Function.Arguments),
			})
		}
		req.Messages = append(req.Messages, msg)
	}
	return req, nil
}

func decodeOpenAIText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	parts := decodeOpenAIParts(raw)
	var b strings.Builder
	for _, p := range parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func decodeOpenAIParts(raw json.RawMessage) []Part {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s == "" {
			return nil
		}
		return []Part{{Type: PartText, Text: s}}
	}
	var arr []openAIContentPart
	if json.Unmarshal(raw, &arr) != nil {
		return nil
	}
	out := make([]Part, 0, len(arr))
	for _, p := range arr {
		switch p.Type {
		case "text":
			out = append(out, Part{Type: PartText, Text: p.Text})
		case "image_url":
			if p.ImageURL != nil {
				url := p.ImageURL.URL
				if strings.HasPrefix(url, "data:") {
					mt, data := splitDataURL(url)
					out = append(out, Part{Type: PartImage, ImageMediaType: mt, ImageData: data})
				} else {
					out = append(out, Part{Type: PartImage, ImageURL: url})
				}
			}
		}
	}
	return out
}

func splitDataURL(url string) (mediaType, data string) {
	rest := strings.TrimPrefix(url, "data:")
	mt, b64, ok := strings.Cut(rest, ";base64,")
	if !ok {
		return "", ""
	}
	return mt, b64
}

func (openAICodec) EncodeRequest(r *Request) ([]byte, error) {
	out := openAIRequest{
		Model:            r.Model,
		Stream:           r.Stream,
		Temperature:      r.Temperature,
		MaxTokens:        r.MaxTokens,
		TopP:             r.TopP,
		Seed:             r.Seed,
		FrequencyPenalty: r.FrequencyPenalty,
		PresencePenalty:  r.PresencePenalty,
		Stop:             r.Stop,
		ToolChoice:       r.ToolChoice,
	}
	if r.Reasoning != nil {
		out.ReasoningEffort = r.Reasoning.Effort
	}
	for _, t := range r.Tools {
		var ot openAITool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		out.Tools = append(out.Tools, ot)
	}

	if r.System != "" {
		raw, _ := json.Marshal(r.System)
		out.Messages = append(out.Messages, openAIMessage{Role: "system", Content: raw})
	}
	for _, m := range r.Messages {
		encoded, err := encodeOpenAIMessage(m)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, encoded...)
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return mergeExtraParams(body, r.Extra)
}

// mergeExtraParams folds unrecognized selector query keys (spec.md §4.1:
// "retained verbatim and passed through to the upstream-body builder")
// directly into the encoded request object, OpenAI/OpenRouter being the
// format tolerant of arbitrary additional top-level fields. A key already
// set by a canonical field is left alone -- typed fields always win.
func mergeExtraParams(body []byte, extra map[string]string) ([]byte, error) {
	if len(extra) == 0 {
		return body, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return body, err
	}
	for k, v := range extra {
		if _, exists := obj[k]; exists {
			continue
		}
		enc, err := json.Marshal(v)
		if err != nil {
			continue
		}
		obj[k] = enc
	}
	return json.Marshal(obj)
}

func encodeOpenAIMessage(m Message) ([]openAIMessage, error) {
	if m.Role == RoleTool {
		var text string
		for _, p := range m.Content {
			if p.Type == PartToolResult {
				text = p.ToolResult
			}
		}
		raw, _ := json.Marshal(text)
		return []openAIMessage{{Role: "tool", Content: raw, ToolCallID: m.ToolCallID}}, nil
	}

	out := openAIMessage{Role: string(m.Role), Name: m.Name}
	var textParts []openAIContentPart
	for _, p := range m.Content {
		switch p.Type {
		case PartText, PartThinking:
			textParts = append(textParts, openAIContentPart{Type: "text", Text: p.Text})
		case PartImage:
			url := p.ImageURL
			if url == "" {
				url = fmt.Sprintf("data:%s;base64,%s", p.ImageMediaType, p.ImageData)
			}
			textParts = append(textParts, openAIContentPart{Type: "image_url", ImageURL: &struct {
				URL string `json:"url"`
			}{URL: url}})
		case PartToolUse:
			out.ToolCalls = append(out.ToolCalls, openAIToolCall{
				ID:   p.ToolUseID,
				Type: "function",
				Function: struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				}{Name: p.ToolName, Arguments: string(p.ToolArgs)},
			})
		default:
			return nil, fmt.Errorf("openai: unsupported content part %q", p.Type)
		}
	}
	if len(textParts) == 1 && textParts[0].Type == "text" {
		raw, _ := json.Marshal(textParts[0].Text)
		out.Content = raw
	} else if len(textParts) > 0 {
		raw, _ := json.Marshal(textParts)
		out.Content = raw
	}
	return []openAIMessage{out}, nil
}

func (openAICodec) DecodeResponse(body []byte) (*Response, error) {
	id := gjson.GetBytes(body, "id").String()
	model := gjson.GetBytes(body, "model").String()
	msg := gjson.GetBytes(body, "choices.0.message")
	finish := gjson.GetBytes(body, "choices.0.finish_reason").String()

	resp := &Response{ID: id, Model: model, FinishReason: mapOpenAIFinish(finish)}
	if text := msg.Get("content").String(); text != "" {
		resp.Content = append(resp.Content, Part{Type: PartText, Text: text})
	}
	for _, tc := range msg.Get("tool_calls").Array() {
		resp.Content = append(resp.Content, Part{
			Type: PartToolUse, ToolUseID: tc.Get("id").String(),
			ToolName: tc.Get("function.name").String(),
			ToolArgs: json.RawMessage(tc.Get("function.arguments").String()),
		})
	}
	if u := gjson.GetBytes(body, "usage"); u.Exists() {
		resp.Usage = &Usage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}
	}
	return resp, nil
}

func mapOpenAIFinish(s string) FinishReason {
	switch s {
	case "length":
		return FinishLength
	case "tool_calls":
		return FinishToolCalls
	case "content_filter":
		return FinishContentFilter
	case "":
		return ""
	default:
		return FinishStop
	}
}

func renderOpenAIFinish(f FinishReason) string {
	switch f {
	case FinishLength:
		return "length"
	case FinishToolCalls:
		return "tool_calls"
	case FinishContentFilter:
		return "content_filter"
	case "":
		return "stop"
	default:
		return string(f)
	}
}

func (openAICodec) EncodeResponse(r *Response) ([]byte, error) {
	msg := map[string]any{"role": "assistant"}
	var text strings.Builder
	var toolCalls []map[string]any
	for _, p := range r.Content {
		switch p.Type {
		case PartText, PartThinking:
			text.WriteString(p.Text)
		case PartToolUse:
			toolCalls = append(toolCalls, map[string]any{
				"id":   p.ToolUseID,
				"type": "function",
				"function": map[string]any{
					"name":      p.ToolName,
					"arguments": string(p.ToolArgs),
				},
			})
		}
	}
	if text.Len() > 0 {
		msg["content"] = text.String()
	} else {
		msg["content"] = nil
	}
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
	}

	out := map[string]any{
		"id":      r.ID,
		"object":  "chat.completion",
		"model":   r.Model,
		"choices": []map[string]any{{"index": 0, "message": msg, "finish_reason": renderOpenAIFinish(r.FinishReason)}},
	}
	if r.Usage != nil {
		out["usage"] = map[string]any{
			"prompt_tokens":     r.Usage.PromptTokens,
			"completion_tokens": r.Usage.CompletionTokens,
			"total_tokens":      r.Usage.TotalTokens,
		}
	}
	return json.Marshal(out)
}

// --- streaming ---

func (openAICodec) NewStreamDecoder(model string) StreamDecoder {
	return &openAIStreamDecoder{model: model}
}

func (openAICodec) NewStreamEncoder(model string) StreamEncoder {
	return &openAIStreamEncoder{model: model, id: "chatcmpl-stream"}
}

type openAIStreamDecoder struct {
	model string
}

// Feed parses one upstream SSE data payload (already stripped of the
// "data: " prefix) into canonical chunks.
func (d *openAIStreamDecoder) Feed(frame []byte) []Chunk {
	if string(frame) == "[DONE]" {
		return []Chunk{{Kind: ChunkDone}}
	}
	var out []Chunk
	delta := gjson.GetBytes(frame, "choices.0.delta")
	if text := delta.Get("content").String(); text != "" {
		out = append(out, Chunk{Kind: ChunkDelta, TextDelta: text})
	}
	for i, tc := range delta.Get("tool_calls").Array() {
		idx := i
		if v := tc.Get("index"); v.Exists() {
			idx = int(v.Int())
		}
		out = append(out, Chunk{
			Kind: ChunkToolCallDelta, ToolCallIndex: idx,
			ToolCallID: tc.Get("id").String(), ToolCallName: tc.Get("function.name").String(),
			ToolArgsDelta: tc.Get("function.arguments").String(),
		})
	}
	if fr := gjson.GetBytes(frame, "choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
		out = append(out, Chunk{Kind: ChunkFinish, FinishReason: mapOpenAIFinish(fr.String())})
	}
	if u := gjson.GetBytes(frame, "usage"); u.Exists() {
		out = append(out, Chunk{Kind: ChunkUsage, Usage: &Usage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}})
	}
	return out
}

type openAIStreamEncoder struct {
	model string
	id    string
}

func (e *openAIStreamEncoder) Encode(c Chunk) []byte {
	switch c.Kind {
	case ChunkDelta:
		return sseFrame(buildDeltaChunk(e.id, e.model, map[string]any{"content": c.TextDelta}, ""))
	case ChunkToolCallDelta:
		return sseFrame(buildToolCallDeltaChunk(e.id, e.model, c.ToolCallIndex, c.ToolCallID, c.ToolCallName, c.ToolArgsDelta))
	case ChunkFinish:
		return sseFrame(buildFinishChunk(e.id, e.model, renderOpenAIFinish(c.FinishReason)))
	case ChunkUsage:
		return sseFrame(buildUsageChunk(e.id, e.model, c.Usage))
	case ChunkWarning:
		return []byte(": warning: " + c.Warning + "\n\n")
	case ChunkDone:
		return []byte("data: [DONE]\n\n")
	default:
		return nil
	}
}

func sseFrame(data []byte) []byte {
	return append(append([]byte("data: "), data...), '\n', '\n')
}

func buildDeltaChunk(id, model string, delta map[string]any, finishReason string) []byte {
	chunk := map[string]any{
		"id": id, "object": "chat.completion.chunk", "model": model,
		"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": nilOrString(finishReason)}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func buildToolCallDeltaChunk(id, model string, index int, toolID, name, argsDelta string) []byte {
	fn := map[string]any{"arguments": argsDelta}
	tc := map[string]any{"index": index, "function": fn}
	if toolID != "" {
		tc["id"] = toolID
		tc["type"] = "function"
	}
	if name != "" {
		fn["name"] = name
	}
	chunk := map[string]any{
		"id": id, "object": "chat.completion.chunk", "model": model,
		"choices": []map[string]any{{"index": 0, "delta": map[string]any{"tool_calls": []map[string]any{tc}}, "finish_reason": nil}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func buildFinishChunk(id, model, finishReason string) []byte {
	chunk := map[string]any{
		"id": id, "object": "chat.completion.chunk", "model": model,
		"choices": []map[string]any{{"index": 0, "delta": map[string]any{}, "finish_reason": finishReason}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func buildUsageChunk(id, model string, usage *Usage) []byte {
	chunk := map[string]any{
		"id": id, "object": "chat.completion.chunk", "model": model, "choices": []map[string]any{},
		"usage": map[string]any{
			"prompt_tokens": usage.PromptTokens, "completion_tokens": usage.CompletionTokens, "total_tokens": usage.TotalTokens,
		},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func nilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// readOpenAISSEBody splits a raw SSE body into a sequence of data-payload
// frames for StreamDecoder.Feed, using the shared scanner rather than a
// bespoke line splitter.
func readOpenAISSEBody(body []byte) [][]byte {
	var frames [][]byte
	sc := sseutil.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		_, data, ok := sseutil.ParseSSELine(sc.Text())
		if ok {
			frames = append(frames, []byte(data))
		}
	}
	return frames
}

package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Anthropic implements RequestCodec and StreamCodec for the
// anthropic_messages wire format. Grounded on
// internal/provider/anthropic/client.go and its translate/stream helpers:
// system prompt as a distinct top-level field, content as a block array,
// and an event-typed SSE stream rather than OpenAI's single-event-type
// delta frames.
var Anthropic = anthropicCodec{}

type anthropicCodec struct{}

type anthropicMessage struct {
	Role    string               `json:"role"`
	Content []anthropicBlock     `json:"content"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *anthropicSrc   `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicSrc struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Stream        bool               `json:"stream,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	ToolChoice    json.RawMessage    `json:"tool_choice,omitempty"`
	Thinking      *anthropicThinking `json:"thinking,omitempty"`
}

const defaultAnthropicMaxTokens = 4096

func (anthropicCodec) DecodeRequest(body []byte) (*Request, error) {
	var raw anthropicRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("anthropic: decode request: %w", err)
	}
	if len(raw.Messages) == 0 {
		return nil, fmt.Errorf("empty message array")
	}

	req := &Request{
		Model:       raw.Model,
		System:      raw.System,
		Stream:      raw.Stream,
		Temperature: raw.Temperature,
		TopP:        raw.TopP,
		TopK:        raw.TopK,
		Stop:        raw.StopSequences,
		ToolChoice:  raw.ToolChoice,
	}
	if raw.MaxTokens > 0 {
		mt := raw.MaxTokens
		req.MaxTokens = &mt
	}
	if raw.Thinking != nil {
		req.Reasoning = &Reasoning{Effort: "high"}
		if raw.Thinking.BudgetTokens > 0 {
			bt := raw.Thinking.BudgetTokens
			req.Reasoning.BudgetTokens = &bt
		}
	}
	for _, t := range raw.Tools {
		req.Tools = append(req.Tools, Tool{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}

	for _, m := range raw.Messages {
		msg := Message{Role: Role(m.Role)}
		for _, b := range m.Content {
			switch b.Type {
			case "text":
				msg.Content = append(msg.Content, Part{Type: PartText, Text: b.Text})
			case "image":
				if b.Source != nil {
					msg.Content = append(msg.Content, Part{
						Type: PartImage, ImageMediaType: b.Source.MediaType,
						ImageData: b.Source.Data, ImageURL: b.Source.URL,
					})
				}
			case "tool_use":
				msg.Content = append(msg.Content, Part{Type: PartToolUse, ToolUseID: b.ID, ToolName: b.Name, ToolArgs: b.Input})
			case "tool_result":
				msg.Content = append(msg.Content, Part{
					Type: PartToolResult, ToolUseID: b.ToolUseID,
					ToolResult: decodeAnthropicToolResultText(b.Content), ToolResultErr: b.IsError,
				})
			}
		}
		req.Messages = append(req.Messages, msg)
	}
	return req, nil
}

func decodeAnthropicToolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []anthropicBlock
	if json.Unmarshal(raw, &blocks) == nil {
		var b strings.Builder
		for _, blk := range blocks {
			if blk.Type == "text" {
				b.WriteString(blk.Text)
			}
		}
		return b.String()
	}
	return ""
}

func (anthropicCodec) EncodeRequest(r *Request) ([]byte, error) {
	out := anthropicRequest{
		Model:         r.Model,
		System:        r.System,
		Stream:        r.Stream,
		Temperature:   r.Temperature,
		TopP:          r.TopP,
		TopK:          r.TopK,
		StopSequences: r.Stop,
		ToolChoice:    r.ToolChoice,
		MaxTokens:     defaultAnthropicMaxTokens,
	}
	if r.MaxTokens != nil {
		out.MaxTokens = *r.MaxTokens
	}
	if r.Reasoning != nil && !r.Reasoning.Exclude {
		out.Thinking = &anthropicThinking{Type: "enabled"}
		if r.Reasoning.BudgetTokens != nil {
			out.Thinking.BudgetTokens = *r.Reasoning.BudgetTokens
		} else {
			out.Thinking.BudgetTokens = defaultAnthropicMaxTokens / 2
		}
	}
	for _, t := range r.Tools {
		out.Tools = append(out.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}

	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			if out.System != "" {
				out.System += "\n"
			}
			out.System += flattenText(m.Content)
			continue
		}
		am := anthropicMessage{Role: string(m.Role)}
		if m.Role == RoleTool {
			am.Role = "user"
		}
		for _, p := range m.Content {
			switch p.Type {
			case PartText, PartThinking:
				am.Content = append(am.Content, anthropicBlock{Type: "text", Text: p.Text})
			case PartImage:
				src := &anthropicSrc{Type: "base64", MediaType: p.ImageMediaType, Data: p.ImageData}
				if p.ImageData == "" && p.ImageURL != "" {
					src = &anthropicSrc{Type: "url", URL: p.ImageURL}
				}
				am.Content = append(am.Content, anthropicBlock{Type: "image", Source: src})
			case PartToolUse:
				am.Content = append(am.Content, anthropicBlock{Type: "tool_use", ID: p.ToolUseID, Name: p.ToolName, Input: p.ToolArgs})
			case PartToolResult:
				content, _ := json.Marshal(p.ToolResult)
				am.Content = append(am.Content, anthropicBlock{Type: "tool_result", ToolUseID: p.ToolUseID, Content: content, IsError: p.ToolResultErr})
			}
		}
		out.Messages = append(out.Messages, am)
	}
	return json.Marshal(out)
}

func flattenText(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func (anthropicCodec) DecodeResponse(body []byte) (*Response, error) {
	resp := &Response{
		ID:           gjson.GetBytes(body, "id").String(),
		Model:        gjson.GetBytes(body, "model").String(),
		FinishReason: mapAnthropicStopReason(gjson.GetBytes(body, "stop_reason").String()),
	}
	for _, b := range gjson.GetBytes(body, "content").Array() {
		switch b.Get("type").String() {
		case "text":
			resp.Content = append(resp.Content, Part{Type: PartText, Text: b.Get("text").String()})
		case "thinking":
			resp.Content = append(resp.Content, Part{Type: PartThinking, Text: b.Get("thinking").String()})
		case "tool_use":
			resp.Content = append(resp.Content, Part{
				Type: PartToolUse, ToolUseID: b.Get("id").String(), ToolName: b.Get("name").String(),
				ToolArgs: json.RawMessage(b.Get("input").Raw),
			})
		}
	}
	if u := gjson.GetBytes(body, "usage"); u.Exists() {
		in, out := int(u.Get("input_tokens").Int()), int(u.Get("output_tokens").Int())
		resp.Usage = &Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}
	return resp, nil
}

func mapAnthropicStopReason(s string) FinishReason {
	switch s {
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	case "":
		return ""
	default:
		return FinishStop
	}
}

func renderAnthropicStopReason(f FinishReason) string {
	switch f {
	case FinishLength:
		return "max_tokens"
	case FinishToolCalls:
		return "tool_use"
	case "":
		return "end_turn"
	default:
		return "end_turn"
	}
}

func (anthropicCodec) EncodeResponse(r *Response) ([]byte, error) {
	var blocks []map[string]any
	for _, p := range r.Content {
		switch p.Type {
		case PartText:
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		case PartThinking:
			blocks = append(blocks, map[string]any{"type": "thinking", "thinking": p.Text})
		case PartToolUse:
			var args any
			_ = json.Unmarshal(p.ToolArgs, &args)
			blocks = append(blocks, map[string]any{"type": "tool_use", "id": p.ToolUseID, "name": p.ToolName, "input": args})
		}
	}
	out := map[string]any{
		"id": r.ID, "type": "message", "role": "assistant", "model": r.Model,
		"content": blocks, "stop_reason": renderAnthropicStopReason(r.FinishReason),
	}
	if r.Usage != nil {
		out["usage"] = map[string]any{"input_tokens": r.Usage.PromptTokens, "output_tokens": r.Usage.CompletionTokens}
	}
	return json.Marshal(out)
}

// --- streaming ---
//
// Anthropic's SSE stream is event-typed (message_start, content_block_start,
// content_block_delta, content_block_stop, message_delta, message_stop)
// rather than OpenAI's single repeating delta frame, so the decoder tracks
// per-index block state across Feed calls.

func (anthropicCodec) NewStreamDecoder(model string) StreamDecoder {
	return &anthropicStreamDecoder{blockTypes: map[int]string{}}
}

func (anthropicCodec) NewStreamEncoder(model string) StreamEncoder {
	return &anthropicStreamEncoder{model: model, id: "msg_stream"}
}

type anthropicStreamDecoder struct {
	blockTypes map[int]string
}

func (d *anthropicStreamDecoder) Feed(frame []byte) []Chunk {
	typ := gjson.GetBytes(frame, "type").String()
	switch typ {
	case "content_block_start":
		idx := int(gjson.GetBytes(frame, "index").Int())
		d.blockTypes[idx] = gjson.GetBytes(frame, "content_block.type").String()
		if d.blockTypes[idx] == "tool_use" {
			return []Chunk{{
				Kind: ChunkToolCallDelta, ToolCallIndex: idx,
				ToolCallID:   gjson.GetBytes(frame, "content_block.id").String(),
				ToolCallName: gjson.GetBytes(frame, "content_block.name").String(),
			}}
		}
		return nil
	case "content_block_delta":
		idx := int(gjson.GetBytes(frame, "index").Int())
		deltaType := gjson.GetBytes(frame, "delta.type").String()
		switch deltaType {
		case "text_delta":
			return []Chunk{{Kind: ChunkDelta, TextDelta: gjson.GetBytes(frame, "delta.text").String()}}
		case "input_json_delta":
			return []Chunk{{Kind: ChunkToolCallDelta, ToolCallIndex: idx, ToolArgsDelta: gjson.GetBytes(frame, "delta.partial_json").String()}}
		case "thinking_delta":
			return []Chunk{{Kind: ChunkDelta, TextDelta: gjson.GetBytes(frame, "delta.thinking").String()}}
		}
		return nil
	case "message_delta":
		var out []Chunk
		if fr := gjson.GetBytes(frame, "delta.stop_reason"); fr.Exists() && fr.String() != "" {
			out = append(out, Chunk{Kind: ChunkFinish, FinishReason: mapAnthropicStopReason(fr.String())})
		}
		if u := gjson.GetBytes(frame, "usage"); u.Exists() {
			out = append(out, Chunk{Kind: ChunkUsage, Usage: &Usage{CompletionTokens: int(u.Get("output_tokens").Int())}})
		}
		return out
	case "message_start":
		if u := gjson.GetBytes(frame, "message.usage"); u.Exists() {
			return []Chunk{{Kind: ChunkUsage, Usage: &Usage{PromptTokens: int(u.Get("input_tokens").Int())}}}
		}
		return nil
	case "message_stop":
		return []Chunk{{Kind: ChunkDone}}
	case "error":
		return []Chunk{{Kind: ChunkError, Err: fmt.Errorf("anthropic stream error: %s", gjson.GetBytes(frame, "error.message").String())}}
	default:
		return nil
	}
}

type anthropicStreamEncoder struct {
	model       string
	id          string
	started     bool
	blockOpen   bool
	blockIsTool bool
	blockIndex  int
}

func (e *anthropicStreamEncoder) Encode(c Chunk) []byte {
	var out []byte
	if !e.started {
		e.started = true
		out = append(out, sseEvent("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id": e.id, "type": "message", "role": "assistant", "model": e.model,
				"content": []any{}, "usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})...)
	}

	switch c.Kind {
	case ChunkDelta:
		if !e.blockOpen {
			out = append(out, sseEvent("content_block_start", map[string]any{
				"type": "content_block_start", "index": e.blockIndex,
				"content_block": map[string]any{"type": "text", "text": ""},
			})...)
			e.blockOpen = true
		}
		out = append(out, sseEvent("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": e.blockIndex,
			"delta": map[string]any{"type": "text_delta", "text": c.TextDelta},
		})...)
	case ChunkToolCallDelta:
		if !e.blockOpen {
			out = append(out, sseEvent("content_block_start", map[string]any{
				"type": "content_block_start", "index": e.blockIndex,
				"content_block": map[string]any{"type": "tool_use", "id": c.ToolCallID, "name": c.ToolCallName, "input": map[string]any{}},
			})...)
			e.blockOpen, e.blockIsTool = true, true
		}
		out = append(out, sseEvent("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": e.blockIndex,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": c.ToolArgsDelta},
		})...)
	case ChunkFinish:
		if e.blockOpen {
			out = append(out, sseEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": e.blockIndex})...)
			e.blockOpen, e.blockIsTool = false, false
			e.blockIndex++
		}
		out = append(out, sseEvent("message_delta", map[string]any{
			"type": "message_delta", "delta": map[string]any{"stop_reason": renderAnthropicStopReason(c.FinishReason)},
		})...)
	case ChunkUsage:
		if c.Usage != nil {
			out = append(out, sseEvent("message_delta", map[string]any{
				"type": "message_delta", "delta": map[string]any{}, "usage": map[string]any{"output_tokens": c.Usage.CompletionTokens},
			})...)
		}
	case ChunkWarning:
		out = append(out, []byte(": warning: "+c.Warning+"\n\n")...)
	case ChunkDone:
		out = append(out, sseEvent("message_stop", map[string]any{"type": "message_stop"})...)
	}
	return out
}

func sseEvent(event string, payload map[string]any) []byte {
	b, _ := json.Marshal(payload)
	return []byte("event: " + event + "\ndata: " + string(b) + "\n\n")
}

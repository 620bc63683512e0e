package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Gemini implements RequestCodec and StreamCodec for the gemini_generate
// wire format: a "contents" array of role/parts turns, a distinct
// systemInstruction field, and generationConfig carrying the sampling
// parameters OpenAI and Anthropic fold into the request's top level.
var Gemini = geminiCodec{}

type geminiCodec struct{}

type geminiPart struct {
	Text             string               `json:"text,omitempty"`
	InlineData       *geminiInlineData    `json:"inlineData,omitempty"`
	FunctionCall     *geminiFunctionCall  `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResp  `json:"functionResponse,omitempty"`
	Thought          bool                 `json:"thought,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiThinkingConfig struct {
	ThinkingBudget  *int `json:"thinkingBudget,omitempty"`
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature      *float64              `json:"temperature,omitempty"`
	TopP             *float64              `json:"topP,omitempty"`
	TopK             *int                  `json:"topK,omitempty"`
	MaxOutputTokens  *int                  `json:"maxOutputTokens,omitempty"`
	StopSequences    []string              `json:"stopSequences,omitempty"`
	FrequencyPenalty *float64              `json:"frequencyPenalty,omitempty"`
	PresencePenalty  *float64              `json:"presencePenalty,omitempty"`
	Seed             *int                  `json:"seed,omitempty"`
	ThinkingConfig   *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
}

func (geminiCodec) DecodeRequest(body []byte) (*Request, error) {
	var raw geminiRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("gemini: decode request: %w", err)
	}
	if len(raw.Contents) == 0 {
		return nil, fmt.Errorf("empty message array")
	}

	req := &Request{}
	if raw.SystemInstruction != nil {
		req.System = flattenGeminiParts(raw.SystemInstruction.Parts)
	}
	if gc := raw.GenerationConfig; gc != nil {
		req.Temperature, req.TopP, req.TopK = gc.Temperature, gc.TopP, gc.TopK
		req.MaxTokens = gc.MaxOutputTokens
		req.Stop = gc.StopSequences
		req.FrequencyPenalty, req.PresencePenalty, req.Seed = gc.FrequencyPenalty, gc.PresencePenalty, gc.Seed
		if tc := gc.ThinkingConfig; tc != nil {
			req.Reasoning = &Reasoning{Exclude: !tc.IncludeThoughts, BudgetTokens: tc.ThinkingBudget}
		}
	}
	for _, t := range raw.Tools {
		for _, fd := range t.FunctionDeclarations {
			req.Tools = append(req.Tools, Tool{Name: fd.Name, Description: fd.Description, Parameters: fd.Parameters})
		}
	}

	for _, c := range raw.Contents {
		role := RoleUser
		if c.Role == "model" {
			role = RoleAssistant
		}
		msg := Message{Role: role}
		for _, p := range c.Parts {
			switch {
			case p.FunctionCall != nil:
				msg.Content = append(msg.Content, Part{Type: PartToolUse, ToolName: p.FunctionCall.Name, ToolArgs: p.FunctionCall.Args})
			case p.FunctionResponse != nil:
				msg.Content = append(msg.Content, Part{Type: PartToolResult, ToolName: p.FunctionResponse.Name, ToolResult: string(p.FunctionResponse.Response)})
			case p.InlineData != nil:
				msg.Content = append(msg.Content, Part{Type: PartImage, ImageMediaType: p.InlineData.MimeType, ImageData: p.InlineData.Data})
			case p.Thought:
				msg.Content = append(msg.Content, Part{Type: PartThinking, Text: p.Text})
			default:
				msg.Content = append(msg.Content, Part{Type: PartText, Text: p.Text})
			}
		}
		req.Messages = append(req.Messages, msg)
	}
	return req, nil
}

func flattenGeminiParts(parts []geminiPart) string {
	var s string
	for _, p := range parts {
		s += p.Text
	}
	return s
}

func (geminiCodec) EncodeRequest(r *Request) ([]byte, error) {
	out := geminiRequest{}
	if r.System != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: r.System}}}
	}
	if r.Temperature != nil || r.TopP != nil || r.TopK != nil || r.MaxTokens != nil || len(r.Stop) > 0 ||
		r.FrequencyPenalty != nil || r.PresencePenalty != nil || r.Seed != nil || r.Reasoning != nil {
		gc := &geminiGenerationConfig{
			Temperature: r.Temperature, TopP: r.TopP, TopK: r.TopK, MaxOutputTokens: r.MaxTokens,
			StopSequences: r.Stop, FrequencyPenalty: r.FrequencyPenalty, PresencePenalty: r.PresencePenalty, Seed: r.Seed,
		}
		if r.Reasoning != nil {
			gc.ThinkingConfig = &geminiThinkingConfig{IncludeThoughts: !r.Reasoning.Exclude, ThinkingBudget: r.Reasoning.BudgetTokens}
		}
		out.GenerationConfig = gc
	}
	if len(r.Tools) > 0 {
		var decls []geminiFunctionDecl
		for _, t := range r.Tools {
			decls = append(decls, geminiFunctionDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	for _, m := range r.Messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		if m.Role == RoleSystem {
			if out.SystemInstruction == nil {
				out.SystemInstruction = &geminiContent{}
			}
			out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, geminiPart{Text: flattenText(m.Content)})
			continue
		}
		gc := geminiContent{Role: role}
		for _, p := range m.Content {
			switch p.Type {
			case PartText:
				gc.Parts = append(gc.Parts, geminiPart{Text: p.Text})
			case PartThinking:
				gc.Parts = append(gc.Parts, geminiPart{Text: p.Text, Thought: true})
			case PartImage:
				data := p.ImageData
				if data == "" && p.ImageURL != "" {
					data = base64.StdEncoding.EncodeToString([]byte(p.ImageURL))
				}
				gc.Parts = append(gc.Parts, geminiPart{InlineData: &geminiInlineData{MimeType: p.ImageMediaType, Data: data}})
			case PartToolUse:
				gc.Parts = append(gc.Parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: p.ToolName, Args: p.ToolArgs}})
			case PartToolResult:
				resp, _ := json.Marshal(map[string]string{"result": p.ToolResult})
				gc.Parts = append(gc.Parts, geminiPart{FunctionResponse: &geminiFunctionResp{Name: p.ToolName, Response: resp}})
			}
		}
		out.Contents = append(out.Contents, gc)
	}
	return json.Marshal(out)
}

func (geminiCodec) DecodeResponse(body []byte) (*Response, error) {
	cand := gjson.GetBytes(body, "candidates.0")
	resp := &Response{FinishReason: mapGeminiFinish(cand.Get("finishReason").String())}
	for _, p := range cand.Get("content.parts").Array() {
		switch {
		case p.Get("functionCall").Exists():
			resp.Content = append(resp.Content, Part{
				Type: PartToolUse, ToolName: p.Get("functionCall.name").String(),
				ToolArgs: json.RawMessage(p.Get("functionCall.args").Raw),
			})
		case p.Get("thought").Bool():
			resp.Content = append(resp.Content, Part{Type: PartThinking, Text: p.Get("text").String()})
		default:
			resp.Content = append(resp.Content, Part{Type: PartText, Text: p.Get("text").String()})
		}
	}
	if u := gjson.GetBytes(body, "usageMetadata"); u.Exists() {
		resp.Usage = &Usage{
			PromptTokens:     int(u.Get("promptTokenCount").Int()),
			CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(u.Get("totalTokenCount").Int()),
		}
	}
	return resp, nil
}

func mapGeminiFinish(s string) FinishReason {
	switch s {
	case "MAX_TOKENS":
		return FinishLength
	case "SAFETY", "RECITATION":
		return FinishContentFilter
	case "STOP":
		return FinishStop
	case "":
		return ""
	default:
		return FinishStop
	}
}

func renderGeminiFinish(f FinishReason) string {
	switch f {
	case FinishLength:
		return "MAX_TOKENS"
	case FinishContentFilter:
		return "SAFETY"
	case FinishToolCalls:
		return "STOP"
	default:
		return "STOP"
	}
}

func (geminiCodec) EncodeResponse(r *Response) ([]byte, error) {
	var parts []map[string]any
	for _, p := range r.Content {
		switch p.Type {
		case PartText:
			parts = append(parts, map[string]any{"text": p.Text})
		case PartThinking:
			parts = append(parts, map[string]any{"text": p.Text, "thought": true})
		case PartToolUse:
			var args any
			_ = json.Unmarshal(p.ToolArgs, &args)
			parts = append(parts, map[string]any{"functionCall": map[string]any{"name": p.ToolName, "args": args}})
		}
	}
	out := map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": renderGeminiFinish(r.FinishReason),
			"index":        0,
		}},
	}
	if r.Usage != nil {
		out["usageMetadata"] = map[string]any{
			"promptTokenCount": r.Usage.PromptTokens, "candidatesTokenCount": r.Usage.CompletionTokens, "totalTokenCount": r.Usage.TotalTokens,
		}
	}
	return json.Marshal(out)
}

// --- streaming ---
//
// streamGenerateContent (requested with alt=sse) emits one full
// GenerateContentResponse-shaped JSON object per SSE data frame, each
// carrying the incremental text/functionCall parts for that step rather
// than a diff against the previous frame.

func (geminiCodec) NewStreamDecoder(model string) StreamDecoder {
	return &geminiStreamDecoder{}
}

func (geminiCodec) NewStreamEncoder(model string) StreamEncoder {
	return &geminiStreamEncoder{toolIndex: -1}
}

type geminiStreamDecoder struct{}

func (geminiStreamDecoder) Feed(frame []byte) []Chunk {
	var out []Chunk
	cand := gjson.GetBytes(frame, "candidates.0")
	for _, p := range cand.Get("content.parts").Array() {
		switch {
		case p.Get("functionCall").Exists():
			out = append(out, Chunk{
				Kind: ChunkToolCallDelta, ToolCallName: p.Get("functionCall.name").String(),
				ToolArgsDelta: p.Get("functionCall.args").Raw,
			})
		default:
			if text := p.Get("text").String(); text != "" {
				out = append(out, Chunk{Kind: ChunkDelta, TextDelta: text})
			}
		}
	}
	if fr := cand.Get("finishReason"); fr.Exists() && fr.String() != "" {
		out = append(out, Chunk{Kind: ChunkFinish, FinishReason: mapGeminiFinish(fr.String())})
	}
	if u := gjson.GetBytes(frame, "usageMetadata"); u.Exists() {
		out = append(out, Chunk{Kind: ChunkUsage, Usage: &Usage{
			PromptTokens:     int(u.Get("promptTokenCount").Int()),
			CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(u.Get("totalTokenCount").Int()),
		}})
	}
	return out
}

type geminiStreamEncoder struct {
	toolIndex int
}

func (e *geminiStreamEncoder) Encode(c Chunk) []byte {
	switch c.Kind {
	case ChunkDelta:
		return geminiSSEFrame(map[string]any{
			"candidates": []map[string]any{{"content": map[string]any{"role": "model", "parts": []map[string]any{{"text": c.TextDelta}}}, "index": 0}},
		})
	case ChunkToolCallDelta:
		var args any
		_ = json.Unmarshal([]byte(c.ToolArgsDelta), &args)
		return geminiSSEFrame(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{"role": "model", "parts": []map[string]any{{"functionCall": map[string]any{"name": c.ToolCallName, "args": args}}}}, "index": 0,
			}},
		})
	case ChunkFinish:
		return geminiSSEFrame(map[string]any{
			"candidates": []map[string]any{{"finishReason": renderGeminiFinish(c.FinishReason), "index": 0}},
		})
	case ChunkUsage:
		if c.Usage == nil {
			return nil
		}
		return geminiSSEFrame(map[string]any{
			"usageMetadata": map[string]any{
				"promptTokenCount": c.Usage.PromptTokens, "candidatesTokenCount": c.Usage.CompletionTokens, "totalTokenCount": c.Usage.TotalTokens,
			},
		})
	case ChunkWarning:
		return []byte(": warning: " + c.Warning + "\n\n")
	case ChunkDone:
		return nil
	default:
		return nil
	}
}

func geminiSSEFrame(v map[string]any) []byte {
	b, _ := json.Marshal(v)
	return append(append([]byte("data: "), b...), '\n', '\n')
}

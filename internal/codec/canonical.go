// Package codec implements bidirectional conversions between the three
// client/provider chat-completion wire shapes via one internal canonical
// model: each format is an encode/decode pair against that model, so N
// formats cost 2N implementations instead of N².
package codec

import "encoding/json"

// Request is the canonical chat-completion request. Every format's Decode
// populates this; every format's Encode consumes it.
type Request struct {
	Model            string
	System           string // hoisted system-prompt text
	Messages         []Message
	Stream           bool
	Temperature      *float64
	MaxTokens        *int
	TopP             *float64
	TopK             *int
	Seed             *int
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Stop             []string
	Tools            []Tool
	ToolChoice       json.RawMessage
	Reasoning        *Reasoning
	Extra            map[string]string // unrecognized selector query keys, passed through verbatim
	Warnings         []string
}

// Role is a canonical message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one canonical chat message, expressive enough to cover the
// union of OpenAI/Anthropic/Gemini message semantics: a sequence of typed
// content parts rather than a single string.
type Message struct {
	Role       Role
	Content    []Part
	Name       string
	ToolCallID string // set on RoleTool messages, and on the Part.ToolUseID they answer
}

// PartType enumerates the content-block kinds that must survive a round
// trip through the canonical model without being silently dropped.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
	PartThinking   PartType = "thinking"
)

// Part is one canonical content block within a Message.
type Part struct {
	Type PartType

	Text string // PartText, PartThinking

	ImageURL       string // PartImage: remote reference
	ImageData      string // PartImage: base64 payload
	ImageMediaType string // PartImage

	ToolUseID string          // PartToolUse, PartToolResult
	ToolName  string          // PartToolUse
	ToolArgs  json.RawMessage // PartToolUse: opaque JSON arguments

	ToolResult    string // PartToolResult: result text
	ToolResultErr bool   // PartToolResult: provider-reported tool error
}

// Tool is a canonical function/tool declaration.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema, opaque
}

// Reasoning is the canonical form of the think/effort/reasoning* selector
// params and each format's native reasoning surface.
type Reasoning struct {
	BudgetTokens *int
	Effort       string // "low", "medium", "high"
	Exclude      bool   // omit reasoning content from the output
}

// FinishReason is the canonical completion-stop reason.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength         FinishReason = "length"
	FinishToolCalls      FinishReason = "tool_calls"
	FinishContentFilter  FinishReason = "content_filter"
)

// Usage is canonical token usage; absent counters stay nil rather than
// being fabricated as zero.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the canonical, fully-materialized chat-completion response.
type Response struct {
	ID           string
	Model        string
	Content      []Part
	FinishReason FinishReason
	Usage        *Usage
	Warnings     []string
}

// ChunkKind discriminates a streaming Chunk's payload.
type ChunkKind int

const (
	ChunkDelta ChunkKind = iota
	ChunkToolCallDelta
	ChunkFinish
	ChunkUsage
	ChunkWarning
	ChunkDone
	ChunkError
)

// Chunk is one canonical unit of streaming output. A format's stream
// decoder emits these from upstream frames; a format's stream encoder
// consumes them to write ingress-format frames.
type Chunk struct {
	Kind ChunkKind

	TextDelta string // ChunkDelta

	ToolCallIndex int             // ChunkToolCallDelta
	ToolCallID    string          // ChunkToolCallDelta: set once, on first delta for the index
	ToolCallName  string          // ChunkToolCallDelta: set once, on first delta for the index
	ToolArgsDelta string          // ChunkToolCallDelta: raw JSON fragment to append

	FinishReason FinishReason // ChunkFinish
	Usage        *Usage       // ChunkUsage
	Warning      string       // ChunkWarning

	Err error // ChunkError
}

// RequestCodec is the encode/decode pair a wire format implements against
// the canonical Request/Response model.
type RequestCodec interface {
	// DecodeRequest parses a format-native request body into the canonical
	// model.
	DecodeRequest(body []byte) (*Request, error)
	// EncodeRequest serializes the canonical model into a format-native
	// request body.
	EncodeRequest(r *Request) ([]byte, error)
	// DecodeResponse parses a format-native, fully-buffered response body
	// into the canonical model.
	DecodeResponse(body []byte) (*Response, error)
	// EncodeResponse serializes the canonical model into a format-native
	// response body.
	EncodeResponse(r *Response) ([]byte, error)
}

// StreamCodec is the streaming half of a wire format: a stateful decoder
// that consumes upstream frames and a stateful encoder that produces
// ingress frames.
type StreamCodec interface {
	NewStreamDecoder(model string) StreamDecoder
	NewStreamEncoder(model string) StreamEncoder
}

// StreamDecoder turns raw upstream stream bytes into canonical Chunks. Feed
// implementations one upstream frame (one SSE "data:" payload, or one
// Gemini JSON fragment) at a time.
type StreamDecoder interface {
	Feed(frame []byte) []Chunk
}

// StreamEncoder turns canonical Chunks into ingress-format wire bytes.
type StreamEncoder interface {
	Encode(c Chunk) []byte
}

package codec

import (
	"fmt"

	gateway "github.com/eugener/prism/internal"
)

// Codec bundles the buffered and streaming halves of a wire format; every
// format value registered below implements both.
type Codec interface {
	RequestCodec
	StreamCodec
}

var registry = map[gateway.WireFormat]Codec{
	gateway.OpenAIChat:        OpenAI,
	gateway.AnthropicMessages: Anthropic,
	gateway.GeminiGenerate:    Gemini,
}

// ByKind returns the codec implementation for a wire format.
func ByKind(format gateway.WireFormat) (Codec, error) {
	c, ok := registry[format]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported wire format %q", gateway.ErrInternal, format)
	}
	return c, nil
}

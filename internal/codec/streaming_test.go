package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Feeding a decoder frames in upstream order and re-encoding them in an
// ingress format must reproduce the same
// relative ordering of deltas, tool-call fragments, and the finish/usage
// tail -- no reordering or duplication across the decode/encode boundary.

func TestOpenAIStreamRoundTrip(t *testing.T) {
	t.Parallel()

	dec := OpenAI.NewStreamDecoder("gpt-4o")
	frames := [][]byte{
		[]byte(`{"choices":[{"delta":{"content":"Hel"}}]}`),
		[]byte(`{"choices":[{"delta":{"content":"lo"}}]}`),
		[]byte(`{"choices":[{"delta":{},"finish_reason":"stop"}]}`),
		[]byte(`[DONE]`),
	}

	var chunks []Chunk
	for _, f := range frames {
		chunks = append(chunks, dec.Feed(f)...)
	}

	require.Len(t, chunks, 4)
	assert.Equal(t, ChunkDelta, chunks[0].Kind)
	assert.Equal(t, "Hel", chunks[0].TextDelta)
	assert.Equal(t, ChunkDelta, chunks[1].Kind)
	assert.Equal(t, "lo", chunks[1].TextDelta)
	assert.Equal(t, ChunkFinish, chunks[2].Kind)
	assert.Equal(t, FinishStop, chunks[2].FinishReason)
	assert.Equal(t, ChunkDone, chunks[3].Kind)

	enc := OpenAI.NewStreamEncoder("gpt-4o")
	var text string
	for _, c := range chunks {
		if c.Kind == ChunkDelta {
			out := enc.Encode(c)
			require.NotEmpty(t, out)
		}
	}
	for _, c := range chunks {
		if c.Kind == ChunkDelta {
			text += c.TextDelta
		}
	}
	assert.Equal(t, "Hello", text)
}

func TestOpenAIStreamToolCallOrdering(t *testing.T) {
	t.Parallel()

	dec := OpenAI.NewStreamDecoder("gpt-4o")
	frames := [][]byte{
		[]byte(`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":""}}]}}]}`),
		[]byte(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}}]}`),
		[]byte(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}`),
		[]byte(`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`),
	}

	var chunks []Chunk
	for _, f := range frames {
		chunks = append(chunks, dec.Feed(f)...)
	}

	require.Len(t, chunks, 4)
	var argsBuilder string
	for _, c := range chunks[:3] {
		require.Equal(t, ChunkToolCallDelta, c.Kind)
		assert.Equal(t, 0, c.ToolCallIndex)
		argsBuilder += c.ToolArgsDelta
	}
	assert.Equal(t, `{"q":"x"}`, argsBuilder)
	assert.Equal(t, "call_1", chunks[0].ToolCallID)
	assert.Equal(t, "lookup", chunks[0].ToolCallName)
	assert.Equal(t, ChunkFinish, chunks[3].Kind)
	assert.Equal(t, FinishToolCalls, chunks[3].FinishReason)
}

package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/eugener/prism/internal"
	"github.com/eugener/prism/internal/codec"
)

var (
	sseHeaders      = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
	sseKeepAlive    = []byte(": keep-alive\n\n")
)

func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseHeaders
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
}

func writeSSEKeepAlive(w http.ResponseWriter) {
	w.Write(sseKeepAlive)
}

// writeSSEError writes a transport-level error event; clients that don't
// recognize it simply ignore an unknown SSE event type.
func writeSSEError(w http.ResponseWriter, msg string) {
	w.Write([]byte("event: error\ndata: "))
	w.Write(encodeIngressError(gateway.OpenAIChat, http.StatusBadGateway, msg))
	w.Write([]byte("\n\n"))
}

// streamResponse drains result.Stream through the ingress codec's stream
// encoder, flushing each frame as it arrives. Grounded on
// internal/server/proxy.go's handleChatCompletionStream: the same
// lazy-ticker keep-alive pattern (no timer allocated until the first chunk
// arrives), generalized from a single gateway.StreamChunk shape to any
// codec's canonical Chunk via StreamEncoder.Encode.
func streamResponse(ctx context.Context, w http.ResponseWriter, c codec.Codec, model string, ch <-chan codec.Chunk) {
	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("response writer does not support flushing; cannot stream")
		return
	}
	flusher.Flush()

	enc := c.NewStreamEncoder(model)

	var keepAlive *time.Ticker
	defer func() {
		if keepAlive != nil {
			keepAlive.Stop()
		}
	}()

	for {
		if keepAlive == nil {
			select {
			case chunk, open := <-ch:
				if !handleChunk(w, flusher, enc, chunk, open) {
					return
				}
				keepAlive = time.NewTicker(15 * time.Second)
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case chunk, open := <-ch:
			if !handleChunk(w, flusher, enc, chunk, open) {
				return
			}
		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// handleChunk writes one chunk's encoded frame and reports whether the
// stream should continue.
func handleChunk(w http.ResponseWriter, flusher http.Flusher, enc codec.StreamEncoder, chunk codec.Chunk, open bool) bool {
	if !open {
		return false
	}
	if chunk.Kind == codec.ChunkError {
		slog.Error("upstream stream error", "error", chunk.Err)
		writeSSEError(w, "upstream stream error")
		flusher.Flush()
		return false
	}
	if frame := enc.Encode(chunk); frame != nil {
		w.Write(frame)
		flusher.Flush()
	}
	return chunk.Kind != codec.ChunkDone
}

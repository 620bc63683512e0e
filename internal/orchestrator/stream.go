package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	gateway "github.com/eugener/prism/internal"
	"github.com/eugener/prism/internal/codec"
	"github.com/eugener/prism/internal/sseutil"
)

// newReusableBody wraps an already-encoded request body for one HTTP
// attempt. A fresh *bytes.Reader is returned on every call so a retry
// (which calls the enclosing closure again) replays the same bytes from
// the start, matching net/http's requirement that request bodies be
// re-readable across redirects/retries.
func newReusableBody(body []byte) io.Reader {
	return bytes.NewReader(body)
}

// statusError carries an upstream HTTP status code through the error chain
// so the orchestrator (and, eventually, the ingress server) can decide
// 4xx-passthrough and selector-level fallback without a type switch,
// mirroring internal/server/proxy.go's errorStatus pattern.
type statusError struct {
	status  int
	message string
}

func newStatusError(status int, message string) error {
	if status >= http.StatusInternalServerError {
		return fmt.Errorf("%w: upstream status %d: %s", gateway.ErrUpstream, status, message)
	}
	return &statusError{status: status, message: message}
}

func (e *statusError) Error() string   { return fmt.Sprintf("upstream status %d: %s", e.status, e.message) }
func (e *statusError) HTTPStatus() int { return e.status }
func (e *statusError) Unwrap() error   { return gateway.ErrUpstream }

// streamChunks reads an SSE-framed upstream response (all three wire
// formats stream via SSE here: OpenAI/Anthropic natively, Gemini via
// alt=sse) line by line, feeds each "data:" frame to the selector's
// upstream-kind stream decoder, and publishes the resulting canonical
// chunks on the returned channel. The channel is closed -- after an
// optional trailing ChunkError -- when the upstream body is exhausted,
// the context is cancelled, or a read error occurs. Grounded on
// internal/provider/sseutil/stream.go's ReadSSEStream loop, generalized
// from a single hard-coded gateway.StreamChunk shape to any codec's
// canonical Chunk via StreamDecoder.Feed.
func streamChunks(ctx context.Context, c codec.Codec, model string, body io.ReadCloser) <-chan codec.Chunk {
	out := make(chan codec.Chunk, 16)
	dec := c.NewStreamDecoder(model)

	go func() {
		defer close(out)
		defer body.Close()

		scanner := sseutil.NewScanner(body)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				out <- codec.Chunk{Kind: codec.ChunkError, Err: ctx.Err()}
				return
			default:
			}

			_, data, ok := sseutil.ParseSSELine(scanner.Text())
			if !ok {
				continue
			}
			if data == "[DONE]" {
				out <- codec.Chunk{Kind: codec.ChunkDone}
				return
			}

			for _, chunk := range dec.Feed([]byte(data)) {
				select {
				case out <- chunk:
				case <-ctx.Done():
					out <- codec.Chunk{Kind: codec.ChunkError, Err: ctx.Err()}
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "upstream stream read error", slog.String("error", err.Error()))
			out <- codec.Chunk{Kind: codec.ChunkError, Err: fmt.Errorf("%w: read upstream stream: %v", gateway.ErrUpstream, err)}
		}
	}()

	return out
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gateway "github.com/eugener/prism/internal"
	"github.com/eugener/prism/internal/codec"
)

// statusClientClosedRequest mirrors nginx's convention for a client that
// disconnected before the response was ready; net/http has no matching
// constant.
const statusClientClosedRequest = 499

// errorStatus maps the proxy's sentinel error taxonomy to an HTTP status.
func errorStatus(err error) int {
	if status, ok := gateway.HTTPStatusOf(err); ok {
		return status
	}
	switch {
	case errors.Is(err, gateway.ErrParse), errors.Is(err, gateway.ErrRoute):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrCancelled):
		return statusClientClosedRequest
	case errors.Is(err, gateway.ErrFallbackExhausted), errors.Is(err, gateway.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// genericError builds a minimal JSON body for errors raised before an
// ingress format is known (panics, drain rejection).
func genericError(msg string) map[string]any {
	return map[string]any{"error": map[string]string{"message": msg, "type": "internal_error"}}
}

// writeIngressError logs the failure server-side and writes an error body
// shaped like the client's own wire format, so clients can parse it with
// their native error model.
func writeIngressError(w http.ResponseWriter, ctx context.Context, format gateway.WireFormat, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if errors.Is(err, gateway.ErrAuth) {
		msg += " -- run the `auth` subcommand to refresh credentials"
	}
	slog.LogAttrs(ctx, slog.LevelError, "ingress error",
		slog.Int("status", status),
		slog.String("error", msg),
	)
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(encodeIngressError(format, status, msg))
}

// encodeIngressError renders an error in each wire format's native envelope.
func encodeIngressError(format gateway.WireFormat, status int, msg string) []byte {
	var body any
	switch format {
	case gateway.AnthropicMessages:
		body = map[string]any{
			"type": "error",
			"error": map[string]string{
				"type":    "api_error",
				"message": msg,
			},
		}
	case gateway.GeminiGenerate:
		body = map[string]any{
			"error": map[string]any{
				"code":    status,
				"message": msg,
				"status":  "FAILED_PRECONDITION",
			},
		}
	default: // openai_chat
		body = map[string]any{
			"error": map[string]string{
				"message": msg,
				"type":    "invalid_request_error",
			},
		}
	}
	b, _ := json.Marshal(body)
	return b
}

// jsonCT is a pre-allocated header value slice, avoiding the []string{v}
// alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

// writeBufferedResponse encodes a canonical response into the ingress
// format, surfacing any lossy-conversion warnings via X-Prism-Warnings.
func writeBufferedResponse(w http.ResponseWriter, c codec.Codec, resp *codec.Response) {
	if len(resp.Warnings) > 0 {
		w.Header()["X-Prism-Warnings"] = []string{joinWarnings(resp.Warnings)}
	}
	data, err := c.EncodeResponse(resp)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, genericError("failed to encode response"))
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func joinWarnings(warnings []string) string {
	out := warnings[0]
	for _, wmsg := range warnings[1:] {
		out += ", " + wmsg
	}
	return out
}

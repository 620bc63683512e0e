package server

import (
	"bytes"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/prism/internal"
	"github.com/eugener/prism/internal/codec"
	"github.com/eugener/prism/internal/routing"
)

// bodyPool reuses buffers for request body reads, grounded on
// internal/server/proxy.go's identical pool.
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// maxRequestBody is the maximum allowed ingress request body size (4 MB).
const maxRequestBody = 4 << 20

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bodyPool.Put(buf)
	if _, err := buf.ReadFrom(r.Body); err != nil {
		writeIngressError(w, r.Context(), gateway.OpenAIChat, errBadBody(err))
		return nil, false
	}
	return bytes.Clone(buf.Bytes()), true
}

func errBadBody(err error) error {
	return &badRequestError{msg: "invalid request body: " + err.Error()}
}

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string   { return e.msg }
func (e *badRequestError) HTTPStatus() int { return http.StatusBadRequest }

// handleOpenAIChat implements POST /v1/chat/completions.
func (s *server) handleOpenAIChat(w http.ResponseWriter, r *http.Request) {
	s.handleIngress(w, r, gateway.OpenAIChat, "", false)
}

// handleAnthropicMessages implements POST /v1/messages.
func (s *server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	s.handleIngress(w, r, gateway.AnthropicMessages, "", false)
}

// handleGeminiGenerate implements
// POST /v1beta/models/{model_path}:generateContent and
// POST /v1beta/models/{model_path}:streamGenerateContent.
// model_path may itself contain "/", so the route is a chi wildcard and the
// action suffix is recovered by splitting on the last ":" (a model selector's
// own variant colon, if present, always sits before this one).
func (s *server) handleGeminiGenerate(w http.ResponseWriter, r *http.Request) {
	rest := chi.URLParam(r, "*")
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		writeIngressError(w, r.Context(), gateway.GeminiGenerate, &badRequestError{msg: "missing :generateContent action"})
		return
	}
	modelPath, action := rest[:idx], rest[idx+1:]
	var stream bool
	switch action {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		writeIngressError(w, r.Context(), gateway.GeminiGenerate, &badRequestError{msg: "unknown action " + action})
		return
	}
	s.handleIngress(w, r, gateway.GeminiGenerate, modelPath, stream)
}

// handleIngress is the common body: decode in ingressFormat, resolve the
// effective model (directive override, URL-supplied model for Gemini, or
// the body's model field otherwise), dispatch, and write the response back
// in ingressFormat -- buffered JSON or an SSE stream.
func (s *server) handleIngress(w http.ResponseWriter, r *http.Request, ingressFormat gateway.WireFormat, urlModel string, forceStream bool) {
	c, err := codec.ByKind(ingressFormat)
	if err != nil {
		writeIngressError(w, r.Context(), ingressFormat, err)
		return
	}

	raw, ok := readBody(w, r)
	if !ok {
		return
	}

	req, err := c.DecodeRequest(raw)
	if err != nil {
		writeIngressError(w, r.Context(), ingressFormat, wrapParseErr(err))
		return
	}
	if urlModel != "" {
		req.Model = urlModel
	}
	if forceStream {
		// Gemini signals streaming via the URL action, not a body field.
		req.Stream = true
	}

	modelOrAlias := req.Model
	if d, ok := routing.Directive(req.System); ok {
		modelOrAlias = d
	}

	result, err := s.deps.Orchestrator.Dispatch(r.Context(), modelOrAlias, req)
	if err != nil {
		writeIngressError(w, r.Context(), ingressFormat, err)
		return
	}

	if result.Stream != nil {
		streamResponse(r.Context(), w, c, req.Model, result.Stream)
		return
	}
	writeBufferedResponse(w, c, result.Response)
}

func wrapParseErr(err error) error {
	return &badRequestError{msg: err.Error()}
}

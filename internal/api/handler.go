package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gonkalabs/gonka-guard/internal/guard"
	"github.com/gonkalabs/gonka-guard/internal/guarderr"
	"github.com/gonkalabs/gonka-guard/internal/metrics"
	"github.com/gonkalabs/gonka-guard/internal/sanitize"
	"github.com/gonkalabs/gonka-guard/internal/session"
	"github.com/gonkalabs/gonka-guard/internal/upstream"
)

// maxBodyBytes caps request bodies read by the handler.
const maxBodyBytes = 4 << 20

// Handler implements all HTTP endpoints.
type Handler struct {
	orch     *guard.Orchestrator
	store    *session.Store
	client   *upstream.Client // nil when no upstream is configured
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	mu     sync.RWMutex
	models []json.RawMessage // cached raw model objects from upstream
}

// New creates a Handler. client may be nil, in which case the proxy routes
// answer 503. gatherer backs /metrics; nil uses the default registry.
func New(orch *guard.Orchestrator, store *session.Store, client *upstream.Client, m *metrics.Metrics, gatherer prometheus.Gatherer) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		orch:     orch,
		store:    store,
		client:   client,
		metrics:  m,
		gatherer: gatherer,
	}
}

// Register mounts routes on the given mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.health)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /v1/input", h.screenInput)
	mux.HandleFunc("GET /v1/input/{id}", h.getInput)
	mux.HandleFunc("GET /v1/input/{id}/failure", h.getFailure)
	mux.HandleFunc("POST /v1/output", h.ingestOutput)
	mux.HandleFunc("GET /v1/output/{id}", h.getOutput)

	mux.HandleFunc("GET /v1/models", h.listModels)
	mux.HandleFunc("POST /v1/chat/completions", h.chatCompletions)
}

// ---------- endpoints ----------

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) chatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}
	defer r.Body.Close()

	if h.client == nil {
		writeErr(w, http.StatusServiceUnavailable, "no upstream configured")
		return
	}

	// Screen the latest user turn; earlier turns were screened when sent.
	var sess *guard.Session
	if query, ok := lastUserMessage(body); ok && strings.TrimSpace(query) != "" {
		sess, err = h.orch.Screen(r.Context(), query)
		if err != nil {
			writeError(w, err)
			return
		}
		h.store.Put(sess)
		w.Header().Set("X-Guard-Session", sess.ID)
		if d := sess.Decision(); !d.Accepted() {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error": map[string]any{
					"message": d.Reason,
					"type":    "guardrail_rejected",
				},
				"session_id":     sess.ID,
				"gibberish_flag": d.GibberishDetected,
				"attack_flag":    d.InjectionDetected,
			})
			return
		}
	}

	// Redact sensitive data from every outgoing message through the
	// session's table so tokens match the screened query.
	var eng *sanitize.Engine
	if sess != nil {
		eng = sess.Engine()
	} else {
		eng = h.orch.Sanitizer().NewEngine()
	}
	body, err = eng.RedactMessages(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	if tm := eng.Table(); !tm.IsEmpty() {
		slog.Info("sanitize: redacted tokens in request", "count", tm.Count())
	}

	// Peek at stream flag
	var peek struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &peek)

	slog.Info("chat completions", "stream", peek.Stream, "bodyLen", len(body))

	if peek.Stream {
		h.streamResponse(w, r, body, eng)
	} else {
		h.nonStreamResponse(w, r, body, eng)
	}
}

func (h *Handler) nonStreamResponse(w http.ResponseWriter, r *http.Request, body []byte, eng *sanitize.Engine) {
	respBody, status, err := h.client.Do(r.Context(), http.MethodPost, "/chat/completions", body)
	if err != nil {
		slog.Error("upstream error", "err", err)
		h.metrics.Upstream("error")
		writeErr(w, http.StatusBadGateway, "upstream error")
		return
	}
	h.metrics.Upstream(strconv.Itoa(status))

	// Restore any redacted tokens before returning to the client.
	if status < 400 {
		respBody = remaskJSON(respBody, eng)
	}

	setSanitizeHeader(w, eng)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

func (h *Handler) streamResponse(w http.ResponseWriter, r *http.Request, body []byte, eng *sanitize.Engine) {
	resp, err := h.client.DoStream(r.Context(), http.MethodPost, "/chat/completions", body)
	if err != nil {
		slog.Error("upstream stream error", "err", err)
		h.metrics.Upstream("error")
		writeErr(w, http.StatusBadGateway, "upstream error")
		return
	}
	defer resp.Body.Close()
	h.metrics.Upstream(strconv.Itoa(resp.StatusCode))

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		slog.Error("upstream stream status", "code", resp.StatusCode, "bodyLen", len(errBody))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(errBody)
		return
	}

	// SSE headers
	setSanitizeHeader(w, eng)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Warn("response writer does not support flushing")
	}

	var src io.Reader = resp.Body
	if eng.Remasks() {
		src = sanitize.NewRemaskingReader(resp.Body, eng.Table())
	}

	buf := make([]byte, 4096)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			_, writeErr := w.Write(buf[:n])
			if writeErr != nil {
				slog.Error("client write error", "err", writeErr)
				return
			}
			if ok {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				slog.Error("upstream read error", "err", readErr)
			}
			return
		}
	}
}

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}

	var entries []modelEntry
	for _, raw := range h.loadModels(r.Context()) {
		var m struct {
			ID      string `json:"id"`
			Created int64  `json:"created"`
			OwnedBy string `json:"owned_by"`
		}
		if json.Unmarshal(raw, &m) == nil && m.ID != "" {
			if m.OwnedBy == "" {
				m.OwnedBy = "upstream"
			}
			entries = append(entries, modelEntry{
				ID:      m.ID,
				Object:  "model",
				Created: m.Created,
				OwnedBy: m.OwnedBy,
			})
		}
	}
	if entries == nil {
		entries = []modelEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   entries,
	})
}

// setSanitizeHeader encodes the token list into the X-Sanitize-Redactions
// response header so a client can display what was redacted and restored.
// The JSON is base64-encoded so UTF-8 originals survive HTTP header
// transmission. It is a no-op when the session's tokens never reach the
// forwarded text (remove strategy, non-deterministic mode or no redactions).
func setSanitizeHeader(w http.ResponseWriter, eng *sanitize.Engine) {
	if !eng.Remasks() {
		return
	}
	b, err := json.Marshal(eng.Table().Mappings())
	if err != nil {
		return
	}
	w.Header().Set("X-Sanitize-Redactions", base64.StdEncoding.EncodeToString(b))
}

// ---------- helpers ----------

// loadModels returns the cached upstream model list, fetching it on first
// use. Failures are not cached.
func (h *Handler) loadModels(ctx context.Context) []json.RawMessage {
	h.mu.RLock()
	models := h.models
	h.mu.RUnlock()
	if models != nil || h.client == nil {
		return models
	}

	models, err := h.client.FetchModels(ctx)
	if err != nil {
		slog.Warn("model load failed", "err", err)
		return nil
	}
	h.mu.Lock()
	h.models = models
	h.mu.Unlock()
	slog.Info("models loaded", "count", len(models))
	return models
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps an error kind onto a status code. External failures get a
// generic message so collaborator details do not leak.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, guarderr.ErrValidation):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"state":          guard.StateReceived,
			"error_message":  err.Error(),
			"gibberish_flag": false,
			"attack_flag":    false,
		})
	case errors.Is(err, guarderr.ErrConfiguration):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, guarderr.ErrUnavailable):
		writeErr(w, http.StatusNotFound, "session not found or expired")
	case errors.Is(err, guarderr.ErrExternalService):
		slog.Error("collaborator failure", "err", err)
		writeErr(w, http.StatusServiceUnavailable, "cannot process request")
	default:
		slog.Error("internal error", "err", err)
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

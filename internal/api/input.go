package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/gonkalabs/gonka-guard/internal/guard"
	"github.com/gonkalabs/gonka-guard/internal/sanitize"
	"github.com/gonkalabs/gonka-guard/internal/sanitize/blacklist"
)

type inputRequest struct {
	Query string `json:"query"`
	// Optional per-request lists. A whitelist replaces the configured one;
	// blacklist entries are added to the configured detectors.
	Whitelist []sanitize.WhitelistEntry `json:"whitelist,omitempty"`
	Blacklist []blacklist.Entry         `json:"blacklist,omitempty"`
	// Optional overrides of the configured redaction options.
	Strategy      sanitize.Strategy `json:"strategy,omitempty"`
	Deterministic *bool             `json:"deterministic,omitempty"`
}

type inputResponse struct {
	SessionID   string         `json:"session_id"`
	State       guard.State    `json:"state"`
	EditedQuery string         `json:"edited_query"`
	PII         []sanitize.PII `json:"pii"`
}

type failureResponse struct {
	SessionID     string      `json:"session_id,omitempty"`
	State         guard.State `json:"state,omitempty"`
	ErrorMessage  string      `json:"error_message"`
	GibberishFlag bool        `json:"gibberish_flag"`
	AttackFlag    bool        `json:"attack_flag"`
}

type outputRequest struct {
	SessionID string                        `json:"session_id"`
	Response  openai.ChatCompletionResponse `json:"response"`
}

// screenInput screens a query and stores the session, whether accepted or
// rejected, so its results can be fetched later.
func (h *Handler) screenInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	orch, err := h.orchestratorFor(req)
	if err != nil {
		writeError(w, err)
		return
	}

	sess, err := orch.Screen(r.Context(), req.Query)
	if err != nil {
		writeError(w, err)
		return
	}
	h.store.Put(sess)

	d := sess.Decision()
	if !d.Accepted() {
		writeJSON(w, http.StatusUnprocessableEntity, failureOf(d))
		return
	}
	writeJSON(w, http.StatusOK, inputResponse{
		SessionID:   sess.ID,
		State:       d.State,
		EditedQuery: d.RedactedText,
		PII:         nonNil(d.PII),
	})
}

// orchestratorFor applies the request's own lists and redaction options.
func (h *Handler) orchestratorFor(req inputRequest) (*guard.Orchestrator, error) {
	if req.Whitelist == nil && len(req.Blacklist) == 0 && req.Strategy == "" && req.Deterministic == nil {
		return h.orch, nil
	}
	var wl *sanitize.Whitelist
	if req.Whitelist != nil {
		var err error
		if wl, err = sanitize.NewWhitelist(req.Whitelist); err != nil {
			return nil, err
		}
	}
	var extra []sanitize.Detector
	if len(req.Blacklist) > 0 {
		bl, err := blacklist.New(req.Blacklist)
		if err != nil {
			return nil, err
		}
		extra = append(extra, bl)
	}
	san := h.orch.Sanitizer().With(wl, extra...)
	if req.Strategy != "" || req.Deterministic != nil {
		opts := san.Options()
		if req.Strategy != "" {
			opts.Strategy = req.Strategy
		}
		if req.Deterministic != nil {
			opts.Deterministic = *req.Deterministic
		}
		var err error
		if san, err = san.WithOptions(opts); err != nil {
			return nil, err
		}
	}
	return h.orch.WithSanitizer(san), nil
}

func (h *Handler) getInput(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	d := rec.Session.Decision()
	if !d.Accepted() {
		writeErr(w, http.StatusConflict, "session was rejected; see /v1/input/"+rec.Session.ID+"/failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"edited_query": d.RedactedText})
}

func (h *Handler) getFailure(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	d := rec.Session.Decision()
	if d.Accepted() {
		writeErr(w, http.StatusConflict, "session was accepted")
		return
	}
	f := failureOf(d)
	f.SessionID, f.State = "", ""
	writeJSON(w, http.StatusOK, f)
}

// ingestOutput remasks each choice of a model response into the session.
func (h *Handler) ingestOutput(w http.ResponseWriter, r *http.Request) {
	var req outputRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	rec, err := h.store.Get(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(req.Response.Choices) == 0 {
		writeErr(w, http.StatusBadRequest, "response has no choices")
		return
	}

	choices := make([]string, len(req.Response.Choices))
	for i, c := range req.Response.Choices {
		choices[i] = rec.Session.Remask(c.Message.Content)
	}
	edited := strings.Join(choices, "\n\n")
	if err := h.store.SetOutput(req.SessionID, edited); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":   req.SessionID,
		"edited_query": edited,
		"choices":      choices,
	})
}

func (h *Handler) getOutput(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !rec.HasOutput {
		writeErr(w, http.StatusNotFound, "no model output ingested for this session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"edited_query": rec.Output})
}

func failureOf(d *guard.Decision) failureResponse {
	return failureResponse{
		SessionID:     d.ID,
		State:         d.State,
		ErrorMessage:  d.Reason,
		GibberishFlag: d.GibberishDetected,
		AttackFlag:    d.InjectionDetected,
	}
}

func nonNil(p []sanitize.PII) []sanitize.PII {
	if p == nil {
		return []sanitize.PII{}
	}
	return p
}

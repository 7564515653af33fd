// Package webflow serves the inbound half of the elicitation lifecycle: the
// local token collection form and the external portal callback. Everything
// here validates at the HTTP boundary; the elicitation manager never sees a
// token that was not already checked against the GitHub identity endpoint.
package webflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tenantly/github-mcp/elicitations"
	"github.com/tenantly/github-mcp/internal/credential"
	"github.com/tenantly/github-mcp/internal/githubapi"
	"github.com/tenantly/github-mcp/internal/logctx"
)

var (
	jsonMediaType = contenttype.NewMediaType("application/json")
	formMediaType = contenttype.NewMediaType("application/x-www-form-urlencoded")

	// tokenPrefixes is the allowlist of recognized GitHub secret shapes.
	tokenPrefixes = []string{"ghp_", "gho_", "ghu_", "ghs_", "ghr_"}
)

// TokenVerifier checks a candidate token against the upstream identity API
// and reports who it belongs to.
type TokenVerifier func(ctx context.Context, token string) (*githubapi.User, error)

// Handler carries the HTTP surface for token collection and portal
// callbacks.
type Handler struct {
	mgr          *elicitations.Manager
	verify       TokenVerifier
	log          *slog.Logger
	insecure     bool
	portalSecret []byte

	formTmpl    *template.Template
	successTmpl *template.Template
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithInsecure enables relaxed-trust side effects: an accepted portal
// callback also marks the owning session authenticated for GitHub.
func WithInsecure(insecure bool) HandlerOption {
	return func(h *Handler) { h.insecure = insecure }
}

// WithPortalSecret requires portal callbacks to carry an HS256 bearer token
// signed with the shared secret and bound to the elicitation ID.
func WithPortalSecret(secret string) HandlerOption {
	return func(h *Handler) {
		if secret != "" {
			h.portalSecret = []byte(secret)
		}
	}
}

// NewHandler builds the web flow around the shared elicitation manager.
func NewHandler(mgr *elicitations.Manager, verify TokenVerifier, opts ...HandlerOption) *Handler {
	h := &Handler{
		mgr:         mgr,
		verify:      verify,
		log:         slog.Default(),
		formTmpl:    template.Must(template.ParseFS(templateFS, "templates/form.html")),
		successTmpl: template.Must(template.ParseFS(templateFS, "templates/success.html")),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register mounts the flow's routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /github-token-form", h.handleFormGet)
	mux.HandleFunc("POST /github-token-form", h.handleFormPost)
	mux.HandleFunc("POST /elicitation/callback", h.handleCallback)
}

// handleFormGet serves the token collection page and bumps the record's
// progress so the suspended tool call sees the user arrived.
func (h *Handler) handleFormGet(w http.ResponseWriter, r *http.Request) {
	ctx := requestCtx(r)

	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "missing elicitation ID")
		h.log.WarnContext(ctx, "form.get.missing_id")
		return
	}
	ctx = logctx.WithElicitationData(ctx, &logctx.ElicitationData{ElicitationID: id})

	h.mgr.UpdateProgress(id, "Waiting for you to submit your GitHub token...")
	h.log.InfoContext(ctx, "form.get")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.formTmpl.Execute(w, struct{ ElicitationID string }{id}); err != nil {
		h.log.ErrorContext(ctx, "form.render.err", slog.String("err", err.Error()))
	}
}

// formSubmission is the payload of a token form POST, whichever encoding it
// arrived in.
type formSubmission struct {
	Elicitation string `json:"elicitation"`
	GithubToken string `json:"githubToken"`
}

// handleFormPost validates a submitted token and completes the elicitation.
// Validation failures are rejected here; the record stays pending so the
// user can retry the form.
func (h *Handler) handleFormPost(w http.ResponseWriter, r *http.Request) {
	ctx := requestCtx(r)

	sub, asJSON, err := h.decodeSubmission(r)
	if err != nil {
		writeJSONError(w, http.StatusUnsupportedMediaType, err.Error())
		h.log.WarnContext(ctx, "form.post.media_type", slog.String("err", err.Error()))
		return
	}

	var missing []string
	if sub.GithubToken == "" {
		missing = append(missing, "githubToken")
	}
	if sub.Elicitation == "" {
		missing = append(missing, "elicitation")
	}
	if len(missing) > 0 {
		writeJSONError(w, http.StatusBadRequest, "missing required parameters: "+strings.Join(missing, ", "))
		h.log.WarnContext(ctx, "form.post.missing_params", slog.String("params", strings.Join(missing, ",")))
		return
	}
	ctx = logctx.WithElicitationData(ctx, &logctx.ElicitationData{ElicitationID: sub.Elicitation})

	if !recognizedTokenPrefix(sub.GithubToken) {
		writeJSONError(w, http.StatusBadRequest, "invalid GitHub token format")
		h.log.WarnContext(ctx, "form.post.bad_prefix")
		return
	}

	user, err := h.verify(ctx, sub.GithubToken)
	if err != nil {
		var apiErr *githubapi.APIError
		switch {
		case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized:
			writeJSONError(w, http.StatusBadRequest, "invalid GitHub token - authentication failed")
			h.log.WarnContext(ctx, "form.post.token_invalid")
		case errors.As(err, &apiErr):
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("GitHub API error: %d", apiErr.StatusCode))
			h.log.WarnContext(ctx, "form.post.upstream_err", slog.Int("status", apiErr.StatusCode))
		default:
			writeJSONError(w, http.StatusBadRequest, "failed to validate token with GitHub API")
			h.log.WarnContext(ctx, "form.post.validate_err", slog.String("err", err.Error()))
		}
		return
	}

	h.mgr.Complete(sub.Elicitation, "GitHub token validated for user: "+user.Login, sub.GithubToken)
	h.log.InfoContext(ctx, "form.post.complete", slog.String("login", user.Login))

	if asJSON {
		writeJSON(w, http.StatusOK, map[string]string{"status": "success", "login": user.Login})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.successTmpl.Execute(w, user); err != nil {
		h.log.ErrorContext(ctx, "success.render.err", slog.String("err", err.Error()))
	}
}

// decodeSubmission accepts the form as urlencoded or JSON, negotiated on
// Content-Type.
func (h *Handler) decodeSubmission(r *http.Request) (formSubmission, bool, error) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil {
		return formSubmission{}, false, fmt.Errorf("content-type required")
	}
	switch {
	case ctype.Matches(formMediaType):
		if err := r.ParseForm(); err != nil {
			return formSubmission{}, false, fmt.Errorf("malformed form body")
		}
		return formSubmission{
			Elicitation: r.PostForm.Get("elicitation"),
			GithubToken: r.PostForm.Get("githubToken"),
		}, false, nil
	case ctype.Matches(jsonMediaType):
		var sub formSubmission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			return formSubmission{}, true, fmt.Errorf("malformed JSON body")
		}
		return sub, true, nil
	default:
		return formSubmission{}, false, fmt.Errorf("content-type must be form or JSON")
	}
}

// callbackRequest is the external portal's resolution payload.
type callbackRequest struct {
	ElicitationID string `json:"elicitation_id"`
	Action        string `json:"action"`
}

// handleCallback dispatches an external portal's accept/decline/cancel
// decision. No token ever rides this path.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := requestCtx(r)

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "callback.media_type")
		return
	}

	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed JSON body")
		h.log.WarnContext(ctx, "callback.bad_body", slog.String("err", err.Error()))
		return
	}

	var missing []string
	if req.ElicitationID == "" {
		missing = append(missing, "elicitation_id")
	}
	if req.Action == "" {
		missing = append(missing, "action")
	}
	if len(missing) > 0 {
		writeJSONError(w, http.StatusBadRequest, "missing required parameters: "+strings.Join(missing, ", "))
		h.log.WarnContext(ctx, "callback.missing_params", slog.String("params", strings.Join(missing, ",")))
		return
	}
	ctx = logctx.WithElicitationData(ctx, &logctx.ElicitationData{ElicitationID: req.ElicitationID})

	if h.portalSecret != nil {
		if err := h.verifyPortalSignature(r, req.ElicitationID); err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid portal signature")
			h.log.WarnContext(ctx, "callback.signature.reject", slog.String("err", err.Error()))
			return
		}
	}

	switch req.Action {
	case "accept":
		h.mgr.Accept(req.ElicitationID, "External portal accepted elicitation")
		if h.insecure {
			if rec, ok := h.mgr.Get(req.ElicitationID); ok {
				h.mgr.MarkAuthenticated(rec.SessionID, credential.ServiceGitHub, req.ElicitationID)
			}
		}
	case "decline":
		h.mgr.Decline(req.ElicitationID, "External portal declined elicitation")
	case "cancel":
		h.mgr.Cancel(req.ElicitationID, "External portal cancelled elicitation")
	default:
		writeJSONError(w, http.StatusBadRequest, "invalid action, must be accept, decline or cancel")
		h.log.WarnContext(ctx, "callback.bad_action", slog.String("action", req.Action))
		return
	}

	h.log.InfoContext(ctx, "callback.dispatch", slog.String("action", req.Action))
	writeJSON(w, http.StatusOK, map[string]string{
		"status":         "success",
		"elicitation_id": req.ElicitationID,
		"action":         req.Action,
		"message":        "elicitation " + req.Action + " processed",
	})
}

// verifyPortalSignature checks the callback's bearer token: an HS256 JWT
// signed with the shared portal secret whose elicitation_id claim matches
// the body.
func (h *Handler) verifyPortalSignature(r *http.Request, elicitationID string) error {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return fmt.Errorf("missing bearer token")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return h.portalSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return fmt.Errorf("parsing portal token: %w", err)
	}

	claimed, _ := claims["elicitation_id"].(string)
	if claimed != elicitationID {
		return fmt.Errorf("token not bound to elicitation %s", elicitationID)
	}
	return nil
}

func recognizedTokenPrefix(tok string) bool {
	for _, p := range tokenPrefixes {
		if strings.HasPrefix(tok, p) {
			return true
		}
	}
	return false
}

func requestCtx(r *http.Request) context.Context {
	return logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

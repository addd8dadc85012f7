package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/audit"
	"github.com/sentinel-sh/sentinel/internal/auth"
	"github.com/sentinel-sh/sentinel/internal/lifecycle"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// SubmitRequest is the body of POST /v1/requests. Agent tokens fix AgentID;
// admin tokens must set it.
type SubmitRequest struct {
	AgentID    string        `json:"agent_id,omitempty"`
	ResourceID string        `json:"resource_id"`
	Intent     access.Intent `json:"intent"`
	TTLSeconds int64         `json:"ttl_seconds"`
}

// DecisionRequest is the optional body of deny and revoke.
type DecisionRequest struct {
	Reason string `json:"reason"`
}

// ErrorResponse is returned for every non-2xx answer.
type ErrorResponse struct {
	Error  string        `json:"error"`
	Kind   string        `json:"kind,omitempty"`
	Status access.Status `json:"status,omitempty"`
}

// ListResponse wraps GET /v1/requests.
type ListResponse struct {
	Requests []access.Request `json:"requests"`
	Count    int              `json:"count"`
}

// HistoryResponse wraps an audit listing.
type HistoryResponse struct {
	RequestID string        `json:"request_id,omitempty"`
	Entries   []audit.Entry `json:"entries"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}

	var body SubmitRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if !p.IsAdmin() {
		if body.AgentID != "" && body.AgentID != p.Subject {
			writeError(w, http.StatusForbidden, "agent_id does not match the bearer token")
			return
		}
		body.AgentID = p.Subject
	}

	if s.limiter != nil && body.AgentID != "" && !s.limiter.Allow(r.Context(), body.AgentID) {
		if s.metrics != nil {
			s.metrics.RateLimited()
		}
		w.Header().Set("Retry-After", strconv.Itoa(s.cfg.RateLimit.WindowS))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	req, err := s.engine.Submit(r.Context(), lifecycle.SubmitInput{
		AgentID:    body.AgentID,
		ResourceID: body.ResourceID,
		Intent:     body.Intent,
		TTLSeconds: body.TTLSeconds,
	})
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}

	code := http.StatusAccepted
	switch req.Status {
	case access.StatusApproved:
		code = http.StatusCreated
	case access.StatusDenied:
		code = http.StatusForbidden
	}
	writeJSON(w, code, view(req, !p.IsAdmin()))
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}
	id := r.PathValue("id")
	req, err := s.engine.Poll(r.Context(), id)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	// Other agents' requests are indistinguishable from missing ones.
	if !p.IsAdmin() && req.AgentID != p.Subject {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error: fmt.Sprintf("poll %s: %s", id, access.ErrNotFound),
			Kind:  string(access.KindNotFound),
		})
		return
	}
	writeJSON(w, http.StatusOK, view(req, !p.IsAdmin()))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reqs, err := s.engine.List(r.Context(), f)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	out := make([]access.Request, len(reqs))
	for i, req := range reqs {
		out[i] = view(req, false)
	}
	writeJSON(w, http.StatusOK, ListResponse{Requests: out, Count: len(out)})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	req, err := s.engine.Approve(r.Context(), r.PathValue("id"), p.Subject)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(req, false))
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var body DecisionRequest
	if err := decodeOptionalJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req, err := s.engine.Deny(r.Context(), r.PathValue("id"), p.Subject, body.Reason)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(req, false))
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var body DecisionRequest
	if err := decodeOptionalJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req, err := s.engine.Revoke(r.Context(), r.PathValue("id"), p.Subject, body.Reason)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(req, false))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	id := r.PathValue("id")
	entries, err := s.engine.History(r.Context(), id)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{RequestID: id, Entries: entries})
}

func (s *Server) handleSearchAudit(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	q := r.URL.Query()
	opts := audit.QueryOpts{Event: audit.Event(q.Get("event")), Actor: q.Get("actor")}
	if opts.Event != "" && !opts.Event.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown event %q", opts.Event))
		return
	}
	var err error
	if opts.Since, err = parseTime(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, "since: "+err.Error())
		return
	}
	if opts.Limit, err = parseLimit(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.engine.SearchAudit(r.Context(), opts)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Entries: entries})
}

// admin guards a handler behind an admin token.
func (s *Server) admin(next func(http.ResponseWriter, *http.Request, auth.Principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		if !p.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next(w, r, p)
	}
}

func parseFilter(r *http.Request) (lifecycle.Filter, error) {
	q := r.URL.Query()
	f := lifecycle.Filter{AgentID: q.Get("agent_id")}
	if raw := q.Get("status"); raw != "" {
		st, ok := access.ParseStatus(raw)
		if !ok {
			return f, fmt.Errorf("unknown status %q", raw)
		}
		f.Status = st
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		return f, fmt.Errorf("since: %w", err)
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		return f, fmt.Errorf("until: %w", err)
	}
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		return f, err
	}
	return f, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}

// view hides the secret value unless the caller is the requesting agent.
func view(req access.Request, reveal bool) access.Request {
	if req.Secret == nil || reveal {
		return req
	}
	masked := *req.Secret
	masked.Value = access.MaskValue(masked.Value)
	req.Secret = &masked
	return req
}

// statusFor maps lifecycle error kinds to HTTP status codes.
func statusFor(kind access.Kind) int {
	switch kind {
	case access.KindInvalidRequest:
		return http.StatusBadRequest
	case access.KindNotFound:
		return http.StatusNotFound
	case access.KindPreconditionFailed:
		return http.StatusConflict
	case access.KindIssuanceFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeLifecycleError(w http.ResponseWriter, err error) {
	kind := access.KindOf(err)
	code := statusFor(kind)
	resp := ErrorResponse{Error: err.Error(), Kind: string(kind)}
	var ae *access.Error
	if errors.As(err, &ae) {
		resp.Status = ae.Status
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("lifecycle operation failed", "kind", kind, "error", err)
		if kind == access.KindInternal {
			resp.Error = "internal server error"
		}
	}
	writeJSON(w, code, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := decodeJSON(w, r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

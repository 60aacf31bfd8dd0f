package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/systmms/dskeys/internal/audit"
	dserrors "github.com/systmms/dskeys/internal/errors"
	"github.com/systmms/dskeys/internal/secure"
	"github.com/systmms/dskeys/internal/storage"
	"github.com/systmms/dskeys/pkg/credential"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// writeServiceError maps engine errors to status codes. Internal failures
// are logged and answered with a generic message.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr dserrors.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "invalid_request", verr.Error())
	case errors.Is(err, dserrors.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, dserrors.ErrDuplicateActiveKey):
		writeError(w, http.StatusConflict, "duplicate_key", dserrors.ErrDuplicateActiveKey.Error())
	default:
		s.logger.Error("%s %s failed: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

type keyRequest struct {
	Provider string `json:"provider"`
	Key      string `json:"key"`
}

func decodeKeyRequest(r *http.Request) (keyRequest, error) {
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return keyRequest{}, dserrors.ValidationError{Message: "invalid JSON body"}
	}
	return req, nil
}

// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Warn("Health check failed: %v", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /v1/owners/{owner}/keys
func (s *Server) handleRegisterKey(w http.ResponseWriter, r *http.Request) {
	req, err := decodeKeyRequest(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	owner := mux.Vars(r)["owner"]
	provider, err := credential.ParseProviderType(req.Provider)
	if err != nil {
		s.writeServiceError(w, r, dserrors.ValidationError{Field: "provider", Message: err.Error()})
		return
	}

	view, err := s.svc.RegisterKey(r.Context(), owner, provider, secure.SecretFromString(req.Key))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Info("Actor %q registered %s key %s for owner %s", actorFromRequest(r), provider, view.ID, owner)
	writeJSON(w, http.StatusCreated, view)
}

// PUT /v1/keys/{id}
func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	req, err := decodeKeyRequest(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	view, err := s.svc.RotateKey(r.Context(), id, secure.SecretFromString(req.Key))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Info("Actor %q rotated key %s", actorFromRequest(r), id)
	writeJSON(w, http.StatusOK, view)
}

// DELETE /v1/keys/{id}
func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.svc.DeleteKey(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Info("Actor %q deleted key %s", actorFromRequest(r), id)
	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/keys/{id}/status
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GET /v1/owners/{owner}/statuses
func (s *Server) handleListStatuses(w http.ResponseWriter, r *http.Request) {
	views, err := s.svc.ListStatuses(r.Context(), mux.Vars(r)["owner"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": views})
}

// POST /v1/owners/{owner}/reconcile
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.ReconcileNow(r.Context(), mux.Vars(r)["owner"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"checked":     sum.Checked,
		"transitions": sum.Transitions,
		"deferred":    sum.Deferred,
		"skipped":     sum.Skipped,
		"discarded":   sum.Discarded,
		"unknown":     sum.Unknown,
	})
}

type ruleErrorView struct {
	RuleID string `json:"rule_id"`
	Error  string `json:"error"`
}

type reportView struct {
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
	Opened     []credential.AuditFinding `json:"opened"`
	Resolved   []credential.AuditFinding `json:"resolved"`
	Open       int                       `json:"open"`
	RuleErrors []ruleErrorView           `json:"rule_errors"`
}

func newReportView(rep audit.Report) reportView {
	v := reportView{
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
		Opened:     rep.Opened,
		Resolved:   rep.Resolved,
		Open:       rep.Open,
		RuleErrors: make([]ruleErrorView, 0, len(rep.RuleErrors)),
	}
	if v.Opened == nil {
		v.Opened = []credential.AuditFinding{}
	}
	if v.Resolved == nil {
		v.Resolved = []credential.AuditFinding{}
	}
	for _, re := range rep.RuleErrors {
		v.RuleErrors = append(v.RuleErrors, ruleErrorView{RuleID: re.RuleID, Error: re.Err.Error()})
	}
	return v
}

// POST /v1/audit
func (s *Server) handleTriggerAudit(w http.ResponseWriter, r *http.Request) {
	rep, err := s.svc.TriggerAudit(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Info("Actor %q triggered an audit", actorFromRequest(r))
	writeJSON(w, http.StatusOK, newReportView(rep))
}

func boolQuery(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, dserrors.ValidationError{Field: name, Message: fmt.Sprintf("%q is not a boolean", raw)}
	}
	return v, nil
}

// GET /v1/findings?open=true&rule=...
func (s *Server) handleListFindings(w http.ResponseWriter, r *http.Request) {
	open, err := boolQuery(r, "open")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	findings, err := s.svc.ListFindings(r.Context(), storage.FindingFilter{
		OpenOnly: open,
		RuleID:   r.URL.Query().Get("rule"),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if findings == nil {
		findings = []credential.AuditFinding{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"findings": findings})
}

func alertFilter(r *http.Request) (storage.AlertFilter, error) {
	open, err := boolQuery(r, "open")
	if err != nil {
		return storage.AlertFilter{}, err
	}
	f := storage.AlertFilter{
		OpenOnly: open,
		OwnerID:  r.URL.Query().Get("owner"),
	}
	switch src := credential.SourceKind(r.URL.Query().Get("source")); src {
	case "", credential.SourceStatus, credential.SourceAudit:
		f.SourceKind = src
	default:
		return storage.AlertFilter{}, dserrors.ValidationError{Field: "source", Message: fmt.Sprintf("unknown source %q", src)}
	}
	return f, nil
}

// GET /v1/alerts?open=true&owner=...&source=...
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := alertFilter(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	alerts, err := s.svc.ListAlerts(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []credential.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// POST /v1/alerts/{id}/ack
func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	actor := actorFromRequest(r)
	if actor == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", ActorHeader+" header required")
		return
	}
	a, err := s.svc.AcknowledgeAlert(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GET /v1/alerts/stream streams alerts as server-sent events
func (s *Server) handleStreamAlerts(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}
	owner := r.URL.Query().Get("owner")

	ch, cancel := s.svc.SubscribeAlerts(0)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case a, ok := <-ch:
			if !ok {
				return
			}
			if owner != "" && a.OwnerID != owner {
				continue
			}
			body, err := json.Marshal(a)
			if err != nil {
				s.logger.Error("Encode alert %s: %v", a.ID, err)
				continue
			}
			event := "alert"
			if !a.Open() {
				event = "resolved"
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

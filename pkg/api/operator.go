package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/escalation"
	"github.com/Mindburn-Labs/helm-intake/pkg/events"
	"github.com/Mindburn-Labs/helm-intake/pkg/forms"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

const (
	defaultEventPage = 100
	maxEventPage     = 1000
)

func principal(w http.ResponseWriter, r *http.Request) (*Principal, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "")
	}
	return p, ok
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	events.ServeSSE(w, r, s.sys.Broker, p.TenantID, s.opts.Heartbeat)
}

type eventPage struct {
	Events    []*contracts.Event `json:"events"`
	NextAfter uint64             `json:"next_after"`
}

// handleListEvents pages through the tenant's event log by sequence.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var after uint64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			WriteError(w, r, http.StatusBadRequest, "after must be a sequence number")
			return
		}
		after = n
	}
	limit := defaultEventPage
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventPage)
	}
	evs, err := s.sys.Repo.ListEvents(r.Context(), p.TenantID, after, limit)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	page := eventPage{Events: evs, NextAfter: after}
	if len(evs) > 0 {
		page.NextAfter = evs[len(evs)-1].Sequence
	}
	if page.Events == nil {
		page.Events = []*contracts.Event{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleUnassigned(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	subs, err := s.sys.Escalations.UnassignedQueue(r.Context(), p.TenantID)
	writeList(w, r, subs, err)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	subs, err := s.sys.Escalations.ReviewQueue(r.Context(), p.TenantID)
	writeList(w, r, subs, err)
}

func (s *Server) handleEscalations(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	list, err := s.sys.Escalations.OpenEscalations(r.Context(), p.TenantID)
	writeList(w, r, list, err)
}

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	list, err := s.sys.Escalations.PendingDrafts(r.Context(), p.TenantID)
	writeList(w, r, list, err)
}

func writeList[T any](w http.ResponseWriter, r *http.Request, items []T, err error) {
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	d, err := s.sys.Escalations.Approve(r.Context(), p.TenantID, r.PathValue("id"), p.ID)
	if d != nil && err != nil {
		// Approved, but resuming execution failed; the stale sweep will reclaim it.
		WriteInternal(w, r, err)
		return
	}
	if err != nil {
		writeDecisionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body rejectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
			WriteError(w, r, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	d, err := s.sys.Escalations.Reject(r.Context(), p.TenantID, r.PathValue("id"), p.ID, body.Reason)
	if err != nil && d == nil {
		writeDecisionError(w, r, err)
		return
	}
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func writeDecisionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteError(w, r, http.StatusNotFound, "draft not found")
	case errors.Is(err, escalation.ErrNotPending):
		WriteError(w, r, http.StatusConflict, "draft already decided")
	default:
		WriteInternal(w, r, err)
	}
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body escalation.Override
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sub, err := s.sys.Escalations.Override(r.Context(), p.TenantID, r.PathValue("id"), p.ID, body)
	switch {
	case errors.Is(err, escalation.ErrInvalidOverride):
		WriteError(w, r, http.StatusBadRequest, "status must be processed, failed or needs_human_review")
	case errors.Is(err, store.ErrNotFound) && sub == nil:
		WriteError(w, r, http.StatusNotFound, "submission not found")
	case err != nil:
		WriteInternal(w, r, err)
	default:
		writeJSON(w, http.StatusOK, sub)
	}
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	sub, err := s.sys.Repo.GetSubmission(r.Context(), p.TenantID, r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, r, http.StatusNotFound, "submission not found")
		return
	}
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleExperiment(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	form, err := s.sys.Forms.Form(r.Context(), r.PathValue("formID"))
	if errors.Is(err, forms.ErrFormNotFound) || (err == nil && form.TenantID != p.TenantID) {
		WriteError(w, r, http.StatusNotFound, "form not found")
		return
	}
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if form.Experiment == nil {
		WriteError(w, r, http.StatusNotFound, "form runs no experiment")
		return
	}
	res, err := s.sys.Forms.Evaluate(r.Context(), form)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

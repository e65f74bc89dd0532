package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/usedcss"
)

// RecordResponse is the JSON form of a used-CSS record
type RecordResponse struct {
	ID           int64     `json:"id"`
	URL          string    `json:"url"`
	IsMobile     bool      `json:"is_mobile"`
	Status       string    `json:"status"`
	JobID        string    `json:"job_id,omitempty"`
	QueueName    string    `json:"queue_name,omitempty"`
	CSS          string    `json:"css,omitempty"`
	Hash         string    `json:"hash,omitempty"`
	Retries      int       `json:"retries"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

func toRecordResponse(r *usedcss.Record) RecordResponse {
	return RecordResponse{
		ID:           r.ID,
		URL:          r.URL,
		IsMobile:     r.IsMobile,
		Status:       string(r.Status),
		JobID:        r.JobID,
		QueueName:    r.QueueName,
		CSS:          r.CSS,
		Hash:         r.Hash,
		Retries:      r.Retries,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		LastAccessed: r.LastAccessed,
	}
}

// NoticeResponse is the JSON form of an admin notice
type NoticeResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// PageRequest asks for used CSS for a page
type PageRequest struct {
	URL      string `json:"url"`
	IsMobile bool   `json:"is_mobile"`
}

// ResourceRequest reports an external asset used by a page
type ResourceRequest struct {
	URL         string `json:"url"`
	Kind        string `json:"kind"`
	ContentHash string `json:"content_hash"`
}

// HandleClear runs the admin clear action. The token comes from the
// _wpnonce query parameter, as issued by HandleNonce.
func (s *Server) HandleClear(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.adminPrincipal(w, r)
	if !ok {
		return
	}
	token := r.URL.Query().Get("_wpnonce")

	notice, err := s.orch.ClearUsedCSS(r.Context(), principal, token)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, NoticeResponse{Status: string(notice.Status), Message: notice.Message})
}

// HandleNonce issues a clear token to a principal holding the capability
func (s *Server) HandleNonce(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.adminPrincipal(w, r)
	if !ok {
		return
	}
	token, err := s.orch.IssueClearToken(r.Context(), principal)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"action":   usedcss.ClearUsedCSSAction,
		"_wpnonce": token,
	})
}

// HandleNotice returns the principal's pending notice once, or 204
func (s *Server) HandleNotice(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.adminPrincipal(w, r)
	if !ok {
		return
	}
	notice, ok := s.orch.ConsumeNotice(principal)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, NoticeResponse{Status: string(notice.Status), Message: notice.Message})
}

// ChangedRequest is the optional body of a content webhook. When URL is set
// the page is dropped directly instead of resolving the id.
type ChangedRequest struct {
	URL string `json:"url"`
}

// HandlePostChanged reacts to a post being saved or deleted
func (s *Server) HandlePostChanged(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.contentChanged(w, r, func() error { return s.orch.OnPostChanged(r.Context(), id) })
}

// HandleTermChanged reacts to a term being edited or deleted
func (s *Server) HandleTermChanged(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.contentChanged(w, r, func() error { return s.orch.OnTermChanged(r.Context(), id) })
}

// contentChanged runs byID unless the body names the page url
func (s *Server) contentChanged(w http.ResponseWriter, r *http.Request, byID func() error) {
	var req ChangedRequest
	if !readOptionalJSON(w, r, &req) {
		return
	}
	var err error
	if strings.TrimSpace(req.URL) != "" {
		err = s.orch.OnPageChanged(r.Context(), req.URL)
	} else {
		err = byID()
	}
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleThemeSwitched drops every record after a theme switch
func (s *Server) HandleThemeSwitched(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.OnThemeSwitched(r.Context()); err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRulesChanged drops every record after the rewrite rules change
func (s *Server) HandleRulesChanged(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.OnRulesChanged(r.Context()); err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRequest returns the page's record, submitting a job when needed.
// 202 means the job is still running; 200 carries the finished css.
func (s *Server) HandleRequest(w http.ResponseWriter, r *http.Request) {
	var req PageRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	rec, err := s.orch.RequestURL(r.Context(), req.URL, req.IsMobile)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	status := http.StatusAccepted
	if rec.Status == usedcss.StatusCompleted {
		status = http.StatusOK
	}
	writeJSON(w, status, toRecordResponse(rec))
}

// HandleResource records an asset used by a page
func (s *Server) HandleResource(w http.ResponseWriter, r *http.Request) {
	var req ResourceRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	err := s.orch.TrackResource(r.Context(), usedcss.Resource{
		URL:         req.URL,
		Kind:        usedcss.ResourceKind(req.Kind),
		ContentHash: req.ContentHash,
	})
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRecords lists records, optionally filtered by ?status=
func (s *Server) HandleRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), 50)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}

	records, err := s.orch.Store().List(r.Context(), usedcss.Status(q.Get("status")), limit, offset)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	out := make([]RecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": out,
		"limit":   limit,
		"offset":  offset,
	})
}

// HandleHealth reports liveness and per-status record counts
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.orch.Store().Count(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	byStatus := make(map[string]int, len(counts))
	for st, n := range counts {
		byStatus[string(st)] = n
	}
	resp := map[string]interface{}{
		"status":  "ok",
		"enabled": s.orch.Config().Enabled,
		"records": byStatus,
	}
	if s.hub != nil {
		resp["clients"] = s.hub.ClientCount()
		resp["dropped_clients"] = s.hub.Drops()
	}
	writeJSON(w, http.StatusOK, resp)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.NewInvalidRequestError("expected a non-negative integer, got %q", raw)
	}
	return n, nil
}

package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/quotevault/internal/jobs"
)

// handleCreateJob serves POST /api/fetch-jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidation,
			"invalid JSON body", nil)
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "api"
	}

	job, err := s.jobs.Create(req)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, job)
}

// handleGetJob serves GET /api/fetch-jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if job == nil {
		s.writeError(w, http.StatusNotFound, codeJobNotFound, "job not found", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// handleListJobs serves GET /api/fetch-jobs?status=&limit=&offset=
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	list, err := s.jobs.List(q.Get("status"), limit, offset)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	summary, err := s.jobs.Summary()
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":    list,
		"count":   len(list),
		"summary": summary,
	})
}

// handleCancelJob serves POST /api/fetch-jobs/{id}/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Cancel(id); err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"job_id": id,
		"status": jobs.StatusCancelled,
	})
}

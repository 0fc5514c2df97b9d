package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/aristath/quotevault/internal/symbols"
)

// handleDailyUpdate serves POST /api/cron/daily-update?dry_run=
func (s *Server) handleDailyUpdate(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"

	result, err := s.maint.DailyUpdate(r.Context(), dryRun)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type adjustmentRequest struct {
	Symbols []string `json:"symbols,omitempty"`
	AutoFix bool     `json:"auto_fix,omitempty"`
}

// decodeOptionalBody tolerates an empty body; maintenance endpoints are
// usually hit by curl-style cron entries without payloads.
func decodeOptionalBody(r *http.Request, dest interface{}) error {
	err := json.NewDecoder(r.Body).Decode(dest)
	if err == io.EOF {
		return nil
	}
	return err
}

// handleCheckAdjustments serves POST /api/cron/check-adjustments
func (s *Server) handleCheckAdjustments(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidation, "invalid JSON body", nil)
		return
	}

	syms, err := normalizeAll(req.Symbols)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}

	summary, err := s.maint.CheckAdjustments(r.Context(), syms, req.AutoFix)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// handleFixAdjustments serves POST /api/cron/fix-adjustments. It wipes and
// requeues the named symbols regardless of detector state.
func (s *Server) handleFixAdjustments(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidation, "invalid JSON body", nil)
		return
	}
	if len(req.Symbols) == 0 {
		s.writeError(w, http.StatusBadRequest, codeValidation,
			"symbols list is required", nil)
		return
	}

	syms, err := normalizeAll(req.Symbols)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}

	fixed := make([]interface{}, 0, len(syms))
	var failed []map[string]string
	for _, sym := range syms {
		res, err := s.fixer.Fix(r.Context(), sym)
		if err != nil {
			failed = append(failed, map[string]string{
				"symbol": sym,
				"error":  err.Error(),
			})
			continue
		}
		fixed = append(fixed, res)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"fixed":  fixed,
		"failed": failed,
	})
}

// handleAdjustmentReport serves GET /api/cron/adjustment-report
func (s *Server) handleAdjustmentReport(w http.ResponseWriter, r *http.Request) {
	summary, err := s.events.Summarize()
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// handleCleanup serves POST /api/cron/cleanup
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	jobsRemoved, err := s.maint.CleanupJobs()
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	cachePurged, err := s.maint.PurgeCache()
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs_removed": jobsRemoved,
		"cache_purged": cachePurged,
	})
}

func normalizeAll(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		sym, err := symbols.Normalize(r)
		if err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, nil
}

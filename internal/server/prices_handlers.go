package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/quotevault/internal/symbols"
	"github.com/aristath/quotevault/internal/utils"
)

// handleGetPrices serves GET /api/prices?symbols=CSV&from=&to=&auto_fetch=
func (s *Server) handleGetPrices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	raw := strings.TrimSpace(q.Get("symbols"))
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, codeValidation,
			"symbols parameter is required", nil)
		return
	}
	var syms []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			syms = append(syms, part)
		}
	}

	from, err := utils.ParseDate(q.Get("from"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidation,
			"from must be YYYY-MM-DD", nil)
		return
	}
	to, err := utils.ParseDate(q.Get("to"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidation,
			"to must be YYYY-MM-DD", nil)
		return
	}
	if from.After(to) {
		s.writeError(w, http.StatusBadRequest, codeValidation,
			"from must not be after to", nil)
		return
	}
	autoFetch := q.Get("auto_fetch") == "true" || q.Get("auto_fetch") == "1"

	rows, err := s.reader.GetPrices(r.Context(), syms, from, to, autoFetch)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"prices": rows,
		"count":  len(rows),
	})
}

// handleDeletePrices serves DELETE /api/prices/{symbol}?from=&to=&confirm=true
func (s *Server) handleDeletePrices(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		s.writeError(w, http.StatusBadRequest, codeConfirmationNeeded,
			"destructive operation requires confirm=true", nil)
		return
	}

	symbol, err := symbols.Normalize(chi.URLParam(r, "symbol"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}

	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")

	var deleted int64
	if fromStr == "" && toStr == "" {
		deleted, err = s.prices.DeleteAllForSymbol(symbol)
		if err == nil {
			err = s.symbols.ClearDateRange(symbol)
		}
	} else {
		from, perr := utils.ParseDate(fromStr)
		if perr != nil {
			s.writeError(w, http.StatusBadRequest, codeValidation,
				"from must be YYYY-MM-DD", nil)
			return
		}
		to, perr := utils.ParseDate(toStr)
		if perr != nil {
			s.writeError(w, http.StatusBadRequest, codeValidation,
				"to must be YYYY-MM-DD", nil)
			return
		}
		deleted, err = s.prices.DeleteRange(symbol, from, to)
	}
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	s.log.Info().
		Str("symbol", symbol).
		Int64("rows_deleted", deleted).
		Msg("Deleted price rows")

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":       symbol,
		"rows_deleted": deleted,
	})
}

// handleCoverage serves GET /api/coverage, the per-symbol dashboard view
func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	rows, err := s.symbols.CoverageSummary()
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"coverage": rows,
		"count":    len(rows),
	})
}

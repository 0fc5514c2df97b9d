package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/quotevault/internal/database"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	if s.marketDB != nil {
		if err := s.marketDB.HealthCheck(r.Context()); err != nil {
			s.log.Error().Err(err).Msg("Market database health check failed")
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	s.writeJSON(w, httpStatus, map[string]interface{}{
		"status":  status,
		"service": "quotevault",
		"version": "1.0.0",
	})
}

type dbStatsView struct {
	Name        string  `json:"name"`
	SizeMB      float64 `json:"size_mb"`
	WALSizeMB   float64 `json:"wal_size_mb"`
	PageCount   int64   `json:"page_count"`
	Connections int     `json:"open_connections"`
}

// handleSystemStatus reports process, host, and database statistics
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	cpuPct, ramPct := s.hostStats()

	var dbs []dbStatsView
	for _, db := range []*database.DB{s.marketDB, s.cacheDB} {
		if db == nil {
			continue
		}
		view := dbStatsView{
			Name:        db.Name(),
			Connections: db.Conn().Stats().OpenConnections,
		}
		if stats, err := db.GetStats(); err == nil {
			view.SizeMB = float64(stats.SizeBytes) / 1024 / 1024
			view.WALSizeMB = float64(stats.WALSizeBytes) / 1024 / 1024
			view.PageCount = stats.PageCount
		} else {
			s.log.Warn().Err(err).Str("db", db.Name()).Msg("Failed to read database stats")
		}
		dbs = append(dbs, view)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "running",
		"uptime_hours": time.Since(s.startupTime).Hours(),
		"host": map[string]interface{}{
			"cpu_percent": cpuPct,
			"ram_percent": ramPct,
		},
		"process": map[string]interface{}{
			"alloc_mb":   m.Alloc / 1024 / 1024,
			"sys_mb":     m.Sys / 1024 / 1024,
			"num_gc":     m.NumGC,
			"goroutines": runtime.NumGoroutine(),
		},
		"databases": dbs,
	})
}

// hostStats samples CPU over 100ms so the endpoint stays fast for pollers
func (s *Server) hostStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}

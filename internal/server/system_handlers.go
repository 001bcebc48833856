package server

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStatusResponse is the payload of GET /api/system/status.
type SystemStatusResponse struct {
	Status         string  `json:"status"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	DataDirMB      float64 `json:"data_dir_mb"`
	Plugins        int     `json:"plugins"`
	CalendarLoaded bool    `json:"calendar_loaded"`
	CalendarFirst  string  `json:"calendar_first,omitempty"`
	CalendarLast   string  `json:"calendar_last,omitempty"`
}

// handleSystemStatus reports process and data health.
// GET /api/system/status
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := s.systemStats()

	response := SystemStatusResponse{
		Status:         "ok",
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		CPUPercent:     cpuPercent,
		MemoryPercent:  memPercent,
		DataDirMB:      s.dirSizeMB(s.cfg.DataDir),
		Plugins:        s.registry.Count(),
		CalendarLoaded: s.cal.Loaded(),
	}
	if response.CalendarLoaded {
		if first, last, err := s.cal.Range(); err == nil {
			response.CalendarFirst = first
			response.CalendarLast = last
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleDatabaseStats reports raw row counts per market-store table.
// Row counts include superseded versions; compaction shrinks them.
// GET /api/system/database/stats
func (s *Server) handleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tables := make(map[string]int64)

	for _, p := range s.registry.All() {
		for _, schema := range p.Descriptor().Tables {
			exists, err := s.store.TableExists(ctx, schema.Name)
			if err != nil || !exists {
				continue
			}
			count, err := s.store.RowCount(ctx, schema.Name)
			if err != nil {
				s.log.Warn().Err(err).Str("table", schema.Name).Msg("Failed to count rows")
				continue
			}
			tables[schema.Name] = count
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tables": tables})
}

// handleCompact triggers compaction of all tables immediately.
// POST /api/system/compact
func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := s.compaction.Run(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "compacted"})
}

// handleBackup triggers a backup upload immediately.
// POST /api/system/backup
func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if s.backup == nil {
		s.writeError(w, http.StatusServiceUnavailable, "backups are not configured")
		return
	}
	if err := s.backup.CreateAndUpload(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "uploaded"})
}

// systemStats samples CPU and RAM usage. The CPU sample window is short so
// status polling stays fast.
func (s *Server) systemStats() (float64, float64) {
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

// dirSizeMB calculates total size of a directory in MB.
func (s *Server) dirSizeMB(dirPath string) float64 {
	var totalSize int64

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("dir", dirPath).Msg("Failed to calculate directory size")
		return 0
	}

	return float64(totalSize) / 1024 / 1024
}

package server

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// handleSystemStatus reports process and host health in one snapshot: host
// resources, database reachability, scheduler outcomes, and hub load.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPct, memPct := s.systemStats()

	dbHealthy := true
	if err := s.deps.DB.HealthCheck(r.Context()); err != nil {
		s.log.Warn().Err(err).Msg("Database health check failed")
		dbHealthy = false
	}

	status := map[string]interface{}{
		"database_healthy": dbHealthy,
		"cpu_percent":      cpuPct,
		"memory_percent":   memPct,
		"timestamp":        time.Now().UTC(),
	}

	if usage, err := disk.Usage(s.deps.Config.DataDir); err == nil {
		status["disk_percent"] = usage.UsedPercent
		status["disk_free_gb"] = float64(usage.Free) / 1024 / 1024 / 1024
	}

	if stats, err := s.deps.Logs.Stats(24 * time.Hour); err == nil {
		status["scheduler"] = stats
	}

	users, conns, dropped := s.deps.Hub.Stats()
	status["hub"] = map[string]interface{}{
		"users":            users,
		"connections":      conns,
		"dropped_messages": dropped,
	}

	s.writeJSON(w, http.StatusOK, status)
}

// systemStats samples CPU and RAM usage. The CPU sample window is kept short
// so the status endpoint stays responsive.
func (s *Server) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}
	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return cpuAvg, 0
	}
	return cpuAvg, memStat.UsedPercent
}

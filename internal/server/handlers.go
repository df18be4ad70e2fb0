package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/tape/internal/config"
	"github.com/aristath/tape/internal/domain"
	"github.com/aristath/tape/internal/indicators"
	"github.com/aristath/tape/internal/session"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "tape",
	})
}

// handleSystemStatus serves the full engine snapshot
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mgr.State())
}

// handleSystemStats serves host resource usage
func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		stats["cpu_percent"] = cpuPercent[0]
	}
	if memStat, err := mem.VirtualMemory(); err == nil {
		stats["memory_percent"] = memStat.UsedPercent
		stats["memory_used_mb"] = memStat.Used / 1024 / 1024
		stats["memory_total_mb"] = memStat.Total / 1024 / 1024
	}
	if diskStat, err := disk.Usage("/"); err == nil {
		stats["disk_percent"] = diskStat.UsedPercent
		stats["disk_free_gb"] = diskStat.Free / 1024 / 1024 / 1024
	}

	s.writeJSON(w, http.StatusOK, stats)
}

// handleSessionStatus serves the coordinator status
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mgr.Coordinator().Status())
}

// handleSessionStart launches the session run loop
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Start(); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// handleSessionStop halts the session run loop
func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	s.mgr.Stop()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleSessionPause suspends the tape
func (s *Server) handleSessionPause(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Pause(); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// handleSessionResume continues the tape
func (s *Server) handleSessionResume(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Resume(); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// handleSessionMode switches between live and backtest
func (s *Server) handleSessionMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mode := domain.Mode(req.Mode)
	if mode != domain.ModeLive && mode != domain.ModeBacktest {
		s.writeError(w, http.StatusBadRequest, "mode must be live or backtest")
		return
	}
	if err := s.mgr.SetMode(mode); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"mode": req.Mode})
}

// handleSessionConfig swaps the session document
func (s *Server) handleSessionConfig(w http.ResponseWriter, r *http.Request) {
	sessionCfg, err := config.ParseSession(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.mgr.Reconfigure(sessionCfg); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"session": sessionCfg.SessionName})
}

// symbolEntry is one row in the symbol listing
type symbolEntry struct {
	Symbol     string             `json:"symbol"`
	Scope      domain.SymbolScope `json:"scope"`
	AddedBy    session.AddedBy    `json:"added_by"`
	Intervals  []string           `json:"intervals"`
	TotalBars  int                `json:"total_bars"`
	LastUpdate time.Time          `json:"last_update,omitempty"`
}

// handleListSymbols lists provisioned symbols with their provenance
func (s *Server) handleListSymbols(w http.ResponseWriter, r *http.Request) {
	store := s.mgr.Store()
	symbols := store.Symbols()

	entries := make([]symbolEntry, 0, len(symbols))
	for _, symbol := range symbols {
		entry := symbolEntry{Symbol: symbol}
		if prov, err := store.Provenance(symbol); err == nil {
			entry.Scope = domain.ScopeAdhoc
			if prov.MeetsRequirements {
				entry.Scope = domain.ScopeFull
			}
			entry.AddedBy = prov.AddedBy
		}
		if intervals, err := store.Intervals(symbol); err == nil {
			for _, iv := range intervals {
				entry.Intervals = append(entry.Intervals, iv.String())
				entry.TotalBars += store.BarCount(symbol, iv)
			}
		}
		if metrics, err := store.Metrics(symbol); err == nil {
			entry.LastUpdate = metrics.LastUpdate
		}
		entries = append(entries, entry)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": entries,
		"count":   len(entries),
	})
}

// handleAddSymbols admits symbols into the running session, or
// provisions them directly when the tape is stopped.
func (s *Server) handleAddSymbols(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbols []string `json:"symbols"`
		Scope   string   `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Symbols) == 0 {
		s.writeError(w, http.StatusBadRequest, "symbols is required")
		return
	}
	scope := domain.SymbolScope(req.Scope)
	if scope == "" {
		scope = domain.ScopeFull
	}
	if scope != domain.ScopeAdhoc && scope != domain.ScopeFull {
		s.writeError(w, http.StatusBadRequest, "scope must be adhoc or full")
		return
	}

	if s.mgr.Coordinator().Status().State == domain.StateActive {
		if err := s.mgr.Coordinator().Admit(r.Context(), req.Symbols, scope, "api"); err != nil {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"symbols": req.Symbols,
			"status":  "admitted",
		})
		return
	}

	addedBy := session.AddedByConfig
	if scope == domain.ScopeAdhoc {
		addedBy = session.AddedByAdhoc
	}
	for _, symbol := range req.Symbols {
		if err := s.mgr.Provisioner().AddSymbol(r.Context(), symbol, scope, addedBy, false); err != nil {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": req.Symbols,
		"status":  "provisioned",
	})
}

// handleUpgradeSymbol promotes an adhoc symbol to full scope
func (s *Server) handleUpgradeSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	if err := s.mgr.Provisioner().Upgrade(r.Context(), symbol); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"symbol": symbol, "scope": string(domain.ScopeFull)})
}

// handleRemoveSymbol drops a symbol from the session
func (s *Server) handleRemoveSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	if err := s.mgr.Provisioner().RemoveSymbol(symbol); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"symbol": symbol, "status": "removed"})
}

// qualityEntry is one stream's quality standing
type qualityEntry struct {
	Stream     string       `json:"stream"`
	Score      float64      `json:"score"`
	Duplicates int          `json:"duplicates"`
	Gaps       []domain.Gap `json:"gaps,omitempty"`
}

// handleQuality serves per-stream quality scores and open gaps
func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	store := s.mgr.Store()

	var entries []qualityEntry
	for _, symbol := range store.Symbols() {
		intervals, err := store.Intervals(symbol)
		if err != nil {
			continue
		}
		for _, iv := range intervals {
			entries = append(entries, qualityEntry{
				Stream:     domain.StreamID{Symbol: symbol, Interval: iv}.String(),
				Score:      store.Quality(symbol, iv),
				Duplicates: store.Duplicates(symbol, iv),
				Gaps:       store.Gaps(symbol, iv),
			})
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"streams": entries,
		"count":   len(entries),
	})
}

// handleBars serves bars for one stream, newest-first capped by limit
func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	interval, err := indicators.ParseInterval(chi.URLParam(r, "interval"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 500
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	bars, err := s.mgr.Store().LastBars(symbol, interval, limit)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":   symbol,
		"interval": interval.String(),
		"bars":     bars,
		"count":    len(bars),
	})
}

// handleIndicators serves computed indicator values for a symbol
func (s *Server) handleIndicators(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	store := s.mgr.Store()
	if !store.Has(symbol) {
		s.writeError(w, http.StatusNotFound, "unknown symbol")
		return
	}

	snap := store.Snapshot()
	values := map[string]session.IndicatorValue{}
	if sym, ok := snap.Symbols[symbol]; ok {
		values = sym.Indicators
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":     symbol,
		"indicators": values,
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeLifecycleError maps lifecycle violations to 409, everything
// else to 500.
func (s *Server) writeLifecycleError(w http.ResponseWriter, err error) {
	var lcErr *domain.LifecycleError
	if errors.As(err, &lcErr) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

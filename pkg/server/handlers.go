package server

import (
	"net/http"
	"strconv"

	"github.com/parapet-ai/parapet/pkg/audit"
	"github.com/parapet-ai/parapet/pkg/proxy"
)

// handleHealth reports liveness, the active feature flags, and the
// management endpoint list. It deliberately touches no storage.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	flags := s.deps.Config.Flags()

	proxy.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"providers": s.deps.Registry.Names(),
		"features": map[string]bool{
			"data_sanitization":   flags.DataSanitization,
			"time_based_blocking": flags.TimeBasedBlocking,
			"caching":             flags.Caching,
			"policy_enforcement":  flags.PolicyEnforcement,
			"rate_limiting":       flags.RateLimiting,
		},
		"endpoints": []string{
			"/health",
			"/stats",
			"/logs",
			"/logs/{action}",
			"/dashboard/metrics",
			"/dashboard/analytics",
			"/dashboard/rate-limits",
			"/ws",
		},
	})
}

// handleStats serves AuditStore.Stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		proxy.WriteError(w, proxy.NewErrorResponse(proxy.CodeInternal, "Failed to read stats", r, s.deps.Clock.Now()))
		return
	}
	proxy.WriteJSON(w, http.StatusOK, stats)
}

// handleLogs serves the most recent audit records, optionally filtered
// by action via the path parameter.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)

	action := r.PathValue("action")
	var (
		records []*audit.Record
		err     error
	)
	if action == "" {
		records, err = s.deps.Store.Recent(r.Context(), limit)
	} else {
		if !audit.KnownAction(audit.Action(action)) {
			proxy.WriteError(w, proxy.NewErrorResponse(proxy.CodeNotFound, "Unknown action", r, s.deps.Clock.Now()))
			return
		}
		records, err = s.deps.Store.ByAction(r.Context(), audit.Action(action), limit)
	}
	if err != nil {
		proxy.WriteError(w, proxy.NewErrorResponse(proxy.CodeInternal, "Failed to read logs", r, s.deps.Clock.Now()))
		return
	}

	proxy.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(records),
		"logs":  records,
	})
}

// handleDashboardMetrics serves the system + cache snapshot.
func (s *Server) handleDashboardMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Collector.Snapshot(r.Context())
	proxy.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"at":     snap.At,
		"system": snap.System,
		"cache":  snap.Cache,
	})
}

// handleDashboardAnalytics serves the aggregated analytics snapshot.
func (s *Server) handleDashboardAnalytics(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Collector.Snapshot(r.Context())
	proxy.WriteJSON(w, http.StatusOK, snap)
}

// handleRateLimits serves the limiter aggregate plus per-identity
// projections.
func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	proxy.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"stats":   s.deps.Limiter.Stats(),
		"buckets": s.deps.Limiter.Statuses(),
	})
}

// handleRateLimitStatus serves one identity's bucket projection.
func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	proxy.WriteJSON(w, http.StatusOK, s.deps.Limiter.Status(id))
}

// handleRateLimitReset deletes one identity's bucket.
func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existed := s.deps.Limiter.Reset(id)
	proxy.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"identity": id,
		"reset":    existed,
	})
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > 1000 {
		return 1000
	}
	return n
}

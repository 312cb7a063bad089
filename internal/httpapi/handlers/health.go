package handlers

import (
	"context"
	"net/http"
	"time"

	"broll/internal/doctor"
	"broll/internal/httpkit"
)

// Health reports liveness; ?deep=true also checks the store, the queue and
// the host.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	health := map[string]any{
		"status":  "ok",
		"service": "broll-api",
	}

	if r.URL.Query().Get("deep") == "true" {
		checks := h.deepHealthCheck(ctx)
		health["checks"] = checks

		for _, check := range checks {
			if check["status"] != "ok" {
				health["status"] = "degraded"
				log.Warn("health check degraded", "checks", checks)
				break
			}
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, health)
}

func (h *Handler) deepHealthCheck(ctx context.Context) map[string]map[string]any {
	checks := map[string]map[string]any{
		"store": timed(ctx, h.store.Ping),
		"queue": timed(ctx, h.queue.Ping),
	}
	if h.doctor != nil {
		checks["host"] = h.checkHost(ctx)
	}
	return checks
}

func timed(ctx context.Context, ping func(context.Context) error) map[string]any {
	start := time.Now()
	result := map[string]any{
		"status": "ok",
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := ping(checkCtx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}

	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}

func (h *Handler) checkHost(ctx context.Context) map[string]any {
	results := h.doctor(ctx)
	status := "ok"
	if !doctor.Healthy(results) {
		status = "error"
	}
	return map[string]any{
		"status":  status,
		"results": results,
	}
}

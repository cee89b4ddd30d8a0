package handler

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/payflowhq/payflow/infra/response"
	"github.com/payflowhq/payflow/provider"
)

// HealthHandler answers liveness probes with dependency status
type HealthHandler struct {
	db       *sql.DB
	registry *provider.Registry
	started  time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db *sql.DB, registry *provider.Registry) *HealthHandler {
	return &HealthHandler{
		db:       db,
		registry: registry,
		started:  time.Now().UTC(),
	}
}

// Health reports service and database health plus the registered providers
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := true
	if err := h.db.PingContext(ctx); err != nil {
		dbOK = false
	}

	status := http.StatusOK
	state := "ok"
	if !dbOK {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}

	_ = response.WriteJSON(w, status, response.Response{
		Code:    status,
		Success: dbOK,
		Message: "Service health",
		Data: map[string]any{
			"status":    state,
			"database":  dbOK,
			"providers": h.registry.Names(),
			"uptime":    time.Since(h.started).Round(time.Second).String(),
			"timestamp": time.Now().UTC(),
		},
	})
}

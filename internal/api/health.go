package api

import (
	"context"
	"net/http"
	"time"
)

// HealthResponse is the body of the /health endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Qdrant    string `json:"qdrant"`
	Timestamp string `json:"timestamp"`
}

// HealthChecker reports vector store reachability.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// NewHealthHandler returns 200 when Qdrant answers within three seconds and 503 otherwise.
func NewHealthHandler(store HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp := HealthResponse{Timestamp: time.Now().UTC().Format(time.RFC3339)}
		if err := store.Health(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Qdrant = "disconnected"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Status = "healthy"
		resp.Qdrant = "connected"
		writeJSON(w, http.StatusOK, resp)
	}
}

package predict

import (
	"context"
	"os"
	"time"

	"github.com/terrapredict/terrapredict/internal/jobs"
)

// HealthChecker reports whether predictions can run.
type HealthChecker struct {
	storageRoot string
	store       jobs.Store
	version     string
	startTime   time.Time
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker(storageRoot string, store jobs.Store, version string) *HealthChecker {
	return &HealthChecker{
		storageRoot: storageRoot,
		store:       store,
		version:     version,
		startTime:   time.Now(),
	}
}

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status     string               `json:"status"` // healthy, degraded, unhealthy
	Timestamp  time.Time            `json:"timestamp"`
	Version    string               `json:"version,omitempty"`
	Uptime     string               `json:"uptime,omitempty"`
	Components map[string]Component `json:"components"`
}

// Component represents a component's health.
type Component struct {
	Status  string `json:"status"` // healthy, degraded, unhealthy
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms,omitempty"`
}

// Check performs a full health check.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		Components: make(map[string]Component),
	}

	storage := h.checkStorage()
	status.Components["model_storage"] = storage
	if storage.Status != "healthy" {
		status.Status = "unhealthy"
	}

	// Job history is optional; losing it only degrades the service.
	history := h.checkJobs(ctx)
	status.Components["jobs"] = history
	if history.Status != "healthy" && status.Status == "healthy" {
		status.Status = "degraded"
	}

	return status
}

func (h *HealthChecker) checkStorage() Component {
	info, err := os.Stat(h.storageRoot)
	if err != nil {
		return Component{Status: "unhealthy", Message: err.Error()}
	}
	if !info.IsDir() {
		return Component{Status: "unhealthy", Message: h.storageRoot + " is not a directory"}
	}
	return Component{Status: "healthy"}
}

func (h *HealthChecker) checkJobs(ctx context.Context) Component {
	if h.store == nil {
		return Component{Status: "degraded", Message: "job history not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if _, err := h.store.List(ctx, 1); err != nil {
		return Component{
			Status:  "degraded",
			Message: err.Error(),
			Latency: time.Since(start).Milliseconds(),
		}
	}
	return Component{
		Status:  "healthy",
		Latency: time.Since(start).Milliseconds(),
	}
}

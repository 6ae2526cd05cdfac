package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"icarus/pkg/logger"
)

// BookStatus is the subset of the book's state the probes need.
type BookStatus interface {
	Faulted() bool
}

// SettingsStatus reports whether the operator wants auto-trading on.
type SettingsStatus interface {
	Enabled() bool
}

// PriceProbe verifies the quote upstream can produce a price.
type PriceProbe func(ctx context.Context) error

// Handler provides health check endpoints
type Handler struct {
	log         *logger.Logger
	book        BookStatus
	settings    SettingsStatus
	priceProbe  PriceProbe
	startTime   time.Time
	serviceName string
	version     string
}

// New creates a new health check handler
func New(
	log *logger.Logger,
	book BookStatus,
	settings SettingsStatus,
	priceProbe PriceProbe,
	serviceName string,
	version string,
) *Handler {
	return &Handler{
		log:         log,
		book:        book,
		settings:    settings,
		priceProbe:  priceProbe,
		startTime:   time.Now(),
		serviceName: serviceName,
		version:     version,
	}
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                     `json:"status"` // "healthy", "degraded", "unhealthy"
	Service   string                     `json:"service"`
	Version   string                     `json:"version"`
	Uptime    string                     `json:"uptime"`
	Timestamp string                     `json:"timestamp"`
	Checks    map[string]ComponentHealth `json:"checks"`

	// AutoTradingFaulted is the dashboard banner condition: the
	// operator enabled trading but a persistence fault froze the book.
	AutoTradingFaulted bool `json:"auto_trading_faulted"`
}

// ComponentHealth represents health of a single component
type ComponentHealth struct {
	Status       string `json:"status"`
	ResponseTime string `json:"response_time,omitempty"`
	Error        string `json:"error,omitempty"`
}

// HandleLiveness returns 200 OK if service is running
// Used by Kubernetes liveness probe
func (h *Handler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "alive",
	})
}

// HandleReadiness checks if service is ready to accept traffic
// Used by Kubernetes readiness probe
func (h *Handler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.check(ctx)

	statusCode := http.StatusOK
	if status.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
		h.log.Warn("Readiness check failed", "checks", status.Checks)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(status)
}

// HandleHealth is the detailed health report for the dashboard.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.check(ctx)

	statusCode := http.StatusOK
	if status.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(status)
}

func (h *Handler) check(ctx context.Context) HealthStatus {
	checks := make(map[string]ComponentHealth)

	// Book: unhealthy only when a persistence fault froze it.
	bookHealth := ComponentHealth{Status: "healthy"}
	faulted := h.book.Faulted()
	if faulted {
		bookHealth.Status = "unhealthy"
		bookHealth.Error = "persistence fault, trading frozen until re-enabled"
	}
	checks["book"] = bookHealth

	// Price upstream: degraded is tolerable, the feed serves its cache.
	priceHealth := ComponentHealth{Status: "healthy"}
	if h.priceProbe != nil {
		start := time.Now()
		if err := h.priceProbe(ctx); err != nil {
			priceHealth.Status = "degraded"
			priceHealth.Error = err.Error()
		}
		priceHealth.ResponseTime = time.Since(start).String()
	}
	checks["price_feed"] = priceHealth

	overall := "healthy"
	if priceHealth.Status == "degraded" {
		overall = "degraded"
	}
	if bookHealth.Status == "unhealthy" {
		overall = "unhealthy"
	}

	return HealthStatus{
		Status:             overall,
		Service:            h.serviceName,
		Version:            h.version,
		Uptime:             time.Since(h.startTime).String(),
		Timestamp:          time.Now().Format(time.RFC3339),
		Checks:             checks,
		AutoTradingFaulted: h.settings.Enabled() && faulted,
	}
}

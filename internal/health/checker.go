// Package health aggregates the self-reported health of the state engine's
// components: index cache storage, artefact store and installation database.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/freewebtopdf/toolvm/internal/domain"
)

// Component names used by the CLI and HTTP health endpoints
const (
	ComponentIndex     = "index"
	ComponentArtefacts = "artefacts"
	ComponentDatabase  = "database"
)

type component struct {
	name     string
	reporter domain.HealthReporter
}

// SystemHealthChecker implements domain.HealthChecker over a fixed set of reporters
type SystemHealthChecker struct {
	components []component

	timeout   time.Duration
	startTime time.Time
	now       func() time.Time

	// Cached result so frequent probes stay cheap
	lastCheck   time.Time
	lastHealth  domain.SystemHealth
	cacheTTL    time.Duration
	healthMutex sync.Mutex
}

// Option configures a SystemHealthChecker
type Option func(*SystemHealthChecker)

// WithComponent registers a reporter under name. Components are checked in
// registration order.
func WithComponent(name string, reporter domain.HealthReporter) Option {
	return func(h *SystemHealthChecker) {
		if reporter != nil {
			h.components = append(h.components, component{name: name, reporter: reporter})
		}
	}
}

// WithCacheTTL sets how long a full check result is reused
func WithCacheTTL(ttl time.Duration) Option {
	return func(h *SystemHealthChecker) {
		h.cacheTTL = ttl
	}
}

// WithClock replaces the clock
func WithClock(now func() time.Time) Option {
	return func(h *SystemHealthChecker) {
		h.now = now
	}
}

// NewSystemHealthChecker creates a new system health checker
func NewSystemHealthChecker(opts ...Option) *SystemHealthChecker {
	h := &SystemHealthChecker{
		timeout:  5 * time.Second,
		cacheTTL: 30 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.startTime = h.now()
	return h
}

// CheckHealth checks every component and aggregates the worst status
func (h *SystemHealthChecker) CheckHealth(ctx context.Context) domain.SystemHealth {
	h.healthMutex.Lock()
	defer h.healthMutex.Unlock()

	now := h.now()
	if !h.lastCheck.IsZero() && now.Sub(h.lastCheck) < h.cacheTTL {
		return h.lastHealth
	}

	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	components := make(map[string]domain.HealthStatus, len(h.components))
	overallStatus := domain.HealthStatusHealthy

	for _, c := range h.components {
		status := c.reporter.HealthCheck(checkCtx)
		components[c.name] = status
		overallStatus = aggregateStatus(overallStatus, status.Status)
	}

	systemHealth := domain.SystemHealth{
		Status:     overallStatus,
		Timestamp:  now,
		Components: components,
		Uptime:     now.Sub(h.startTime),
	}

	h.lastCheck = now
	h.lastHealth = systemHealth
	return systemHealth
}

// CheckComponent performs a health check on a specific component
func (h *SystemHealthChecker) CheckComponent(ctx context.Context, name string) domain.HealthStatus {
	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	for _, c := range h.components {
		if c.name == name {
			return c.reporter.HealthCheck(checkCtx)
		}
	}

	return domain.HealthStatus{
		Status:    domain.HealthStatusUnhealthy,
		Message:   "Unknown component",
		Timestamp: h.now(),
		Details: map[string]any{
			"component": name,
			"error":     "Component not found",
		},
	}
}

// IsHealthy returns true if the system is healthy
func (h *SystemHealthChecker) IsHealthy(ctx context.Context) bool {
	return h.CheckHealth(ctx).Status == domain.HealthStatusHealthy
}

// aggregateStatus keeps the worse of two statuses: unhealthy > degraded > healthy.
// Unknown statuses count as unhealthy.
func aggregateStatus(current, componentStatus string) string {
	statusPriority := map[string]int{
		domain.HealthStatusHealthy:   0,
		domain.HealthStatusDegraded:  1,
		domain.HealthStatusUnhealthy: 2,
	}

	componentPriority, ok := statusPriority[componentStatus]
	if !ok {
		componentStatus, componentPriority = domain.HealthStatusUnhealthy, 2
	}
	if componentPriority > statusPriority[current] {
		return componentStatus
	}
	return current
}

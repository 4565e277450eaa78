package domain

import (
	"context"
	"time"
)

// RepositorySource supplies package series for one origin
type RepositorySource interface {
	// Name is the stable source identifier used for enable/disable flags
	Name() string
	// CreateRepository returns the current repository, or nil when the source
	// has nothing to offer (for example an absent local directory)
	CreateRepository(ctx context.Context) (Repository, error)
	// Refresh invalidates and regenerates any upstream cache the source keeps
	Refresh(ctx context.Context) error
}

// Repository is a snapshot of the series one source offers
type Repository interface {
	EnumerateSeries(ctx context.Context) ([]PackageSeries, error)
	// ExpectedSeriesCount is a capacity hint, not a correctness guarantee
	ExpectedSeriesCount() int
}

// PackageSeries gives access to the versions of one package id
type PackageSeries interface {
	Name() string
	Latest(ctx context.Context) (*CachedPackageInfo, error)
	All(ctx context.Context) ([]*CachedPackageInfo, error)
}

// SourceManager enumerates enabled repository sources in a stable order
type SourceManager interface {
	Sources() []RepositorySource
}

// InstallHook observes the install lifecycle. Returned errors are recorded,
// never fatal to the install.
type InstallHook interface {
	BeforeExpand(ctx context.Context, meta PackageMeta, artefactPath, installPath string) error
	BeforeConfigure(ctx context.Context, meta PackageMeta, installPath string) error
	AfterInstall(ctx context.Context, info *InstalledPackageInfo) error
}

// HealthStatus represents the health status of a component
type HealthStatus struct {
	Status    string         `json:"status"` // "healthy", "unhealthy", "degraded"
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Health status constants
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusUnhealthy = "unhealthy"
	HealthStatusDegraded  = "degraded"
)

// SystemHealth represents overall system health
type SystemHealth struct {
	Status     string                  `json:"status"`
	Timestamp  time.Time               `json:"timestamp"`
	Components map[string]HealthStatus `json:"components"`
	Uptime     time.Duration           `json:"uptime"`
}

// HealthChecker defines the interface for system health monitoring
type HealthChecker interface {
	CheckHealth(ctx context.Context) SystemHealth
	CheckComponent(ctx context.Context, component string) HealthStatus
}

// HealthReporter is implemented by components that can report their own health
type HealthReporter interface {
	HealthCheck(ctx context.Context) HealthStatus
}

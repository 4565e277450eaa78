package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/freewebtopdf/toolvm/internal/domain"
	"github.com/freewebtopdf/toolvm/internal/index"
	"github.com/freewebtopdf/toolvm/internal/localdb"
	"github.com/freewebtopdf/toolvm/internal/version"
)

// Catalog supplies the current package index
type Catalog interface {
	Index(ctx context.Context) (*index.Index, error)
}

// CatalogFunc adapts a function to Catalog
type CatalogFunc func(ctx context.Context) (*index.Index, error)

// Index implements Catalog
func (f CatalogFunc) Index(ctx context.Context) (*index.Index, error) {
	return f(ctx)
}

// Installed supplies a read handle over the installation database
type Installed interface {
	Installed(ctx context.Context) (localdb.ReadHandle, error)
}

// InstalledFunc adapts a function to Installed
type InstalledFunc func(ctx context.Context) (localdb.ReadHandle, error)

// Installed implements Installed
func (f InstalledFunc) Installed(ctx context.Context) (localdb.ReadHandle, error) {
	return f(ctx)
}

// Handlers contains the HTTP handlers of the catalog API
type Handlers struct {
	catalog       Catalog
	installed     Installed
	healthChecker domain.HealthChecker
}

// NewHandlers creates a new instance of API handlers
func NewHandlers(catalog Catalog, installed Installed, healthChecker domain.HealthChecker) *Handlers {
	return &Handlers{
		catalog:       catalog,
		installed:     installed,
		healthChecker: healthChecker,
	}
}

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Status    string `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// SuccessResponse represents the standard success response format
type SuccessResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

// PackageSummary is one entry of the package listing
type PackageSummary struct {
	ID       string   `json:"id"`
	Latest   string   `json:"latest,omitempty"`
	Versions []string `json:"versions"`
}

// SeriesResponse lists every indexed version of one id, newest first
type SeriesResponse struct {
	ID       string                      `json:"id"`
	Versions []*domain.CachedPackageInfo `json:"versions"`
}

func success(c *fiber.Ctx, data any) error {
	return c.Status(fiber.StatusOK).JSON(SuccessResponse{Status: "success", Data: data})
}

// ListPackagesHandler handles GET /v1/packages
func (h *Handlers) ListPackagesHandler(c *fiber.Ctx) error {
	idx, err := h.catalog.Index(c.UserContext())
	if err != nil {
		return h.sendError(c, err)
	}

	packages := make([]PackageSummary, 0, idx.Len())
	for _, id := range idx.IDs() {
		series, _ := idx.Series(id)
		summary := PackageSummary{ID: id, Versions: sortedKeys(series)}
		if latest, err := index.LatestInfo(series, false); err == nil {
			summary.Latest = latest.Meta.Version.String()
		}
		packages = append(packages, summary)
	}

	return success(c, map[string]any{
		"packages": packages,
		"count":    len(packages),
	})
}

// GetSeriesHandler handles GET /v1/packages/:id
func (h *Handlers) GetSeriesHandler(c *fiber.Ctx) error {
	id := c.Params("id")
	idx, err := h.catalog.Index(c.UserContext())
	if err != nil {
		return h.sendError(c, err)
	}

	series, ok := idx.Series(id)
	if !ok {
		return h.sendError(c, domain.NewSeriesNotFoundError(id))
	}

	response := SeriesResponse{ID: id}
	for _, key := range sortedKeys(series) {
		response.Versions = append(response.Versions, series.Versions[key])
	}
	return success(c, response)
}

// GetLatestHandler handles GET /v1/packages/:id/latest
func (h *Handlers) GetLatestHandler(c *fiber.Ctx) error {
	id := c.Params("id")
	includePrerelease, err := strconv.ParseBool(c.Query("prerelease", "false"))
	if err != nil {
		return h.sendError(c, domain.NewAppErrorWithCause(domain.ErrInvalidInput,
			"prerelease must be a boolean", err, map[string]any{"prerelease": c.Query("prerelease")}))
	}

	idx, err := h.catalog.Index(c.UserContext())
	if err != nil {
		return h.sendError(c, err)
	}

	info, err := idx.GetLatest(id, includePrerelease)
	if err != nil {
		return h.sendError(c, err)
	}
	return success(c, info)
}

// GetVersionHandler handles GET /v1/packages/:id/:version
func (h *Handlers) GetVersionHandler(c *fiber.Ctx) error {
	id := c.Params("id")
	v, err := version.Parse(c.Params("version"))
	if err != nil {
		return h.sendError(c, domain.NewAppErrorWithCause(domain.ErrInvalidInput,
			"Invalid version", err, map[string]any{"version": c.Params("version")}))
	}

	idx, err := h.catalog.Index(c.UserContext())
	if err != nil {
		return h.sendError(c, err)
	}

	info, err := idx.GetPackageInfo(domain.PackageKey{ID: id, Version: v})
	if err != nil {
		return h.sendError(c, err)
	}
	return success(c, info)
}

// ListInstalledHandler handles GET /v1/installed
func (h *Handlers) ListInstalledHandler(c *fiber.Ctx) error {
	handle, err := h.installed.Installed(c.UserContext())
	if err != nil {
		return h.sendError(c, err)
	}

	records := make([]*domain.InstalledPackageInfo, 0, handle.Count())
	for _, key := range handle.Keys() {
		if record, ok := handle.Get(key); ok {
			records = append(records, record)
		}
	}

	return success(c, map[string]any{
		"installed": records,
		"count":     len(records),
	})
}

// HealthHandler handles GET /health
func (h *Handlers) HealthHandler(c *fiber.Ctx) error {
	health := h.healthChecker.CheckHealth(c.UserContext())

	status := fiber.StatusOK
	if health.Status != domain.HealthStatusHealthy {
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(map[string]any{
		"status":     health.Status,
		"timestamp":  health.Timestamp.Format(time.RFC3339),
		"components": health.Components,
		"uptime":     health.Uptime.String(),
	})
}

// sendError maps err onto the standard error response: 404 for every
// not-found code, 422 for known failures, 400 for bad input, 500 otherwise
func (h *Handlers) sendError(c *fiber.Ctx, err error) error {
	var appErr *domain.AppError
	if errors.As(err, &appErr) {
		copied := *appErr
		appErr = &copied
	} else {
		appErr = domain.NewAppErrorWithCause(domain.ErrInternal, "Internal server error", err, nil)
	}
	ctx := c.UserContext()
	if rid, ok := c.Locals("requestid").(string); ok {
		ctx = domain.ContextWithRequestID(ctx, rid)
	}
	appErr.WithContext(ctx, c.Method()+" "+c.Route().Path)

	status := fiber.StatusInternalServerError
	switch {
	case domain.IsNotFound(appErr) || appErr.Code == domain.ErrNoLatest:
		status = fiber.StatusNotFound
	case appErr.Known:
		status = fiber.StatusUnprocessableEntity
	case appErr.Code == domain.ErrInvalidInput:
		status = fiber.StatusBadRequest
	}

	if status == fiber.StatusInternalServerError {
		log.Error().Err(err).
			Str("request_id", appErr.RequestID).
			Str("operation", appErr.Operation).
			Str("path", c.Path()).
			Msg("Request failed")
	}

	return c.Status(status).JSON(ErrorResponse{
		Status:    "error",
		Code:      appErr.Code,
		Message:   appErr.Message,
		Details:   appErr.Details,
		RequestID: appErr.RequestID,
	})
}

// sortedKeys returns the series' version keys newest first
func sortedKeys(series *domain.CachedPackageSeriesInfo) []string {
	versions := make([]version.Version, 0, len(series.Versions))
	for key := range series.Versions {
		if v, err := version.Parse(key); err == nil {
			versions = append(versions, v)
		}
	}
	version.SortDescending(versions)

	keys := make([]string, len(versions))
	for i, v := range versions {
		keys[i] = v.String()
	}
	return keys
}

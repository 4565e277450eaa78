package source

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/freewebtopdf/toolvm/internal/domain"
)

// Manager keeps the registered sources in registration order
type Manager struct {
	mu       sync.RWMutex
	sources  []domain.RepositorySource
	disabled map[string]bool
}

// NewManager creates a Manager. Sources named in disabled are registered but
// never returned by Sources.
func NewManager(disabled ...string) *Manager {
	m := &Manager{disabled: make(map[string]bool, len(disabled))}
	for _, name := range disabled {
		m.disabled[name] = true
	}
	return m
}

// Register adds a source. Names must be unique.
func (m *Manager) Register(src domain.RepositorySource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.sources {
		if existing.Name() == src.Name() {
			return fmt.Errorf("repository source %q already registered", src.Name())
		}
	}
	m.sources = append(m.sources, src)
	return nil
}

// Sources implements domain.SourceManager
func (m *Manager) Sources() []domain.RepositorySource {
	m.mu.RLock()
	defer m.mu.RUnlock()

	enabled := make([]domain.RepositorySource, 0, len(m.sources))
	for _, src := range m.sources {
		if !m.disabled[src.Name()] {
			enabled = append(enabled, src)
		}
	}
	return enabled
}

// SetEnabled toggles a source by name
func (m *Manager) SetEnabled(name string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if enabled {
		delete(m.disabled, name)
	} else {
		m.disabled[name] = true
	}
}

// Refresh refreshes every enabled source, continuing past failures
func (m *Manager) Refresh(ctx context.Context) error {
	var errs []error
	for _, src := range m.Sources() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := src.Refresh(ctx); err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", src.Name(), err))
		}
	}
	return errors.Join(errs...)
}

package install

import (
	"context"
	"fmt"

	"github.com/freewebtopdf/toolvm/internal/domain"
	"github.com/freewebtopdf/toolvm/internal/localdb"
	"github.com/freewebtopdf/toolvm/internal/version"
)

// DependencyChecker compares a package's declared dependencies and conflicts
// against the installation database
type DependencyChecker struct {
	installed localdb.ReadHandle
}

// NewDependencyChecker creates a new DependencyChecker
func NewDependencyChecker(installed localdb.ReadHandle) *DependencyChecker {
	return &DependencyChecker{installed: installed}
}

// DependencyStatus represents the status of a dependency check
type DependencyStatus struct {
	ID               string `json:"id"`
	Constraint       string `json:"constraint,omitempty"`
	InstalledVersion string `json:"installed_version,omitempty"`
	Satisfied        bool   `json:"satisfied"`
	Missing          bool   `json:"missing"`
	Message          string `json:"message,omitempty"`
}

// DependencyCheckResult contains the results of checking all dependencies
type DependencyCheckResult struct {
	AllSatisfied bool               `json:"all_satisfied"`
	Dependencies []DependencyStatus `json:"dependencies"`
	Conflicts    []DependencyStatus `json:"conflicts,omitempty"`
	Warnings     []string           `json:"warnings,omitempty"`
}

// CheckDependencies reports unmet dependencies and installed conflicts as
// warnings. It never blocks an install.
func (c *DependencyChecker) CheckDependencies(ctx context.Context, meta domain.PackageMeta) (*DependencyCheckResult, error) {
	result := &DependencyCheckResult{
		AllSatisfied: true,
		Dependencies: make([]DependencyStatus, 0, len(meta.Dependencies)),
	}

	for _, dep := range meta.Dependencies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		status := c.checkSingleDependency(dep)
		result.Dependencies = append(result.Dependencies, status)

		if !status.Satisfied {
			result.AllSatisfied = false
			if status.Missing {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("Missing dependency: %s (requires %s)", dep.ID, constraintText(dep.Constraint)))
			} else {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("Version mismatch for %s: %s", dep.ID, status.Message))
			}
		}
	}

	for _, conflict := range meta.Conflicts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// A conflict "holds" when an installed version matches its constraint
		status := c.checkSingleDependency(conflict)
		if status.Missing || !status.Satisfied {
			continue
		}
		result.AllSatisfied = false
		result.Conflicts = append(result.Conflicts, status)
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Conflicting package installed: %s %s", conflict.ID, status.InstalledVersion))
	}

	return result, nil
}

// checkSingleDependency picks the newest installed version of dep.ID that
// satisfies the constraint
func (c *DependencyChecker) checkSingleDependency(dep domain.Dependency) DependencyStatus {
	status := DependencyStatus{
		ID:         dep.ID,
		Constraint: dep.Constraint,
	}

	entries := c.installed.Entries(dep.ID)
	if len(entries) == 0 {
		status.Missing = true
		status.Message = "Package is not installed"
		return status
	}

	status.InstalledVersion = entries[0].Meta.Version.String()
	for _, entry := range entries {
		ok, err := version.Satisfies(entry.Meta.Version, dep.Constraint)
		if err != nil {
			status.Message = fmt.Sprintf("Failed to check version constraint: %v", err)
			return status
		}
		if ok {
			status.InstalledVersion = entry.Meta.Version.String()
			status.Satisfied = true
			status.Message = "Dependency satisfied"
			return status
		}
	}

	status.Message = fmt.Sprintf("installed %s does not satisfy %s", status.InstalledVersion, dep.Constraint)
	return status
}

// GetMissingDependencies returns the dependencies with no installed version
func (c *DependencyChecker) GetMissingDependencies(ctx context.Context, meta domain.PackageMeta) ([]domain.Dependency, error) {
	result, err := c.CheckDependencies(ctx, meta)
	if err != nil {
		return nil, err
	}

	var missing []domain.Dependency
	for i, status := range result.Dependencies {
		if status.Missing {
			missing = append(missing, meta.Dependencies[i])
		}
	}
	return missing, nil
}

func constraintText(c string) string {
	if c == "" {
		return "any version"
	}
	return c
}

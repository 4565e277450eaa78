package domain

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	metaValidator     *validator.Validate
	metaValidatorOnce sync.Once
)

func structValidator() *validator.Validate {
	metaValidatorOnce.Do(func() {
		metaValidator = validator.New(validator.WithRequiredStructEnabled())
	})
	return metaValidator
}

// ValidatePackageInfo checks the structural requirements of an indexed package
// before it enters a catalog
func ValidatePackageInfo(info *CachedPackageInfo) error {
	if info == nil {
		return NewAppError(ErrInvalidInput, "Package info cannot be nil", nil)
	}
	if err := structValidator().Struct(info); err != nil {
		return NewAppErrorWithCause(
			ErrInvalidInput,
			"Invalid package metadata",
			formatValidationError(err),
			map[string]any{"id": info.Meta.ID, "version": info.Meta.Version.String()},
		)
	}
	if info.BestMirror != "" {
		found := false
		for _, mirror := range info.Mirrors {
			if mirror.Name == info.BestMirror {
				found = true
				break
			}
		}
		if !found {
			return NewAppError(
				ErrInvalidInput,
				"Best mirror is not one of the package mirrors",
				map[string]any{"id": info.Meta.ID, "best_mirror": info.BestMirror},
			)
		}
	}
	return nil
}

// formatValidationError formats validation errors into readable messages
func formatValidationError(err error) error {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		switch e.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", e.Namespace()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation: %s", e.Namespace(), e.Tag()))
		}
	}
	return fmt.Errorf("validation errors: %s", strings.Join(messages, "; "))
}

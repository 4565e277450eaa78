package install

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/freewebtopdf/toolvm/internal/domain"
)

// BinaryNameKey is the custom data key naming the installed executable
const BinaryNameKey = "binary_name"

// BinaryInstaller places a single executable artefact under bin/
type BinaryInstaller struct{}

// Expand implements Installer
func (BinaryInstaller) Expand(ctx context.Context, meta domain.PackageMeta, artefactPath, installPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name := meta.CustomData[BinaryNameKey]
	if name == "" {
		name = meta.ID
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid %s %q", BinaryNameKey, name)
	}

	binDir := filepath.Join(installPath, "bin")
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return fmt.Errorf("failed to create bin directory: %w", err)
	}

	src, err := os.Open(artefactPath)
	if err != nil {
		return fmt.Errorf("failed to open artefact: %w", err)
	}
	defer src.Close()

	return writeFile(filepath.Join(binDir, name), src, 0755)
}

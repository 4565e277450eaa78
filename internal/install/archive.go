package install

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"github.com/ulikunitz/xz"

	"github.com/freewebtopdf/toolvm/internal/domain"
)

// StripComponentsKey is the custom data key holding the number of leading
// path elements dropped from archive entries
const StripComponentsKey = "strip_components"

// Format is a detected archive container
type Format string

// Supported archive formats
const (
	FormatZip     Format = "zip"
	FormatTar     Format = "tar"
	FormatTarGzip Format = "tar.gz"
	FormatTarXz   Format = "tar.xz"
	FormatTarZstd Format = "tar.zst"
)

var (
	magicZip  = []byte{0x50, 0x4b, 0x03, 0x04}
	magicGzip = []byte{0x1f, 0x8b}
	magicXz   = []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// DetectFormat sniffs the archive format from the leading bytes
func DetectFormat(header []byte) (Format, error) {
	switch {
	case bytes.HasPrefix(header, magicZip):
		return FormatZip, nil
	case bytes.HasPrefix(header, magicGzip):
		return FormatTarGzip, nil
	case bytes.HasPrefix(header, magicXz):
		return FormatTarXz, nil
	case bytes.HasPrefix(header, magicZstd):
		return FormatTarZstd, nil
	case len(header) >= 262 && string(header[257:262]) == "ustar":
		return FormatTar, nil
	}
	return "", fmt.Errorf("unrecognised archive format")
}

// ArchiveInstaller unpacks zip and tar archives into the install directory
type ArchiveInstaller struct{}

// Expand implements Installer
func (ArchiveInstaller) Expand(ctx context.Context, meta domain.PackageMeta, artefactPath, installPath string) error {
	strip, err := stripComponents(meta)
	if err != nil {
		return err
	}

	file, err := os.Open(artefactPath)
	if err != nil {
		return fmt.Errorf("failed to open artefact: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReaderSize(file, 512)
	header, err := reader.Peek(512)
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read artefact header: %w", err)
	}

	format, err := DetectFormat(header)
	if err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(artefactPath), err)
	}

	log.Debug().
		Str("package", meta.Key().String()).
		Str("format", string(format)).
		Str("target", installPath).
		Msg("Expanding archive")

	if format == FormatZip {
		return extractZip(ctx, artefactPath, installPath, strip)
	}

	var stream io.Reader = reader
	switch format {
	case FormatTarGzip:
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		stream = gz
	case FormatTarXz:
		xzReader, err := xz.NewReader(reader)
		if err != nil {
			return fmt.Errorf("failed to open xz stream: %w", err)
		}
		stream = xzReader
	case FormatTarZstd:
		decoder, err := zstd.NewReader(reader)
		if err != nil {
			return fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer decoder.Close()
		stream = decoder
	}

	return extractTar(ctx, stream, installPath, strip)
}

func stripComponents(meta domain.PackageMeta) (int, error) {
	raw, ok := meta.CustomData[StripComponentsKey]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", StripComponentsKey, raw)
	}
	return n, nil
}

// entryTarget maps an archive entry name to its destination, or "" when the
// entry is consumed by stripping
func entryTarget(targetDir, name string, strip int) (string, error) {
	name = strings.TrimLeft(filepath.ToSlash(name), "/")
	parts := strings.Split(name, "/")
	if len(parts) <= strip {
		return "", nil
	}
	rel := filepath.FromSlash(strings.Join(parts[strip:], "/"))
	if rel == "" || rel == "." {
		return "", nil
	}

	target := filepath.Join(targetDir, rel)
	if !isSubPath(targetDir, target) {
		return "", fmt.Errorf("invalid file path in archive: %s", name)
	}
	return target, nil
}

func extractZip(ctx context.Context, archivePath, targetDir string, strip int) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := extractZipFile(file, targetDir, strip); err != nil {
			return err
		}
	}
	return nil
}

func extractZipFile(file *zip.File, targetDir string, strip int) error {
	target, err := entryTarget(targetDir, file.Name, strip)
	if err != nil || target == "" {
		return err
	}

	if file.FileInfo().IsDir() {
		return os.MkdirAll(target, 0755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	return writeFile(target, src, file.Mode().Perm())
}

func extractTar(ctx context.Context, r io.Reader, targetDir string, strip int) error {
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		target, err := entryTarget(targetDir, hdr.Name, strip)
		if err != nil {
			return err
		}
		if target == "" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := writeFile(target, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := extractSymlink(targetDir, target, hdr.Linkname); err != nil {
				return err
			}
		default:
			log.Debug().Str("entry", hdr.Name).Int("type", int(hdr.Typeflag)).Msg("Skipping unsupported tar entry")
		}
	}
}

// extractSymlink refuses links that resolve outside the install directory
func extractSymlink(targetDir, target, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("absolute symlink in archive: %s -> %s", target, linkname)
	}
	resolved := filepath.Join(filepath.Dir(target), linkname)
	if !isSubPath(targetDir, resolved) {
		return fmt.Errorf("symlink escapes install directory: %s -> %s", target, linkname)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	_ = os.Remove(target)
	return os.Symlink(linkname, target)
}

func writeFile(target string, src io.Reader, mode os.FileMode) error {
	if mode == 0 {
		mode = 0644
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// isSubPath checks if child is a subdirectory of parent
func isSubPath(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return !filepath.IsAbs(rel) && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

package install

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/freewebtopdf/toolvm/internal/domain"
	"github.com/freewebtopdf/toolvm/internal/version"
)

type entry struct {
	name     string
	body     string
	dir      bool
	linkname string
}

var toolEntries = []entry{
	{name: "tool-1.0/", dir: true},
	{name: "tool-1.0/bin/", dir: true},
	{name: "tool-1.0/bin/tool", body: "#!/bin/sh\necho tool\n"},
	{name: "tool-1.0/README", body: "readme"},
}

func tarBytes(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		switch {
		case e.dir:
			hdr.Typeflag, hdr.Mode, hdr.Size = tar.TypeDir, 0755, 0
		case e.linkname != "":
			hdr.Typeflag, hdr.Linkname, hdr.Size = tar.TypeSymlink, e.linkname, 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func zipBytes(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		if !e.dir {
			_, err = w.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func compress(t *testing.T, format Format, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch format {
	case FormatTar:
		return raw
	case FormatTarGzip:
		w = gzip.NewWriter(&buf)
	case FormatTarXz:
		w, err = xz.NewWriter(&buf)
	case FormatTarZstd:
		w, err = zstd.NewWriter(&buf)
	}
	require.NoError(t, err)
	_, err = w.Write(raw)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artefact")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func archiveMeta(strip string) domain.PackageMeta {
	meta := domain.PackageMeta{
		ID:      "tool",
		Version: version.MustParse("1.0.0"),
		Plugins: domain.PluginInfo{Installer: InstallerArchive},
	}
	if strip != "" {
		meta.CustomData = map[string]string{StripComponentsKey: strip}
	}
	return meta
}

func TestDetectFormat(t *testing.T) {
	tarData := tarBytes(t, toolEntries)

	tests := []struct {
		name    string
		header  []byte
		want    Format
		wantErr bool
	}{
		{"zip", zipBytes(t, toolEntries), FormatZip, false},
		{"tar", tarData, FormatTar, false},
		{"gzip", compress(t, FormatTarGzip, tarData), FormatTarGzip, false},
		{"xz", compress(t, FormatTarXz, tarData), FormatTarXz, false},
		{"zstd", compress(t, FormatTarZstd, tarData), FormatTarZstd, false},
		{"unknown", []byte("plain text file"), "", true},
		{"empty", nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFormat(tt.header)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestArchiveInstaller_Formats(t *testing.T) {
	tarData := tarBytes(t, toolEntries)
	payloads := map[Format][]byte{
		FormatZip:     zipBytes(t, toolEntries),
		FormatTar:     tarData,
		FormatTarGzip: compress(t, FormatTarGzip, tarData),
		FormatTarXz:   compress(t, FormatTarXz, tarData),
		FormatTarZstd: compress(t, FormatTarZstd, tarData),
	}

	for format, payload := range payloads {
		t.Run(string(format), func(t *testing.T) {
			target := t.TempDir()
			err := ArchiveInstaller{}.Expand(context.Background(), archiveMeta("1"), writeTemp(t, payload), target)
			require.NoError(t, err)

			data, err := os.ReadFile(filepath.Join(target, "bin", "tool"))
			require.NoError(t, err)
			assert.Equal(t, "#!/bin/sh\necho tool\n", string(data))
			assert.FileExists(t, filepath.Join(target, "README"))
			assert.NoDirExists(t, filepath.Join(target, "tool-1.0"))
		})
	}
}

func TestArchiveInstaller_NoStrip(t *testing.T) {
	target := t.TempDir()
	payload := compress(t, FormatTarGzip, tarBytes(t, toolEntries))

	require.NoError(t, ArchiveInstaller{}.Expand(context.Background(), archiveMeta(""), writeTemp(t, payload), target))
	assert.FileExists(t, filepath.Join(target, "tool-1.0", "bin", "tool"))
}

func TestArchiveInstaller_RejectsPathTraversal(t *testing.T) {
	evil := []entry{{name: "../evil", body: "x"}}

	t.Run("tar", func(t *testing.T) {
		parent := t.TempDir()
		target := filepath.Join(parent, "install")
		require.NoError(t, os.MkdirAll(target, 0755))

		err := ArchiveInstaller{}.Expand(context.Background(), archiveMeta(""), writeTemp(t, tarBytes(t, evil)), target)
		require.Error(t, err)
		assert.NoFileExists(t, filepath.Join(parent, "evil"))
	})

	t.Run("zip", func(t *testing.T) {
		parent := t.TempDir()
		target := filepath.Join(parent, "install")
		require.NoError(t, os.MkdirAll(target, 0755))

		err := ArchiveInstaller{}.Expand(context.Background(), archiveMeta(""), writeTemp(t, zipBytes(t, evil)), target)
		require.Error(t, err)
		assert.NoFileExists(t, filepath.Join(parent, "evil"))
	})

	t.Run("stripped prefix", func(t *testing.T) {
		target := t.TempDir()
		entries := []entry{{name: "tool-1.0/../../evil", body: "x"}}
		err := ArchiveInstaller{}.Expand(context.Background(), archiveMeta("1"), writeTemp(t, tarBytes(t, entries)), target)
		assert.Error(t, err)
	})
}

func TestArchiveInstaller_Symlinks(t *testing.T) {
	t.Run("inside", func(t *testing.T) {
		target := t.TempDir()
		entries := append([]entry{}, toolEntries...)
		entries = append(entries, entry{name: "tool-1.0/bin/tool-alias", linkname: "tool"})

		require.NoError(t, ArchiveInstaller{}.Expand(context.Background(), archiveMeta("1"), writeTemp(t, tarBytes(t, entries)), target))
		link, err := os.Readlink(filepath.Join(target, "bin", "tool-alias"))
		require.NoError(t, err)
		assert.Equal(t, "tool", link)
	})

	t.Run("escaping", func(t *testing.T) {
		target := t.TempDir()
		entries := []entry{{name: "bin/passwd", linkname: "../../../etc/passwd"}}
		err := ArchiveInstaller{}.Expand(context.Background(), archiveMeta(""), writeTemp(t, tarBytes(t, entries)), target)
		assert.Error(t, err)
	})

	t.Run("absolute", func(t *testing.T) {
		target := t.TempDir()
		entries := []entry{{name: "bin/passwd", linkname: "/etc/passwd"}}
		err := ArchiveInstaller{}.Expand(context.Background(), archiveMeta(""), writeTemp(t, tarBytes(t, entries)), target)
		assert.Error(t, err)
	})
}

func TestArchiveInstaller_InvalidInput(t *testing.T) {
	target := t.TempDir()
	payload := writeTemp(t, tarBytes(t, toolEntries))

	err := ArchiveInstaller{}.Expand(context.Background(), archiveMeta("-1"), payload, target)
	assert.Error(t, err)

	err = ArchiveInstaller{}.Expand(context.Background(), archiveMeta(""), writeTemp(t, []byte("not an archive")), target)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = ArchiveInstaller{}.Expand(ctx, archiveMeta(""), payload, target)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBinaryInstaller(t *testing.T) {
	target := t.TempDir()
	meta := domain.PackageMeta{ID: "jq", Version: version.MustParse("1.7.0"), Plugins: domain.PluginInfo{Installer: InstallerBinary}}

	require.NoError(t, BinaryInstaller{}.Expand(context.Background(), meta, writeTemp(t, []byte("ELF")), target))
	info, err := os.Stat(filepath.Join(target, "bin", "jq"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0111)

	meta.CustomData = map[string]string{BinaryNameKey: "jq-linux"}
	require.NoError(t, BinaryInstaller{}.Expand(context.Background(), meta, writeTemp(t, []byte("ELF")), target))
	assert.FileExists(t, filepath.Join(target, "bin", "jq-linux"))

	meta.CustomData = map[string]string{BinaryNameKey: "../jq"}
	assert.Error(t, BinaryInstaller{}.Expand(context.Background(), meta, writeTemp(t, []byte("ELF")), target))
}

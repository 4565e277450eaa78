package install

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/freewebtopdf/toolvm/internal/artefact"
	"github.com/freewebtopdf/toolvm/internal/checksum"
	"github.com/freewebtopdf/toolvm/internal/domain"
	"github.com/freewebtopdf/toolvm/internal/index"
	"github.com/freewebtopdf/toolvm/internal/localdb"
	"github.com/freewebtopdf/toolvm/internal/version"
)

type fakeFetcher struct {
	mu      sync.Mutex
	content map[string][]byte
	calls   map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{content: make(map[string][]byte), calls: make(map[string]int)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, uri string, dst io.Writer) (int64, error) {
	f.mu.Lock()
	f.calls[uri]++
	data, ok := f.content[uri]
	f.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("failed to download %s: HTTP 404", uri)
	}
	n, err := dst.Write(data)
	return int64(n), err
}

func (f *fakeFetcher) count(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[uri]
}

// MockHook is a mock implementation of domain.InstallHook
type MockHook struct {
	mock.Mock
}

func (m *MockHook) BeforeExpand(ctx context.Context, meta domain.PackageMeta, artefactPath, installPath string) error {
	return m.Called(ctx, meta, artefactPath, installPath).Error(0)
}

func (m *MockHook) BeforeConfigure(ctx context.Context, meta domain.PackageMeta, installPath string) error {
	return m.Called(ctx, meta, installPath).Error(0)
}

func (m *MockHook) AfterInstall(ctx context.Context, info *domain.InstalledPackageInfo) error {
	return m.Called(ctx, info).Error(0)
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func binaryPackage(id, v string, payload []byte) *domain.CachedPackageInfo {
	return &domain.CachedPackageInfo{
		Meta: domain.PackageMeta{
			ID:      id,
			Version: version.MustParse(v),
			Plugins: domain.PluginInfo{Installer: InstallerBinary, Configurator: ConfiguratorExecutable},
		},
		Artefact: domain.RemoteArtefact{
			URI:          fmt.Sprintf("https://downloads.example.com/%s/%s", id, v),
			Checksum:     digest(payload),
			ChecksumType: checksum.SHA256,
		},
	}
}

func catalogOf(infos ...*domain.CachedPackageInfo) *index.Index {
	series := make(map[string]*domain.CachedPackageSeriesInfo)
	for _, info := range infos {
		s, ok := series[info.Meta.ID]
		if !ok {
			s = &domain.CachedPackageSeriesInfo{Name: info.Meta.ID, Versions: make(map[string]*domain.CachedPackageInfo)}
			series[info.Meta.ID] = s
		}
		s.Versions[info.Meta.Version.String()] = info
	}
	return index.New(series)
}

type harness struct {
	root      string
	installed string
	dbPath    string
	fetcher   *fakeFetcher
	db        *localdb.Mutator
	artefacts *artefact.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		root:      root,
		installed: filepath.Join(root, "installed"),
		dbPath:    filepath.Join(root, "state", "installed.cbor"),
		fetcher:   newFakeFetcher(),
		artefacts: artefact.NewManager(artefact.Config{Dir: filepath.Join(root, "artefacts")}, nil),
	}

	db, err := localdb.OpenMutator(context.Background(), h.dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	h.db = db
	return h
}

func (h *harness) service(catalog Catalog, opts ...Option) *Service {
	return NewService(Config{InstallDir: h.installed}, catalog, h.artefacts, h.fetcher, h.db, opts...)
}

func (h *harness) serve(info *domain.CachedPackageInfo, payload []byte) {
	h.fetcher.content[info.Artefact.URI] = payload
}

func TestInstall_DownloadsVerifiesAndRecords(t *testing.T) {
	h := newHarness(t)
	payload := []byte("jq binary")
	info := binaryPackage("jq", "1.7.0", payload)
	h.serve(info, payload)

	installedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := h.service(catalogOf(info), WithClock(func() time.Time { return installedAt }))

	record, err := svc.Install(context.Background(), info.Meta.Key())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(h.installed, "jq", "1.7.0"), record.Install.Path)
	assert.Equal(t, installedAt, record.Install.InstalledAt)
	assert.Equal(t, info.Artefact, record.Install.Artefact)
	assert.Empty(t, record.Install.HookFailures)

	data, err := os.ReadFile(filepath.Join(record.Install.Path, "bin", "jq"))
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, 1, h.fetcher.count(info.Artefact.URI))

	// The record is durable
	reader, err := localdb.Open(context.Background(), h.dbPath)
	require.NoError(t, err)
	assert.True(t, reader.ContainsKey(info.Meta.Key()))

	// Installing again is a no-op
	again, err := svc.Install(context.Background(), info.Meta.Key())
	require.NoError(t, err)
	assert.Equal(t, record.Install.Path, again.Install.Path)
	assert.Equal(t, 1, h.fetcher.count(info.Artefact.URI))
}

func TestInstall_ReusesVerifiedArtefact(t *testing.T) {
	h := newHarness(t)
	payload := []byte("rg binary")
	info := binaryPackage("rg", "14.1.0", payload)
	h.serve(info, payload)
	svc := h.service(catalogOf(info))

	_, err := svc.Install(context.Background(), info.Meta.Key())
	require.NoError(t, err)
	require.NoError(t, svc.Uninstall(context.Background(), info.Meta.Key()))

	_, err = svc.Install(context.Background(), info.Meta.Key())
	require.NoError(t, err)
	assert.Equal(t, 1, h.fetcher.count(info.Artefact.URI))
}

func TestInstall_FallsBackToMirror(t *testing.T) {
	h := newHarness(t)
	payload := []byte("node archive")
	info := binaryPackage("node", "20.11.0", payload)
	info.Mirrors = []domain.ArtefactMirrorInfo{
		{Name: "cdn", URI: "https://cdn.example.com/node/20.11.0"},
	}
	h.fetcher.content["https://cdn.example.com/node/20.11.0"] = payload
	svc := h.service(catalogOf(info))

	record, err := svc.Install(context.Background(), info.Meta.Key())
	require.NoError(t, err)

	assert.Equal(t, 1, h.fetcher.count(info.Artefact.URI))
	assert.Equal(t, "https://cdn.example.com/node/20.11.0", record.Install.Artefact.URI)
	assert.Equal(t, info.Artefact.Checksum, record.Install.Artefact.Checksum)
}

func TestInstall_VerificationFailed(t *testing.T) {
	h := newHarness(t)
	info := binaryPackage("kubectl", "1.29.0", []byte("expected bytes"))
	h.serve(info, []byte("tampered bytes"))
	svc := h.service(catalogOf(info))

	_, err := svc.Install(context.Background(), info.Meta.Key())
	require.Error(t, err)

	var appErr *domain.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, domain.ErrVerificationFailed, appErr.Code)
	assert.Equal(t, "kubectl", appErr.PackageID)
	assert.True(t, domain.IsKnown(err))

	assert.False(t, h.db.ContainsKey(info.Meta.Key()))
	assert.NoDirExists(t, filepath.Join(h.installed, "kubectl", "1.29.0"))
}

func TestInstall_UncertainHashPolicy(t *testing.T) {
	payload := []byte("nightly")
	info := binaryPackage("zig", "0.12.0-dev.1", payload)
	info.Artefact.Checksum = ""
	info.Artefact.ChecksumType = ""

	t.Run("refused", func(t *testing.T) {
		h := newHarness(t)
		h.serve(info, payload)
		_, err := h.service(catalogOf(info)).Install(context.Background(), info.Meta.Key())
		require.Error(t, err)
		assert.True(t, domain.IsKnown(err))
	})

	t.Run("allowed", func(t *testing.T) {
		h := newHarness(t)
		h.artefacts = artefact.NewManager(artefact.Config{Dir: filepath.Join(h.root, "artefacts"), AllowUncertainHash: true}, nil)
		h.serve(info, payload)
		_, err := h.service(catalogOf(info)).Install(context.Background(), info.Meta.Key())
		assert.NoError(t, err)
	})
}

func TestInstall_UnknownPluginBeforeDownload(t *testing.T) {
	h := newHarness(t)
	payload := []byte("setup.exe")
	info := binaryPackage("tool", "1.0.0", payload)
	info.Meta.Plugins.Installer = "msi"
	h.serve(info, payload)

	_, err := h.service(catalogOf(info)).Install(context.Background(), info.Meta.Key())
	require.Error(t, err)

	var appErr *domain.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, domain.ErrUnknownPlugin, appErr.Code)
	assert.Equal(t, "tool", appErr.PackageID)
	assert.Zero(t, h.fetcher.count(info.Artefact.URI))
}

func TestInstall_NotFoundPropagates(t *testing.T) {
	h := newHarness(t)
	info := binaryPackage("jq", "1.7.0", []byte("x"))
	svc := h.service(catalogOf(info))

	_, err := svc.Install(context.Background(), domain.PackageKey{ID: "yq", Version: version.MustParse("4.0.0")})
	assert.True(t, domain.IsSeriesNotFound(err))

	_, err = svc.Install(context.Background(), domain.PackageKey{ID: "jq", Version: version.MustParse("1.6.0")})
	assert.True(t, domain.IsVersionNotFound(err))
}

func TestInstall_ExpandFailureCleansUp(t *testing.T) {
	h := newHarness(t)
	payload := []byte("definitely not an archive")
	info := binaryPackage("go", "1.22.0", payload)
	info.Meta.Plugins.Installer = InstallerArchive
	h.serve(info, payload)

	_, err := h.service(catalogOf(info)).Install(context.Background(), info.Meta.Key())
	require.Error(t, err)
	assert.NoDirExists(t, filepath.Join(h.installed, "go", "1.22.0"))
	assert.False(t, h.db.Contains("go"))
}

func TestInstall_HookFailuresAreRecorded(t *testing.T) {
	h := newHarness(t)
	payload := []byte("terraform")
	info := binaryPackage("terraform", "1.7.0", payload)
	h.serve(info, payload)

	hook := new(MockHook)
	hook.On("BeforeExpand", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("disk quota"))
	hook.On("BeforeConfigure", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	hook.On("AfterInstall", mock.Anything, mock.Anything).Return(errors.New("notify failed"))

	record, err := h.service(catalogOf(info), WithHooks(hook)).Install(context.Background(), info.Meta.Key())
	require.NoError(t, err)
	assert.Equal(t, []string{"before_expand: disk quota", "after_install: notify failed"}, record.Install.HookFailures)

	stored, ok := h.db.Get(info.Meta.Key())
	require.True(t, ok)
	assert.Len(t, stored.Install.HookFailures, 2)
	hook.AssertExpectations(t)
}

func TestInstallLatest(t *testing.T) {
	h := newHarness(t)
	old, latest, pre := []byte("v1"), []byte("v2"), []byte("v3-rc")
	infos := []*domain.CachedPackageInfo{
		binaryPackage("helm", "3.13.0", old),
		binaryPackage("helm", "3.14.0", latest),
		binaryPackage("helm", "3.15.0-rc.1", pre),
	}
	h.serve(infos[1], latest)
	h.serve(infos[2], pre)
	svc := h.service(catalogOf(infos...))

	record, err := svc.InstallLatest(context.Background(), "helm", false)
	require.NoError(t, err)
	assert.Equal(t, "3.14.0", record.Meta.Version.String())

	record, err = svc.InstallLatest(context.Background(), "helm", true)
	require.NoError(t, err)
	assert.Equal(t, "3.15.0-rc.1", record.Meta.Version.String())
}

func TestInstall_UnitaryKeepsOneVersion(t *testing.T) {
	h := newHarness(t)
	first, second := binaryPackage("jdk", "17.0.0", []byte("17")), binaryPackage("jdk", "21.0.0", []byte("21"))
	first.Meta.Unitary, second.Meta.Unitary = true, true
	h.serve(first, []byte("17"))
	h.serve(second, []byte("21"))
	svc := h.service(catalogOf(first, second))

	_, err := svc.Install(context.Background(), first.Meta.Key())
	require.NoError(t, err)
	_, err = svc.Install(context.Background(), second.Meta.Key())
	require.NoError(t, err)

	assert.Equal(t, []domain.PackageKey{second.Meta.Key()}, h.db.Keys())
	assert.NoDirExists(t, filepath.Join(h.installed, "jdk", "17.0.0"))
	assert.DirExists(t, filepath.Join(h.installed, "jdk", "21.0.0"))
}

// storeFailingDB fails Store once fail is set
type storeFailingDB struct {
	*localdb.Mutator
	fail bool
}

func (d *storeFailingDB) Store(ctx context.Context) error {
	if d.fail {
		return errors.New("disk full")
	}
	return d.Mutator.Store(ctx)
}

func TestInstall_UnitaryKeepsPreviousVersionWhenStoreFails(t *testing.T) {
	h := newHarness(t)
	first, second := binaryPackage("jdk", "17.0.0", []byte("17")), binaryPackage("jdk", "21.0.0", []byte("21"))
	first.Meta.Unitary, second.Meta.Unitary = true, true
	h.serve(first, []byte("17"))
	h.serve(second, []byte("21"))

	db := &storeFailingDB{Mutator: h.db}
	svc := NewService(Config{InstallDir: h.installed}, catalogOf(first, second), h.artefacts, h.fetcher, db)

	_, err := svc.Install(context.Background(), first.Meta.Key())
	require.NoError(t, err)

	db.fail = true
	_, err = svc.Install(context.Background(), second.Meta.Key())
	require.Error(t, err)

	assert.DirExists(t, filepath.Join(h.installed, "jdk", "17.0.0"))
	assert.True(t, h.db.ContainsKey(first.Meta.Key()))

	reloaded, err := localdb.Open(context.Background(), h.dbPath)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Count())
	assert.True(t, reloaded.ContainsKey(first.Meta.Key()))
}

func TestUninstall(t *testing.T) {
	h := newHarness(t)
	payload := []byte("fd")
	info := binaryPackage("fd", "9.0.0", payload)
	h.serve(info, payload)
	svc := h.service(catalogOf(info))

	_, err := svc.Install(context.Background(), info.Meta.Key())
	require.NoError(t, err)
	require.NoError(t, svc.Uninstall(context.Background(), info.Meta.Key()))

	assert.False(t, h.db.ContainsKey(info.Meta.Key()))
	assert.NoDirExists(t, filepath.Join(h.installed, "fd"))

	reader, err := localdb.Open(context.Background(), h.dbPath)
	require.NoError(t, err)
	assert.Zero(t, reader.Count())

	err = svc.Uninstall(context.Background(), info.Meta.Key())
	assert.True(t, domain.IsNotFound(err))
}

func TestOutdated(t *testing.T) {
	h := newHarness(t)
	old, newer := binaryPackage("bat", "0.23.0", []byte("old")), binaryPackage("bat", "0.24.0", []byte("new"))
	pinned := binaryPackage("fzf", "0.46.0", []byte("fzf"))
	h.serve(old, []byte("old"))
	h.serve(pinned, []byte("fzf"))

	_, err := h.service(catalogOf(old, pinned)).Install(context.Background(), old.Meta.Key())
	require.NoError(t, err)
	_, err = h.service(catalogOf(old, pinned)).Install(context.Background(), pinned.Meta.Key())
	require.NoError(t, err)

	// The refreshed catalog knows a newer bat and has dropped fzf
	svc := h.service(catalogOf(old, newer))
	updates, err := svc.Outdated(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Update{{ID: "bat", Installed: "0.23.0", Available: "0.24.0"}}, updates)
}

func TestCheckDependencies(t *testing.T) {
	h := newHarness(t)
	for _, v := range []string{"1.20.0", "1.22.0"} {
		require.NoError(t, h.db.Add(&domain.InstalledPackageInfo{
			Meta: domain.PackageMeta{ID: "go", Version: version.MustParse(v), Plugins: domain.PluginInfo{Installer: InstallerArchive}},
		}))
	}
	require.NoError(t, h.db.Add(&domain.InstalledPackageInfo{
		Meta: domain.PackageMeta{ID: "gccgo", Version: version.MustParse("13.0.0"), Plugins: domain.PluginInfo{Installer: InstallerArchive}},
	}))
	svc := h.service(catalogOf())

	meta := domain.PackageMeta{
		ID:      "gopls",
		Version: version.MustParse("0.15.0"),
		Dependencies: []domain.Dependency{
			{ID: "go", Constraint: "^1.20.0"},
			{ID: "go", Constraint: "<1.21.0"},
			{ID: "go", Constraint: ">=2.0.0"},
			{ID: "git"},
		},
		Conflicts: []domain.Dependency{
			{ID: "gccgo"},
			{ID: "go", Constraint: "<1.0.0"},
		},
	}

	result, err := svc.CheckDependencies(context.Background(), meta)
	require.NoError(t, err)
	require.Len(t, result.Dependencies, 4)
	assert.False(t, result.AllSatisfied)

	assert.True(t, result.Dependencies[0].Satisfied)
	assert.Equal(t, "1.22.0", result.Dependencies[0].InstalledVersion)

	assert.True(t, result.Dependencies[1].Satisfied)
	assert.Equal(t, "1.20.0", result.Dependencies[1].InstalledVersion)

	assert.False(t, result.Dependencies[2].Satisfied)
	assert.False(t, result.Dependencies[2].Missing)

	assert.True(t, result.Dependencies[3].Missing)

	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "gccgo", result.Conflicts[0].ID)
	assert.Len(t, result.Warnings, 3)

	missing, err := NewDependencyChecker(h.db).GetMissingDependencies(context.Background(), meta)
	require.NoError(t, err)
	assert.Equal(t, []domain.Dependency{{ID: "git"}}, missing)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.CheckDependencies(ctx, meta)
	assert.ErrorIs(t, err, context.Canceled)
}

package update

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/halcyonlab/gamedelivery/internal/archive"
	"github.com/halcyonlab/gamedelivery/internal/chunked"
	"github.com/halcyonlab/gamedelivery/internal/config"
	"github.com/halcyonlab/gamedelivery/internal/patch"
	"github.com/halcyonlab/gamedelivery/internal/progress"
	"github.com/halcyonlab/gamedelivery/internal/registry"
	"github.com/halcyonlab/gamedelivery/internal/transfer"
	"github.com/halcyonlab/gamedelivery/internal/verify"
)

// fakePatcher pretends to apply a diff by writing a fixed patched tree into
// the staging directory.
type fakePatcher struct {
	applied atomic.Int64
	fail    bool
}

func (p *fakePatcher) Apply(_ context.Context, oldDir, diffFile, outDir string, onProgress func(patch.Progress)) error {
	if p.fail {
		return fmt.Errorf("patch does not apply")
	}
	p.applied.Add(1)
	if err := os.MkdirAll(filepath.Join(outDir, "data"), 0o755); err != nil {
		return err
	}
	if onProgress != nil {
		onProgress(patch.Progress{Current: 5, Total: 10})
		onProgress(patch.Progress{Current: 10, Total: 10})
	}
	return os.WriteFile(filepath.Join(outDir, "data", "patched.bin"), []byte("patched content"), 0o644)
}

func zipBytes(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, data := range entries {
		ew, err := w.Create(name)
		require.NoError(t, err)
		_, err = ew.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// pipelineFixture wires a metadata endpoint, a package CDN, a file registry
// and an orchestrator against temp directories.
type pipelineFixture struct {
	srv        *httptest.Server
	reg        *registry.FileRegistry
	orch       *Orchestrator
	patcher    *fakePatcher
	installDir string
	dataDir    string

	metadata      []byte
	fullPkg       []byte
	diffPkg       []byte
	repairFiles   map[string][]byte
	chunkManifest []byte
	chunkData     map[string][]byte
	pkgRequests   atomic.Int64
	diffRequests  atomic.Int64
	chunkRequests atomic.Int64
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	return newFixture(t, false)
}

// newChunkedPipelineFixture builds a title with chunked sync enabled. Until
// serveChunked installs a manifest the branch endpoint answers 404.
func newChunkedPipelineFixture(t *testing.T) *pipelineFixture {
	return newFixture(t, true)
}

func newFixture(t *testing.T, chunkedSync bool) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		installDir:  filepath.Join(t.TempDir(), "install"),
		dataDir:     t.TempDir(),
		repairFiles: map[string][]byte{},
		chunkData:   map[string][]byte{},
	}
	f.fullPkg = zipBytes(t, map[string][]byte{
		"game.exe":        []byte("binary v1.1.0"),
		"data/assets.pak": []byte("assets"),
	})
	f.diffPkg = []byte("binary diff payload")

	mux := http.NewServeMux()
	mux.HandleFunc("/meta", func(w http.ResponseWriter, r *http.Request) {
		w.Write(f.metadata)
	})
	mux.HandleFunc("/pkg/game.zip", func(w http.ResponseWriter, r *http.Request) {
		f.pkgRequests.Add(1)
		w.Write(f.fullPkg)
	})
	mux.HandleFunc("/pkg/diff.bin", func(w http.ResponseWriter, r *http.Request) {
		f.diffRequests.Add(1)
		w.Write(f.diffPkg)
	})
	mux.HandleFunc("/repair/", func(w http.ResponseWriter, r *http.Request) {
		data, ok := f.repairFiles[strings.TrimPrefix(r.URL.Path, "/repair/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	})
	mux.HandleFunc("/branch", func(w http.ResponseWriter, r *http.Request) {
		if f.chunkManifest == nil {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{
			"retcode": 0, "message": "OK",
			"data": {"build_id": "42", "tag": "1.1.0", "manifests": [{
				"matching_field": "game",
				"manifest": {"id": "m1", "checksum": %q},
				"manifest_download": {"url_prefix": %q, "compression": false},
				"chunk_download": {"url_prefix": %q, "compression": false},
				"stats": {"file_count": "%d", "chunk_count": "%d",
					"uncompressed_size": "%d", "compressed_size": "%d"}
			}]}
		}`,
			md5Hex(f.chunkManifest), f.srv.URL+"/manifests", f.srv.URL+"/chunks",
			len(f.chunkData), len(f.chunkData), f.chunkTotal(), f.chunkTotal())
	})
	mux.HandleFunc("/manifests/m1", func(w http.ResponseWriter, r *http.Request) {
		w.Write(f.chunkManifest)
	})
	mux.HandleFunc("/chunks/", func(w http.ResponseWriter, r *http.Request) {
		f.chunkRequests.Add(1)
		data, ok := f.chunkData[strings.TrimPrefix(r.URL.Path, "/chunks/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	f.metadata = []byte(fmt.Sprintf(`{
		"retcode": 0,
		"data": {"game": {
			"latest": {"version": "1.1.0", "path": %q, "size": "%d", "md5": %q},
			"diffs": [{"version": "1.0.0", "path": %q, "size": "%d", "md5": %q}]
		}}
	}`,
		f.srv.URL+"/pkg/game.zip", len(f.fullPkg), md5Hex(f.fullPkg),
		f.srv.URL+"/pkg/diff.bin", len(f.diffPkg), md5Hex(f.diffPkg)))

	title := config.Title{
		ID:            "demo",
		MetadataURL:   f.srv.URL + "/meta",
		InstallDir:    f.installDir,
		RepairBaseURL: f.srv.URL + "/repair",
	}
	if chunkedSync {
		title.ChunkedSync = true
		title.BranchURL = f.srv.URL + "/branch"
	}
	cfg := config.Config{
		DataDir:       f.dataDir,
		MaxConcurrent: 2,
		ChunkWorkers:  2,
		Titles:        []config.Title{title},
	}

	f.reg = registry.NewFileRegistry(filepath.Join(f.dataDir, "registry.json"))
	f.patcher = &fakePatcher{}
	engine := transfer.NewEngine(f.srv.Client(), 2, nil)
	chunks := chunked.NewClient(f.srv.Client(), 2, nil)
	installer := archive.NewInstaller(nil)
	f.orch = NewOrchestrator(f.reg, cfg, engine, chunks, installer, f.patcher, f.srv.Client(), nil)
	return f
}

func (f *pipelineFixture) chunkTotal() int64 {
	var total int64
	for _, data := range f.chunkData {
		total += int64(len(data))
	}
	return total
}

// serveChunked publishes a one-chunk-per-file manifest for the given tree on
// the fixture's branch, manifest and chunk endpoints.
func (f *pipelineFixture) serveChunked(t *testing.T, files map[string][]byte) {
	t.Helper()
	var manifest []byte
	for name, data := range files {
		chunkName := fmt.Sprintf("%016x_0", xxhash.Sum64(data))
		f.chunkData[chunkName] = data

		var chunk []byte
		chunk = protowire.AppendTag(chunk, 1, protowire.BytesType)
		chunk = protowire.AppendString(chunk, chunkName)
		chunk = protowire.AppendTag(chunk, 2, protowire.BytesType)
		chunk = protowire.AppendString(chunk, md5Hex(data))
		chunk = protowire.AppendTag(chunk, 3, protowire.VarintType)
		chunk = protowire.AppendVarint(chunk, 0)
		chunk = protowire.AppendTag(chunk, 4, protowire.VarintType)
		chunk = protowire.AppendVarint(chunk, uint64(len(data)))
		chunk = protowire.AppendTag(chunk, 5, protowire.VarintType)
		chunk = protowire.AppendVarint(chunk, uint64(len(data)))

		var asset []byte
		asset = protowire.AppendTag(asset, 1, protowire.BytesType)
		asset = protowire.AppendString(asset, name)
		asset = protowire.AppendTag(asset, 2, protowire.BytesType)
		asset = protowire.AppendString(asset, md5Hex(data))
		asset = protowire.AppendTag(asset, 3, protowire.VarintType)
		asset = protowire.AppendVarint(asset, uint64(len(data)))
		asset = protowire.AppendTag(asset, 5, protowire.BytesType)
		asset = protowire.AppendBytes(asset, chunk)

		manifest = protowire.AppendTag(manifest, 1, protowire.BytesType)
		manifest = protowire.AppendBytes(manifest, asset)
	}
	f.chunkManifest = manifest
}

func (f *pipelineFixture) record(t *testing.T) *registry.GameRecord {
	t.Helper()
	rec, err := f.reg.GetGame("demo")
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func TestUpdateFreshFullInstall(t *testing.T) {
	f := newPipelineFixture(t)

	require.NoError(t, f.orch.Update(context.Background(), "demo", progress.Discard))

	rec := f.record(t)
	assert.Equal(t, registry.StateReady, rec.State)
	assert.Equal(t, "1.1.0", rec.Version)
	assert.Equal(t, f.installDir, rec.InstallPath)
	assert.True(t, rec.Installed)

	got, err := os.ReadFile(filepath.Join(f.installDir, "game.exe"))
	require.NoError(t, err)
	assert.Equal(t, []byte("binary v1.1.0"), got)

	// Fresh install never consults the patcher.
	assert.Equal(t, int64(0), f.patcher.applied.Load())
	assert.Equal(t, int64(0), f.diffRequests.Load())
}

func TestUpdateDeltaPath(t *testing.T) {
	f := newPipelineFixture(t)
	require.NoError(t, os.MkdirAll(f.installDir, 0o755))
	require.NoError(t, f.reg.UpdateInstallPath("demo", f.installDir, true))
	require.NoError(t, f.reg.UpdateVersion("demo", "1.0.0"))

	require.NoError(t, f.orch.Update(context.Background(), "demo", progress.Discard))

	rec := f.record(t)
	assert.Equal(t, registry.StateReady, rec.State)
	assert.Equal(t, "1.1.0", rec.Version)

	got, err := os.ReadFile(filepath.Join(f.installDir, "data", "patched.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("patched content"), got)

	assert.Equal(t, int64(1), f.patcher.applied.Load())
	assert.Equal(t, int64(1), f.diffRequests.Load())
	assert.Equal(t, int64(0), f.pkgRequests.Load(), "delta update must not fetch the full package")
}

func TestUpdateChunkedSync(t *testing.T) {
	f := newChunkedPipelineFixture(t)
	files := map[string][]byte{
		"game.exe":        []byte("chunked binary v1.1.0"),
		"data/assets.pak": []byte("chunked assets"),
	}
	f.serveChunked(t, files)

	require.NoError(t, f.orch.Update(context.Background(), "demo", progress.Discard))

	rec := f.record(t)
	assert.Equal(t, registry.StateReady, rec.State)
	assert.Equal(t, "1.1.0", rec.Version)
	assert.True(t, rec.Installed)
	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(f.installDir, filepath.FromSlash(name)))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// A successful chunked sync never touches the package CDN.
	assert.Equal(t, int64(0), f.pkgRequests.Load())
	assert.Equal(t, int64(0), f.diffRequests.Load())
	assert.Equal(t, int64(len(files)), f.chunkRequests.Load())

	entries, err := verify.LoadManifest(filepath.Join(f.installDir, verify.ManifestName))
	require.NoError(t, err)
	assert.Len(t, entries, len(files))
}

func TestUpdateChunkedUnavailableFallsBackToFull(t *testing.T) {
	// No manifest published: the branch endpoint answers 404 and the update
	// must complete through the full package instead.
	f := newChunkedPipelineFixture(t)

	require.NoError(t, f.orch.Update(context.Background(), "demo", progress.Discard))

	rec := f.record(t)
	assert.Equal(t, registry.StateReady, rec.State)
	assert.Equal(t, "1.1.0", rec.Version)
	assert.Equal(t, int64(1), f.pkgRequests.Load())
	assert.Equal(t, int64(0), f.chunkRequests.Load())

	data, err := os.ReadFile(filepath.Join(f.installDir, "game.exe"))
	require.NoError(t, err)
	assert.Equal(t, "binary v1.1.0", string(data))
}

func TestUpdateNoUpdateNeeded(t *testing.T) {
	f := newPipelineFixture(t)
	require.NoError(t, f.reg.UpdateInstallPath("demo", f.installDir, true))
	require.NoError(t, f.reg.UpdateVersion("demo", "1.1.0"))

	require.NoError(t, f.orch.Update(context.Background(), "demo", progress.Discard))

	rec := f.record(t)
	assert.Equal(t, registry.StateReady, rec.State)
	assert.Equal(t, int64(0), f.pkgRequests.Load())
	assert.Equal(t, int64(0), f.diffRequests.Load())
}

func TestUpdateSegmentResume(t *testing.T) {
	f := newPipelineFixture(t)

	// A previous run already fetched the package intact.
	workDir := filepath.Join(f.dataDir, "downloads", "demo")
	require.NoError(t, os.MkdirAll(workDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "game.zip"), f.fullPkg, 0o644))

	require.NoError(t, f.orch.Update(context.Background(), "demo", progress.Discard))

	assert.Equal(t, int64(0), f.pkgRequests.Load(), "valid segment must not be refetched")
	assert.Equal(t, registry.StateReady, f.record(t).State)
}

func TestUpdateFailureReverts(t *testing.T) {
	f := newPipelineFixture(t)
	require.NoError(t, f.reg.UpdateInstallPath("demo", f.installDir, true))
	require.NoError(t, f.reg.UpdateVersion("demo", "0.9.0")) // no diff for this version
	f.fullPkg = append(f.fullPkg, []byte("corruption that breaks the md5")...)

	err := f.orch.Update(context.Background(), "demo", progress.Discard)
	require.Error(t, err)

	rec := f.record(t)
	assert.Equal(t, registry.StateNeedsUpdate, rec.State)
	assert.Equal(t, "0.9.0", rec.Version, "failed update must not advance the version")
}

func TestUpdateFailureFreshInstallReverts(t *testing.T) {
	f := newPipelineFixture(t)
	f.metadata = []byte(fmt.Sprintf(`{
		"retcode": 0,
		"data": {"game": {"latest": {"version": "1.1.0", "path": %q, "size": "10", "md5": "00"}}}
	}`, f.srv.URL+"/missing.zip"))

	err := f.orch.Update(context.Background(), "demo", progress.Discard)
	require.Error(t, err)
	assert.Equal(t, registry.StateNotInstalled, f.record(t).State)
}

func TestUpdatePatcherFailureFallsNowhere(t *testing.T) {
	f := newPipelineFixture(t)
	require.NoError(t, os.MkdirAll(f.installDir, 0o755))
	require.NoError(t, f.reg.UpdateInstallPath("demo", f.installDir, true))
	require.NoError(t, f.reg.UpdateVersion("demo", "1.0.0"))
	f.patcher.fail = true

	err := f.orch.Update(context.Background(), "demo", progress.Discard)
	require.Error(t, err)
	assert.Equal(t, registry.StateNeedsUpdate, f.record(t).State)
}

func TestVerifyAndRepairTitle(t *testing.T) {
	f := newPipelineFixture(t)
	require.NoError(t, os.MkdirAll(f.installDir, 0o755))

	good := []byte("good")
	wanted := []byte("original contents")
	require.NoError(t, os.WriteFile(filepath.Join(f.installDir, "good.dat"), good, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.installDir, "bad.dat"), []byte("corrupted contents"), 0o644))
	require.NoError(t, verify.WriteManifest(filepath.Join(f.installDir, verify.ManifestName), []verify.Entry{
		{RemoteName: "good.dat", MD5: md5Hex(good), FileSize: int64(len(good))},
		{RemoteName: "bad.dat", MD5: md5Hex(wanted), FileSize: int64(len(wanted))},
	}))
	f.repairFiles["bad.dat"] = wanted

	results, root, err := f.orch.VerifyTitle(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, f.installDir, root)

	broken := 0
	for _, r := range results {
		if r.Status.Broken() {
			broken++
		}
	}
	assert.Equal(t, 1, broken)

	n, err := f.orch.RepairTitle(context.Background(), "demo", progress.Discard)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := os.ReadFile(filepath.Join(f.installDir, "bad.dat"))
	require.NoError(t, err)
	assert.Equal(t, wanted, got)
}

func TestCheckUpdate(t *testing.T) {
	f := newPipelineFixture(t)

	plan, err := f.orch.CheckUpdate(context.Background(), "demo")
	require.NoError(t, err)
	assert.True(t, plan.UpdateAvailable)
	assert.Equal(t, "1.1.0", plan.LatestVersion)
	require.Len(t, plan.Full, 1)
	assert.Nil(t, plan.Delta, "no diff matches an empty current version")
}

func TestParsePackagesShape(t *testing.T) {
	body := []byte(`{
		"retcode": 0,
		"data": {"game_packages": [{"main": {
			"major": {"version": "2.0.0", "game_pkgs": [
				{"url": "https://cdn/full.001", "size": "100", "md5": "aa"},
				{"url": "https://cdn/full.002", "size": "50", "md5": "bb"}
			]},
			"patches": [{"version": "1.9.0", "game_pkgs": [{"url": "https://cdn/diff", "size": "5", "md5": "cc"}]}]
		}}]}
	}`)

	plan := parsePlan(body, "1.9.0")
	require.NotNil(t, plan)
	assert.Equal(t, "2.0.0", plan.LatestVersion)
	require.Len(t, plan.Full, 2)
	assert.Equal(t, int64(100), plan.Full[0].Size)
	require.NotNil(t, plan.Delta)
	assert.Equal(t, "https://cdn/diff", plan.Delta.URL)

	plan = parsePlan(body, "1.8.0")
	require.NotNil(t, plan)
	assert.Nil(t, plan.Delta, "diff must match the exact current version")
}

func TestParsePlanGarbage(t *testing.T) {
	assert.Nil(t, parsePlan([]byte("<html>not json</html>"), "1.0"))
	assert.Nil(t, parsePlan([]byte(`{"retcode":0,"data":{}}`), "1.0"))
}

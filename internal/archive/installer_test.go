package archive

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlab/gamedelivery/internal/progress"
)

func writeZip(t *testing.T, path string, entries map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	for name, data := range entries {
		if data == nil {
			_, err := w.Create(name + "/")
			require.NoError(t, err)
			continue
		}
		ew, err := w.Create(name)
		require.NoError(t, err)
		_, err = ew.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "pkg.zip")
	writeZip(t, archivePath, map[string][]byte{
		"game.exe":          []byte("binary"),
		"data/assets.pak":   []byte("pak contents"),
		"data/sub":          nil,
		"data/sub/note.txt": []byte("note"),
	})

	dest := filepath.Join(dir, "install")
	installer := NewInstaller(nil)
	require.NoError(t, installer.ExtractArchive(context.Background(), archivePath, dest, progress.Discard))

	got, err := os.ReadFile(filepath.Join(dest, "data", "assets.pak"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pak contents"), got)

	got, err = os.ReadFile(filepath.Join(dest, "game.exe"))
	require.NoError(t, err)
	assert.Equal(t, []byte("binary"), got)
}

func TestZipExtractorCounters(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "pkg.zip")
	writeZip(t, archivePath, map[string][]byte{
		"a.txt":     []byte("aaaa"),
		"sub/b.txt": []byte("bb"),
	})

	var last progress.Snapshot
	tracker := progress.NewTracker(progress.SinkFunc(func(s progress.Snapshot) { last = s }), progress.DefaultInterval)

	z := newZipExtractor(logrus.New())
	require.NoError(t, z.Extract(context.Background(), archivePath, filepath.Join(dir, "out"), tracker))
	tracker.Flush()

	assert.Equal(t, int64(6), last.TotalBytes)
	assert.Equal(t, int64(6), last.Transferred)
	assert.Equal(t, 2, last.TotalFiles)
	assert.Equal(t, 2, last.Files)
}

func TestExtractZipTraversalSkipped(t *testing.T) {
	parent := t.TempDir()
	archivePath := filepath.Join(parent, "evil.zip")
	writeZip(t, archivePath, map[string][]byte{
		"ok.txt":               []byte("fine"),
		"../escape.txt":        []byte("outside"),
		"nested/../../esc.txt": []byte("outside too"),
	})

	dest := filepath.Join(parent, "install")
	installer := NewInstaller(nil)
	require.NoError(t, installer.ExtractArchive(context.Background(), archivePath, dest, progress.Discard))

	got, err := os.ReadFile(filepath.Join(dest, "ok.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("fine"), got)

	_, err = os.Stat(filepath.Join(parent, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(parent, "esc.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pkg.rar")
	require.NoError(t, os.WriteFile(path, []byte("not really rar"), 0o644))

	installer := NewInstaller(nil)
	err := installer.ExtractArchive(context.Background(), path, dir, progress.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no extractor")
}

func TestExtractCancelled(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "pkg.zip")
	writeZip(t, archivePath, map[string][]byte{"a.txt": []byte("a")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	installer := NewInstaller(nil)
	err := installer.ExtractArchive(ctx, archivePath, filepath.Join(dir, "out"), progress.Discard)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPartClassification(t *testing.T) {
	assert.True(t, IsFirstPart("game.7z.001"))
	assert.True(t, IsFirstPart("game.zip.000"))
	assert.False(t, IsFirstPart("game.7z.002"))

	assert.False(t, IsTrailingPart("game.7z.001"))
	assert.True(t, IsTrailingPart("game.7z.002"))
	assert.True(t, IsTrailingPart("game.7z.017"))
	assert.False(t, IsTrailingPart("game.zip"))
	assert.False(t, IsTrailingPart("game.mp4"))
}

func TestCandidatesPreferLongestSuffix(t *testing.T) {
	installer := NewInstaller(nil)
	cands, ext := installer.candidatesFor("/tmp/pkg.tar.gz")
	require.NotEmpty(t, cands)
	assert.Equal(t, ".tar.gz", ext)

	cands, ext = installer.candidatesFor("/tmp/pkg.bin")
	assert.Empty(t, cands)
	assert.Equal(t, ".bin", ext)
}

package archive

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/halcyonlab/gamedelivery/internal/fsutil"
	"github.com/halcyonlab/gamedelivery/internal/progress"
)

// zipExtractor is the in-process fallback for zip archives. Entries are
// extracted across a worker pool bounded by available parallelism; file
// writes are independent and lock-free, only the shared progress counters
// are synchronized (inside the tracker).
type zipExtractor struct {
	log *logrus.Logger
}

func newZipExtractor(log *logrus.Logger) *zipExtractor { return &zipExtractor{log: log} }

func (z *zipExtractor) Name() string    { return "zip" }
func (z *zipExtractor) Available() bool { return true }

func (z *zipExtractor) Extract(ctx context.Context, archivePath, destDir string, tracker *progress.Tracker) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	var total int64
	var files int
	for _, entry := range r.File {
		if !entry.FileInfo().IsDir() {
			total += int64(entry.UncompressedSize64)
			files++
		}
	}
	tracker.SetTotal(total)
	tracker.SetTotalFiles(files)

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	// Directory entries first, so no file worker races its parent directory.
	for _, entry := range r.File {
		if !entry.FileInfo().IsDir() {
			continue
		}
		dir, jerr := fsutil.SecureJoin(destDir, entry.Name)
		if jerr != nil {
			z.log.WithField("entry", entry.Name).Warn("skipping archive entry outside destination root")
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, entry := range r.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		entry := entry
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return z.writeEntry(entry, destDir, tracker)
		})
	}
	return g.Wait()
}

func (z *zipExtractor) writeEntry(entry *zip.File, destDir string, tracker *progress.Tracker) error {
	path, err := fsutil.SecureJoin(destDir, entry.Name)
	if err != nil {
		// Malicious entries are skipped and logged, never written; the rest
		// of the archive still extracts.
		z.log.WithField("entry", entry.Name).Warn("skipping archive entry outside destination root")
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	mode := entry.Mode() & os.ModePerm
	if mode == 0 {
		mode = 0o644
	}
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(&countingWriter{w: dst, tracker: tracker}, src); err != nil {
		return err
	}
	tracker.FileDone()
	return nil
}

// countingWriter forwards writes and accumulates byte counts in the tracker.
type countingWriter struct {
	w       io.Writer
	tracker *progress.Tracker
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.tracker.Add(int64(n))
	}
	return n, err
}

// IsFirstPart reports whether path looks like the first part of a multi-part
// archive (".001"/".000"-style numbering). Trailing parts are discovered by
// the extractor itself and must not be handed over separately.
func IsFirstPart(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".001") || strings.HasSuffix(lower, ".000")
}

// IsTrailingPart reports whether path is a numbered part other than the
// first one.
func IsTrailingPart(path string) bool {
	ext := filepath.Ext(path)
	if len(ext) != 4 {
		return false
	}
	for _, r := range ext[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return !IsFirstPart(path)
}

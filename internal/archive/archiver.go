package archive

import (
	"archive/tar"
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/mholt/archiver"
	"github.com/sirupsen/logrus"

	"github.com/halcyonlab/gamedelivery/internal/fsutil"
	"github.com/halcyonlab/gamedelivery/internal/progress"
)

// archiverExtractor is the in-process fallback for the tar family. Entries
// stream sequentially (tar has no index), so extraction walks the archive
// once and screens every entry path before writing.
type archiverExtractor struct {
	log *logrus.Logger
}

func newArchiverExtractor(log *logrus.Logger) *archiverExtractor {
	return &archiverExtractor{log: log}
}

func (a *archiverExtractor) Name() string    { return "archiver" }
func (a *archiverExtractor) Available() bool { return true }

func (a *archiverExtractor) Extract(ctx context.Context, archivePath, destDir string, tracker *progress.Tracker) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	return archiver.Walk(archivePath, func(f archiver.File) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		name := entryName(f)
		if name == "" {
			return nil
		}

		path, err := fsutil.SecureJoin(destDir, name)
		if err != nil {
			a.log.WithField("entry", name).Warn("skipping archive entry outside destination root")
			return nil
		}

		if f.IsDir() {
			return os.MkdirAll(path, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}

		mode := f.Mode() & os.ModePerm
		if mode == 0 {
			mode = 0o644
		}
		dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		defer dst.Close()

		if _, err := io.Copy(&countingWriter{w: dst, tracker: tracker}, f); err != nil {
			return err
		}
		tracker.FileDone()
		return nil
	})
}

func entryName(f archiver.File) string {
	switch h := f.Header.(type) {
	case *tar.Header:
		return h.Name
	case zip.FileHeader:
		return h.Name
	default:
		return f.Name()
	}
}

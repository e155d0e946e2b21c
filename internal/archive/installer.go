// Package archive turns downloaded game packages into installed file trees.
// Extraction is dispatched through a strategy table mapping archive extension
// to an ordered list of candidate extractors; a native tool is preferred when
// present and an in-process extractor covers the rest. Every entry's
// destination is validated against the destination root before any byte is
// written.
package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/halcyonlab/gamedelivery/internal/progress"
)

// Extractor is one extraction strategy for a given archive format.
type Extractor interface {
	Name() string
	Available() bool
	Extract(ctx context.Context, archivePath, destDir string, tracker *progress.Tracker) error
}

// Installer extracts archives into destination trees.
type Installer struct {
	log        *logrus.Logger
	strategies map[string][]Extractor
}

func NewInstaller(log *logrus.Logger) *Installer {
	if log == nil {
		log = logrus.New()
	}
	native := newNativeExtractor(log)
	zip := newZipExtractor(log)
	tar := newArchiverExtractor(log)

	return &Installer{
		log: log,
		strategies: map[string][]Extractor{
			".zip":     {native, zip},
			".7z":      {native},
			".001":     {native},
			".000":     {native},
			".tar":     {native, tar},
			".tar.gz":  {native, tar},
			".tgz":     {native, tar},
			".tar.bz2": {native, tar},
			".tar.xz":  {native, tar},
			".tar.zst": {native, tar},
		},
	}
}

// ExtractArchive extracts archivePath under destDir, trying each candidate
// extractor for the format in order. A cancelled context stops the fallback
// chain immediately; other failures move to the next candidate.
func (i *Installer) ExtractArchive(ctx context.Context, archivePath, destDir string, sink progress.Sink) error {
	candidates, ext := i.candidatesFor(archivePath)
	if len(candidates) == 0 {
		return fmt.Errorf("no extractor for archive format %q", ext)
	}

	tracker := progress.NewTracker(sink, progress.DefaultInterval)
	tracker.Rebase()

	var lastErr error
	for _, cand := range candidates {
		if !cand.Available() {
			continue
		}
		err := cand.Extract(ctx, archivePath, destDir, tracker)
		if err == nil {
			tracker.Flush()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		i.log.WithError(err).Warnf("extractor %s failed for %s", cand.Name(), archivePath)
		lastErr = err
	}
	if lastErr == nil {
		return fmt.Errorf("no available extractor for archive format %q", ext)
	}
	return lastErr
}

func (i *Installer) candidatesFor(archivePath string) ([]Extractor, string) {
	lower := strings.ToLower(archivePath)
	// Longest suffix wins so ".tar.gz" is not mistaken for ".gz".
	best := ""
	for ext := range i.strategies {
		if strings.HasSuffix(lower, ext) && len(ext) > len(best) {
			best = ext
		}
	}
	if best == "" {
		return nil, lowerExt(lower)
	}
	return i.strategies[best], best
}

func lowerExt(path string) string {
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		return path[idx:]
	}
	return ""
}

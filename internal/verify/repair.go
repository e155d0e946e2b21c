package verify

import (
	"context"
	"strings"

	"github.com/halcyonlab/gamedelivery/internal/fsutil"
	"github.com/halcyonlab/gamedelivery/internal/progress"
)

// Downloader is the slice of the transfer engine repair needs.
type Downloader interface {
	Download(ctx context.Context, url, dest string, sink progress.Sink) error
}

// Repairer re-downloads broken files one by one through the transfer engine.
type Repairer struct {
	checker *Checker
	engine  Downloader
}

func NewRepairer(checker *Checker, engine Downloader) *Repairer {
	return &Repairer{checker: checker, engine: engine}
}

// Repair fetches every broken file from baseURL into installRoot. Extra
// files are left untouched. Returns the number of repaired files.
func (r *Repairer) Repair(ctx context.Context, results []Result, baseURL, installRoot string, sink progress.Sink) (int, error) {
	base := strings.TrimRight(baseURL, "/")
	repaired := 0
	for _, res := range results {
		if !res.Status.Broken() {
			continue
		}
		dest, err := fsutil.SecureJoin(installRoot, res.Path)
		if err != nil {
			r.checker.log.WithField("entry", res.Path).Warn("skipping repair target outside install root")
			continue
		}
		url := base + "/" + strings.TrimLeft(res.Path, "/")
		if err := r.engine.Download(ctx, url, dest, sink); err != nil {
			return repaired, err
		}
		repaired++
	}
	return repaired, nil
}

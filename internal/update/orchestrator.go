// Package update drives the whole delivery pipeline for one title: check the
// remote metadata, compare versions, pick a strategy (chunked sync, delta
// patch, or full package) and leave the game registry in a consistent state
// whatever happens along the way.
package update

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/halcyonlab/gamedelivery/internal/archive"
	"github.com/halcyonlab/gamedelivery/internal/chunked"
	"github.com/halcyonlab/gamedelivery/internal/config"
	"github.com/halcyonlab/gamedelivery/internal/fsutil"
	"github.com/halcyonlab/gamedelivery/internal/patch"
	"github.com/halcyonlab/gamedelivery/internal/progress"
	"github.com/halcyonlab/gamedelivery/internal/registry"
	"github.com/halcyonlab/gamedelivery/internal/transfer"
	"github.com/halcyonlab/gamedelivery/internal/verify"
)

// Orchestrator owns the per-title update state machine. It is the only
// component that writes to the game registry.
type Orchestrator struct {
	reg       registry.Registry
	cfg       config.Config
	engine    *transfer.Engine
	chunks    *chunked.Client
	installer *archive.Installer
	patcher   patch.Patcher
	client    *http.Client
	log       *logrus.Logger
}

func NewOrchestrator(
	reg registry.Registry,
	cfg config.Config,
	engine *transfer.Engine,
	chunks *chunked.Client,
	installer *archive.Installer,
	patcher patch.Patcher,
	client *http.Client,
	log *logrus.Logger,
) *Orchestrator {
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = logrus.New()
	}
	return &Orchestrator{
		reg:       reg,
		cfg:       cfg,
		engine:    engine,
		chunks:    chunks,
		installer: installer,
		patcher:   patcher,
		client:    client,
		log:       log,
	}
}

// CheckUpdate resolves the title's update plan without changing anything on
// disk.
func (o *Orchestrator) CheckUpdate(ctx context.Context, gameID string) (*UpdatePlan, error) {
	title, err := o.cfg.TitleByID(gameID)
	if err != nil {
		return nil, err
	}
	rec, err := o.reg.GetGame(gameID)
	if err != nil {
		return nil, err
	}
	current := ""
	if rec != nil {
		current = rec.Version
	}
	return o.FetchPlan(ctx, title.MetadataURL, current)
}

// Update brings the title to the latest version. Strategy priority: chunked
// sync when the title supports it, then a delta patch keyed to the exact
// current version, then the full package. Any failure reverts the persisted
// state to needs-update (if previously installed) or not-installed; the
// registry never claims ready after a failed update.
func (o *Orchestrator) Update(ctx context.Context, gameID string, sink progress.Sink) (err error) {
	title, err := o.cfg.TitleByID(gameID)
	if err != nil {
		return err
	}
	rec, err := o.reg.GetGame(gameID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &registry.GameRecord{ID: gameID, State: registry.StateNotInstalled}
	}
	wasInstalled := rec.Installed
	installRoot := rec.InstallPath
	if installRoot == "" {
		installRoot = title.InstallDir
	}
	if installRoot == "" {
		return fmt.Errorf("no install path for title %q", gameID)
	}

	if err := o.reg.UpdateState(gameID, registry.StateCheckingUpdate); err != nil {
		return err
	}

	plan, err := o.FetchPlan(ctx, title.MetadataURL, rec.Version)
	if err != nil {
		o.revert(gameID, wasInstalled)
		return err
	}
	if !plan.UpdateAvailable {
		state := registry.StateNotInstalled
		if wasInstalled {
			state = registry.StateReady
		}
		return o.reg.UpdateState(gameID, state)
	}

	if err := o.reg.UpdateState(gameID, registry.StateUpdateAvailable); err != nil {
		return err
	}
	if err := o.reg.UpdateState(gameID, registry.StateUpdating); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			o.revert(gameID, wasInstalled)
		}
	}()

	if title.ChunkedSync {
		cerr := o.chunkedSync(ctx, title, installRoot, sink)
		if cerr == nil {
			return o.finalize(gameID, installRoot, plan.LatestVersion)
		}
		if errors.Is(cerr, context.Canceled) || ctx.Err() != nil {
			err = cerr
			return err
		}
		// Any chunked failure falls back silently to the package path.
		o.log.WithError(cerr).Info("chunked sync unavailable, falling back to package download")
	}

	workDir := filepath.Join(o.cfg.DataDir, "downloads", gameID)

	if o.deltaUsable(plan, wasInstalled) {
		if err = o.applyDelta(ctx, gameID, plan, installRoot, workDir, sink); err != nil {
			return err
		}
		return o.finalize(gameID, installRoot, plan.LatestVersion)
	}

	if len(plan.Full) == 0 {
		err = fmt.Errorf("metadata for %q offers neither delta nor full package", gameID)
		return err
	}
	if err = o.installFull(ctx, gameID, plan, installRoot, workDir, sink); err != nil {
		return err
	}
	return o.finalize(gameID, installRoot, plan.LatestVersion)
}

// deltaUsable gates the patch strategy: it needs a previous install, a diff
// keyed to its exact version, and a working patcher binary.
func (o *Orchestrator) deltaUsable(plan *UpdatePlan, wasInstalled bool) bool {
	if plan.Delta == nil || !wasInstalled {
		return false
	}
	if a, ok := o.patcher.(interface{ Available() bool }); ok && !a.Available() {
		o.log.Info("patcher binary not found, using full package instead of delta")
		return false
	}
	return true
}

// VerifyTitle checks a configured title's install tree against its local
// integrity manifest.
func (o *Orchestrator) VerifyTitle(ctx context.Context, gameID string) ([]verify.Result, string, error) {
	title, err := o.cfg.TitleByID(gameID)
	if err != nil {
		return nil, "", err
	}
	rec, err := o.reg.GetGame(gameID)
	if err != nil {
		return nil, "", err
	}
	installRoot := title.InstallDir
	if rec != nil && rec.InstallPath != "" {
		installRoot = rec.InstallPath
	}
	if installRoot == "" {
		return nil, "", fmt.Errorf("no install path for title %q", gameID)
	}

	entries, err := verify.LoadManifest(filepath.Join(installRoot, verify.ManifestName))
	if err != nil {
		return nil, "", err
	}
	ignore := title.VerifyIgnore
	if len(ignore) == 0 {
		ignore = config.VerifyIgnoreDefaults
	}
	checker := verify.NewChecker(o.log, ignore)
	results, err := checker.VerifyInstall(ctx, entries, installRoot)
	return results, installRoot, err
}

// RepairTitle verifies the title and re-downloads every broken file from its
// configured repair source. Returns the number of repaired files.
func (o *Orchestrator) RepairTitle(ctx context.Context, gameID string, sink progress.Sink) (int, error) {
	title, err := o.cfg.TitleByID(gameID)
	if err != nil {
		return 0, err
	}
	if title.RepairBaseURL == "" {
		return 0, fmt.Errorf("no repair source configured for title %q", gameID)
	}
	results, installRoot, err := o.VerifyTitle(ctx, gameID)
	if err != nil {
		return 0, err
	}
	ignore := title.VerifyIgnore
	if len(ignore) == 0 {
		ignore = config.VerifyIgnoreDefaults
	}
	repairer := verify.NewRepairer(verify.NewChecker(o.log, ignore), o.engine)
	return repairer.Repair(ctx, results, title.RepairBaseURL, installRoot, sink)
}

func (o *Orchestrator) chunkedSync(ctx context.Context, title config.Title, installRoot string, sink progress.Sink) error {
	if title.BranchURL == "" {
		return chunked.ErrManifestUnavailable
	}
	h, err := o.chunks.FetchManifest(ctx, title.BranchURL, title.MatchingField)
	if err != nil {
		return err
	}
	assets, err := o.chunks.LoadAssets(ctx, h)
	if err != nil {
		return err
	}
	if err := o.chunks.MaterializeAssets(ctx, h, assets, installRoot, sink); err != nil {
		return err
	}

	// Refresh the local integrity manifest so verify/repair tracks the new
	// file set.
	entries := make([]verify.Entry, 0, len(assets))
	for _, asset := range assets {
		if asset.IsDirectory {
			continue
		}
		entries = append(entries, verify.Entry{
			RemoteName: asset.Name,
			MD5:        asset.HashMD5,
			FileSize:   asset.Size,
		})
	}
	return verify.WriteManifest(filepath.Join(installRoot, verify.ManifestName), entries)
}

func (o *Orchestrator) applyDelta(ctx context.Context, gameID string, plan *UpdatePlan, installRoot, workDir string, sink progress.Sink) error {
	if err := o.reg.UpdateState(gameID, registry.StateDownloadingDelta); err != nil {
		return err
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return err
	}

	diffPath := filepath.Join(workDir, urlFileName(plan.Delta.URL))
	if !segmentValid(diffPath, *plan.Delta) {
		if err := o.engine.Download(ctx, plan.Delta.URL, diffPath, sink); err != nil {
			return err
		}
		if err := checkSegment(diffPath, *plan.Delta); err != nil {
			return err
		}
	}

	if err := o.reg.UpdateState(gameID, registry.StateApplyingPatch); err != nil {
		return err
	}

	// Patch output is always staged; the live install is only touched after
	// the patcher finishes, so cancellation mid-patch cannot corrupt it.
	stageDir := filepath.Join(workDir, "patched")
	if err := os.RemoveAll(stageDir); err != nil {
		return err
	}

	tracker := progress.NewTracker(sink, progress.DefaultInterval)
	tracker.Rebase()
	var lastCurrent int64
	onProgress := func(p patch.Progress) {
		tracker.SetTotal(p.Total)
		tracker.Add(p.Current - lastCurrent)
		lastCurrent = p.Current
	}

	if err := o.patcher.Apply(ctx, installRoot, diffPath, stageDir, onProgress); err != nil {
		return err
	}
	tracker.Flush()

	return o.promoteStaged(stageDir, installRoot)
}

// promoteStaged moves patched files over the live install. Every destination
// is validated against the install root before the move.
func (o *Orchestrator) promoteStaged(stageDir, installRoot string) error {
	return filepath.WalkDir(stageDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(stageDir, p)
		if err != nil {
			return err
		}
		dest, err := fsutil.SecureJoin(installRoot, rel)
		if err != nil {
			o.log.WithField("entry", rel).Warn("skipping patched file outside install root")
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		return moveFile(p, dest)
	})
}

func (o *Orchestrator) installFull(ctx context.Context, gameID string, plan *UpdatePlan, installRoot, workDir string, sink progress.Sink) error {
	if err := o.reg.UpdateState(gameID, registry.StateDownloadingFull); err != nil {
		return err
	}
	paths, err := o.downloadSegments(ctx, plan.Full, workDir, sink)
	if err != nil {
		return err
	}

	if err := o.reg.UpdateState(gameID, registry.StateExtracting); err != nil {
		return err
	}
	for _, p := range paths {
		// Only first parts of multi-part sets go to the extractor; it
		// discovers the trailing parts itself.
		if archive.IsTrailingPart(p) {
			continue
		}
		if err := o.installer.ExtractArchive(ctx, p, installRoot, sink); err != nil {
			return err
		}
	}
	return nil
}

// downloadSegments fetches the ordered package segments, skipping any
// segment already on disk with the right size and hash. That skip is what
// makes a multi-segment install resumable across process restarts.
func (o *Orchestrator) downloadSegments(ctx context.Context, refs []PackageRef, workDir string, sink progress.Sink) ([]string, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(refs))
	for _, ref := range refs {
		dest := filepath.Join(workDir, urlFileName(ref.URL))
		if segmentValid(dest, ref) {
			o.log.WithField("segment", dest).Debug("segment already valid, skipping")
			paths = append(paths, dest)
			continue
		}
		if err := o.engine.Download(ctx, ref.URL, dest, sink); err != nil {
			return nil, err
		}
		if err := checkSegment(dest, ref); err != nil {
			return nil, err
		}
		paths = append(paths, dest)
	}
	return paths, nil
}

func (o *Orchestrator) finalize(gameID, installRoot, version string) error {
	if err := o.reg.UpdateInstallPath(gameID, installRoot, true); err != nil {
		return err
	}
	if err := o.reg.UpdateVersion(gameID, version); err != nil {
		return err
	}
	return o.reg.UpdateState(gameID, registry.StateReady)
}

func (o *Orchestrator) revert(gameID string, wasInstalled bool) {
	state := registry.StateNotInstalled
	if wasInstalled {
		state = registry.StateNeedsUpdate
	}
	if err := o.reg.UpdateState(gameID, state); err != nil {
		o.log.WithError(err).Error("failed to revert game state")
	}
}

func urlFileName(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" && u.Path != "/" {
		return path.Base(u.Path)
	}
	return path.Base(strings.TrimRight(raw, "/"))
}

func segmentValid(path string, ref PackageRef) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if ref.Size > 0 && info.Size() != ref.Size {
		return false
	}
	if ref.MD5 == "" {
		return ref.Size > 0
	}
	actual, err := fileMD5(path)
	return err == nil && strings.EqualFold(actual, ref.MD5)
}

func checkSegment(path string, ref PackageRef) error {
	if ref.MD5 == "" {
		return nil
	}
	actual, err := fileMD5(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, ref.MD5) {
		return &chunked.IntegrityError{Name: path, Expected: strings.ToLower(ref.MD5), Actual: actual}
	}
	return nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// moveFile renames src over dest, falling back to copy+remove when the
// staging dir and install root live on different filesystems.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

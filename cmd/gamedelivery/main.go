package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/sirupsen/logrus"

	"github.com/halcyonlab/gamedelivery/internal/archive"
	"github.com/halcyonlab/gamedelivery/internal/chunked"
	"github.com/halcyonlab/gamedelivery/internal/config"
	"github.com/halcyonlab/gamedelivery/internal/patch"
	"github.com/halcyonlab/gamedelivery/internal/progress"
	"github.com/halcyonlab/gamedelivery/internal/registry"
	"github.com/halcyonlab/gamedelivery/internal/transfer"
	"github.com/halcyonlab/gamedelivery/internal/update"
	"github.com/halcyonlab/gamedelivery/internal/verify"
)

type CheckCmd struct {
	GameID string `arg:"positional,required" help:"Title ID from the config"`
}

type UpdateCmd struct {
	GameID string `arg:"positional,required" help:"Title ID from the config"`
}

type DownloadCmd struct {
	URL  string `arg:"positional,required" help:"File URL"`
	Path string `arg:"positional,required" help:"Destination file path"`
}

type SyncCmd struct {
	BranchURL     string `arg:"positional,required" help:"Branch endpoint URL"`
	Path          string `arg:"positional,required" help:"Output directory"`
	MatchingField string `arg:"positional" help:"Matching field name (usually 'game')"`
	Workers       int    `arg:"positional" help:"Amount of parallel chunk workers"`
}

type ExtractCmd struct {
	Archive string `arg:"positional,required" help:"Archive file path"`
	Path    string `arg:"positional,required" help:"Destination directory"`
}

type VerifyCmd struct {
	Target string `arg:"positional,required" help:"Title ID, or an install directory containing pkg_version"`
}

type RepairCmd struct {
	Target  string `arg:"positional,required" help:"Title ID, or an install directory containing pkg_version"`
	BaseURL string `arg:"positional" help:"Base URL for broken files (defaults to the title's repair source)"`
}

type Args struct {
	Check    *CheckCmd    `arg:"subcommand:check" help:"Check a configured title for updates"`
	Update   *UpdateCmd   `arg:"subcommand:update" help:"Update a configured title to the latest version"`
	Download *DownloadCmd `arg:"subcommand:download" help:"Download a single file with resume support"`
	Sync     *SyncCmd     `arg:"subcommand:sync" help:"Materialize a chunked build into a directory"`
	Extract  *ExtractCmd  `arg:"subcommand:extract" help:"Extract an archive into a directory"`
	Verify   *VerifyCmd   `arg:"subcommand:verify" help:"Verify an install against its pkg_version manifest"`
	Repair   *RepairCmd   `arg:"subcommand:repair" help:"Verify and re-download broken files"`
	Verbose  bool         `arg:"-v,--verbose" help:"Enable debug logging"`
	Limit    int64        `arg:"--limit" help:"Download speed limit in bytes per second (0 = unlimited)"`
}

func main() {
	var args Args
	p := arg.MustParse(&args)
	if p.Subcommand() == nil {
		p.Fail("no command specified")
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if args.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if args.Limit > 0 {
		cfg.SpeedLimit = args.Limit
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := newApp(cfg, log)

	switch {
	case args.Check != nil:
		err = app.runCheck(ctx, args.Check)
	case args.Update != nil:
		err = app.runUpdate(ctx, args.Update)
	case args.Download != nil:
		err = app.runDownload(ctx, args.Download)
	case args.Sync != nil:
		err = app.runSync(ctx, args.Sync)
	case args.Extract != nil:
		err = app.runExtract(ctx, args.Extract)
	case args.Verify != nil:
		err = app.runVerify(ctx, args.Verify)
	case args.Repair != nil:
		err = app.runRepair(ctx, args.Repair)
	}
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

type app struct {
	cfg    config.Config
	log    *logrus.Logger
	client *http.Client
	engine *transfer.Engine
	chunks *chunked.Client
	orch   *update.Orchestrator
}

func newApp(cfg config.Config, log *logrus.Logger) *app {
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 128,
			MaxConnsPerHost:     128,
		},
	}
	engine := transfer.NewEngine(client, cfg.MaxConcurrent, log)
	engine.SetSpeedLimit(cfg.SpeedLimit)
	chunks := chunked.NewClient(client, cfg.ChunkWorkers, log)
	installer := archive.NewInstaller(log)
	patcher := patch.NewExecPatcher(cfg.PatcherBinary, log)
	reg := registry.NewFileRegistry(cfg.RegistryPath)
	orch := update.NewOrchestrator(reg, cfg, engine, chunks, installer, patcher, client, log)
	return &app{cfg: cfg, log: log, client: client, engine: engine, chunks: chunks, orch: orch}
}

func (a *app) runCheck(ctx context.Context, cmd *CheckCmd) error {
	plan, err := a.orch.CheckUpdate(ctx, cmd.GameID)
	if err != nil {
		return err
	}
	if !plan.UpdateAvailable {
		fmt.Printf("%s is up to date (%s)\n", cmd.GameID, orDash(plan.CurrentVersion))
		return nil
	}
	fmt.Printf("%s: %s -> %s\n", cmd.GameID, orDash(plan.CurrentVersion), plan.LatestVersion)
	if plan.Delta != nil {
		fmt.Printf("  delta: %s (%s)\n", plan.Delta.URL, summarizeSize(float64(plan.Delta.Size)))
	}
	for _, pkg := range plan.Full {
		fmt.Printf("  full:  %s (%s)\n", pkg.URL, summarizeSize(float64(pkg.Size)))
	}
	return nil
}

func (a *app) runUpdate(ctx context.Context, cmd *UpdateCmd) error {
	if err := a.orch.Update(ctx, cmd.GameID, consoleSink()); err != nil {
		return err
	}
	fmt.Printf("\n%s updated\n", cmd.GameID)
	return nil
}

func (a *app) runDownload(ctx context.Context, cmd *DownloadCmd) error {
	if err := a.engine.Download(ctx, cmd.URL, cmd.Path, consoleSink()); err != nil {
		return err
	}
	fmt.Printf("\nDownloaded: %s\n", cmd.Path)
	return nil
}

func (a *app) runSync(ctx context.Context, cmd *SyncCmd) error {
	workers := cmd.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	chunks := chunked.NewClient(a.client, workers, a.log)
	h, err := chunks.FetchManifest(ctx, cmd.BranchURL, cmd.MatchingField)
	if err != nil {
		return err
	}
	fmt.Printf("Build %s (%s): %d files, %d chunks, %s\n",
		h.BuildID, h.Tag, h.FileCount, h.ChunkCount, summarizeSize(float64(h.TotalBytes)))
	if err := chunks.Materialize(ctx, h, cmd.Path, consoleSink()); err != nil {
		return err
	}
	fmt.Println("\nSync completed")
	return nil
}

func (a *app) runExtract(ctx context.Context, cmd *ExtractCmd) error {
	installer := archive.NewInstaller(a.log)
	if err := installer.ExtractArchive(ctx, cmd.Archive, cmd.Path, consoleSink()); err != nil {
		return err
	}
	fmt.Println("\nExtraction completed")
	return nil
}

func (a *app) runVerify(ctx context.Context, cmd *VerifyCmd) error {
	results, _, err := a.verifyTarget(ctx, cmd.Target)
	if err != nil {
		return err
	}
	broken := printResults(results)
	if broken > 0 {
		return fmt.Errorf("%d file(s) need repair", broken)
	}
	fmt.Println("All files OK")
	return nil
}

func (a *app) runRepair(ctx context.Context, cmd *RepairCmd) error {
	if _, err := a.cfg.TitleByID(cmd.Target); err == nil && cmd.BaseURL == "" {
		n, err := a.orch.RepairTitle(ctx, cmd.Target, consoleSink())
		if err != nil {
			return err
		}
		fmt.Printf("\nRepaired %d file(s)\n", n)
		return nil
	}

	results, root, err := a.verifyTarget(ctx, cmd.Target)
	if err != nil {
		return err
	}
	if printResults(results) == 0 {
		fmt.Println("Nothing to repair")
		return nil
	}
	if cmd.BaseURL == "" {
		return fmt.Errorf("no repair source: pass a base URL")
	}
	checker := verify.NewChecker(a.log, config.VerifyIgnoreDefaults)
	repairer := verify.NewRepairer(checker, a.engine)
	n, err := repairer.Repair(ctx, results, cmd.BaseURL, root, consoleSink())
	if err != nil {
		return err
	}
	fmt.Printf("\nRepaired %d file(s)\n", n)
	return nil
}

// verifyTarget resolves a configured title ID through the orchestrator, or
// treats the argument as an install directory.
func (a *app) verifyTarget(ctx context.Context, target string) ([]verify.Result, string, error) {
	if _, err := a.cfg.TitleByID(target); err == nil {
		return a.orch.VerifyTitle(ctx, target)
	}
	entries, err := verify.LoadManifest(filepath.Join(target, verify.ManifestName))
	if err != nil {
		return nil, "", err
	}
	checker := verify.NewChecker(a.log, config.VerifyIgnoreDefaults)
	results, err := checker.VerifyInstall(ctx, entries, target)
	return results, target, err
}

func printResults(results []verify.Result) int {
	broken := 0
	for _, r := range results {
		if r.Status == verify.StatusValid {
			continue
		}
		fmt.Printf("%-14s %s\n", r.Status, r.Path)
		if r.Status.Broken() {
			broken++
		}
	}
	return broken
}

func consoleSink() progress.Sink {
	return progress.SinkFunc(func(s progress.Snapshot) {
		line := fmt.Sprintf("\r%s/%s (%s/s)",
			summarizeSize(float64(s.Transferred)),
			summarizeSize(float64(s.TotalBytes)),
			summarizeSize(s.Speed))
		if s.TotalFiles > 0 {
			line += fmt.Sprintf(" | %d/%d files", s.Files, s.TotalFiles)
		}
		fmt.Print(line + "    ")
	})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

var sizeSuffixes = []string{"B", "KB", "MB", "GB", "TB", "PB", "EB"}

func summarizeSize(value float64, decimalPlaces ...int) string {
	if value == 0 {
		return "0 B"
	}
	dp := 2
	if len(decimalPlaces) > 0 {
		dp = decimalPlaces[0]
	}
	mag := 0
	for value >= 1024 && mag < len(sizeSuffixes)-1 {
		value /= 1024
		mag++
	}
	return fmt.Sprintf("%."+strconv.Itoa(dp)+"f %s", value, sizeSuffixes[mag])
}

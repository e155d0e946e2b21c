package archive

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/halcyonlab/gamedelivery/internal/progress"
)

// nativeExtractor drives the 7z binary. It is much faster than in-process
// extraction on large archives and discovers trailing parts of multi-part
// sets (.001/.002/...) on its own when handed the first part.
type nativeExtractor struct {
	log    *logrus.Logger
	binary string
}

func newNativeExtractor(log *logrus.Logger) *nativeExtractor {
	for _, name := range []string{"7z", "7zz", "7za"} {
		if path, err := exec.LookPath(name); err == nil {
			return &nativeExtractor{log: log, binary: path}
		}
	}
	return &nativeExtractor{log: log}
}

func (n *nativeExtractor) Name() string    { return "7z" }
func (n *nativeExtractor) Available() bool { return n.binary != "" }

// archiveTotals obtains file count and total uncompressed size via a
// separate list invocation. The extract pass only emits percentages, so the
// totals are needed to estimate processed bytes from them.
func (n *nativeExtractor) archiveTotals(ctx context.Context, archivePath string) (files int, size int64, err error) {
	cmd := exec.CommandContext(ctx, n.binary, "l", "-slt", "-ba", archivePath)
	out, err := cmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("7z list: %w", err)
	}

	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "Path = "):
			files++
		case strings.HasPrefix(line, "Size = "):
			if v, perr := strconv.ParseInt(strings.TrimPrefix(line, "Size = "), 10, 64); perr == nil {
				size += v
			}
		}
	}
	return files, size, nil
}

func (n *nativeExtractor) Extract(ctx context.Context, archivePath, destDir string, tracker *progress.Tracker) error {
	files, size, err := n.archiveTotals(ctx, archivePath)
	if err != nil {
		return err
	}
	tracker.SetTotal(size)
	tracker.SetTotalFiles(files)

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	// -bsp1 streams an unstructured percentage to stdout; processed bytes and
	// files are estimated from it against the totals obtained above.
	cmd := exec.CommandContext(ctx, n.binary, "x", "-y", "-bsp1", "-o"+destDir, archivePath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start 7z: %w", err)
	}

	var reported int64
	sc := bufio.NewScanner(stdout)
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		word := sc.Text()
		if !strings.HasSuffix(word, "%") {
			continue
		}
		pct, perr := strconv.Atoi(strings.TrimSuffix(word, "%"))
		if perr != nil || pct < 0 || pct > 100 {
			continue
		}
		estimated := size * int64(pct) / 100
		if estimated > reported {
			tracker.Add(estimated - reported)
			reported = estimated
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("7z extract: %w", err)
	}
	if size > reported {
		tracker.Add(size - reported)
	}
	return nil
}

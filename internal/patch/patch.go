// Package patch wraps the external binary-diff patcher: given an old install
// tree and a diff file it produces a patched output tree. The orchestrator
// always points outDir at a staging location and moves results into place
// itself, so a failed or cancelled patch never touches the live install.
package patch

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Progress reports bytes patched so far against the expected total.
type Progress struct {
	Current     int64
	Total       int64
	BytesPerSec float64
}

// Patcher applies a binary diff against an old install directory.
type Patcher interface {
	Apply(ctx context.Context, oldDir, diffFile, outDir string, onProgress func(Progress)) error
}

// ExecPatcher shells out to an hpatch-style executable:
// <binary> <oldDir> <diffFile> <outDir>. Progress lines of the form
// "patched <current>/<total>" on stdout are forwarded when present.
type ExecPatcher struct {
	binary string
	log    *logrus.Logger
}

func NewExecPatcher(binary string, log *logrus.Logger) *ExecPatcher {
	if log == nil {
		log = logrus.New()
	}
	return &ExecPatcher{binary: binary, log: log}
}

func (p *ExecPatcher) Available() bool {
	_, err := exec.LookPath(p.binary)
	return err == nil
}

func (p *ExecPatcher) Apply(ctx context.Context, oldDir, diffFile, outDir string, onProgress func(Progress)) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, p.binary, oldDir, diffFile, outDir)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start patcher: %w", err)
	}

	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		if onProgress == nil {
			continue
		}
		if prog, ok := parseProgressLine(sc.Text()); ok {
			onProgress(prog)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("apply patch: %w", err)
	}
	return nil
}

func parseProgressLine(line string) (Progress, bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) != 2 || fields[0] != "patched" {
		return Progress{}, false
	}
	parts := strings.SplitN(fields[1], "/", 2)
	if len(parts) != 2 {
		return Progress{}, false
	}
	current, err1 := strconv.ParseInt(parts[0], 10, 64)
	total, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return Progress{}, false
	}
	return Progress{Current: current, Total: total}, true
}

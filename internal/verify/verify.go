// Package verify checks an installed tree against its local integrity
// manifest and repairs files that fail. The manifest is the launcher's
// pkg_version format: one JSON object per line with the remote name, MD5 and
// size of each expected file.
package verify

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/halcyonlab/gamedelivery/internal/fsutil"
)

// ManifestName is the per-title integrity manifest file at the install root.
const ManifestName = "pkg_version"

// Entry is one file's expected identity. Immutable once loaded.
type Entry struct {
	RemoteName string `json:"remoteName"`
	MD5        string `json:"md5"`
	FileSize   int64  `json:"fileSize"`
}

// Status classifies a local file against its manifest entry.
type Status int

const (
	StatusValid Status = iota
	StatusMissing
	StatusSizeMismatch
	StatusHashMismatch
	StatusExtra
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusMissing:
		return "missing"
	case StatusSizeMismatch:
		return "size mismatch"
	case StatusHashMismatch:
		return "hash mismatch"
	case StatusExtra:
		return "extra"
	default:
		return "unknown"
	}
}

// Broken reports whether the file needs a repair download. Extra files are
// not broken; they may be user data and are never deleted.
func (s Status) Broken() bool {
	return s == StatusMissing || s == StatusSizeMismatch || s == StatusHashMismatch
}

// Result is the verification outcome for one path.
type Result struct {
	Path         string
	Status       Status
	ExpectedSize int64
	ActualSize   int64
	ExpectedHash string
	ActualHash   string
}

// LoadManifest reads a pkg_version manifest (one JSON object per line).
// Unparseable lines are skipped rather than failing the whole manifest.
func LoadManifest(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

// WriteManifest writes entries in pkg_version line format.
func WriteManifest(path string, entries []Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Checker verifies installs. Paths matching the ignore list (logs, config,
// screenshots and similar user data) are exempt from the extra-file scan.
type Checker struct {
	log    *logrus.Logger
	ignore []string
}

func NewChecker(log *logrus.Logger, ignore []string) *Checker {
	if log == nil {
		log = logrus.New()
	}
	return &Checker{log: log, ignore: ignore}
}

// VerifyInstall classifies every manifest entry against the local tree and
// flags on-disk files absent from the manifest as Extra.
func (c *Checker) VerifyInstall(ctx context.Context, entries []Entry, installRoot string) ([]Result, error) {
	results := make([]Result, 0, len(entries))
	known := make(map[string]struct{}, len(entries))

	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		known[filepath.ToSlash(e.RemoteName)] = struct{}{}

		path, err := fsutil.SecureJoin(installRoot, e.RemoteName)
		if err != nil {
			c.log.WithField("entry", e.RemoteName).Warn("skipping manifest entry outside install root")
			continue
		}
		results = append(results, c.checkEntry(e, path))
	}

	extras, err := c.scanExtras(ctx, installRoot, known)
	if err != nil {
		return nil, err
	}
	return append(results, extras...), nil
}

func (c *Checker) checkEntry(e Entry, path string) Result {
	res := Result{Path: e.RemoteName, ExpectedSize: e.FileSize, ExpectedHash: e.MD5}

	info, err := os.Stat(path)
	if err != nil {
		res.Status = StatusMissing
		return res
	}
	res.ActualSize = info.Size()
	if info.Size() != e.FileSize {
		res.Status = StatusSizeMismatch
		return res
	}

	actual, err := fileMD5(path)
	if err != nil {
		res.Status = StatusMissing
		return res
	}
	res.ActualHash = actual
	if !strings.EqualFold(actual, e.MD5) {
		res.Status = StatusHashMismatch
		return res
	}
	res.Status = StatusValid
	return res
}

func (c *Checker) scanExtras(ctx context.Context, installRoot string, known map[string]struct{}) ([]Result, error) {
	var extras []Result
	err := filepath.WalkDir(installRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(installRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestName || strings.HasSuffix(rel, ".partial") {
			return nil
		}
		if _, ok := known[rel]; ok {
			return nil
		}
		if c.ignored(rel) {
			return nil
		}
		extras = append(extras, Result{Path: rel, Status: StatusExtra})
		return nil
	})
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("install root %s does not exist", installRoot)
	}
	return extras, err
}

func (c *Checker) ignored(rel string) bool {
	for _, pattern := range c.ignore {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if strings.HasPrefix(rel, strings.TrimSuffix(pattern, "/")+"/") {
			return true
		}
	}
	return false
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

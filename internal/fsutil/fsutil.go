// Package fsutil holds the path-security policy shared by every component
// that writes files named by remote data: the resolved destination of any
// entry must stay inside the resolved destination root.
package fsutil

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathEscapes marks an entry whose destination would resolve outside the
// destination root, via `..` segments or an absolute path.
var ErrPathEscapes = errors.New("path escapes destination root")

// SecureJoin joins name onto root and verifies the result stays under root.
func SecureJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(filepath.ToSlash(name), "/") {
		return "", fmt.Errorf("%w: %q is absolute", ErrPathEscapes, name)
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	joined, err := filepath.Abs(filepath.Join(rootAbs, filepath.FromSlash(name)))
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(rootAbs, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapes, name)
	}
	return joined, nil
}

package chunked

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/halcyonlab/gamedelivery/internal/fsutil"
	"github.com/halcyonlab/gamedelivery/internal/progress"
)

const chunkBufferSize = 32 << 10

// Materialize fetches the manifest and assembles its full file set under
// destDir.
func (c *Client) Materialize(ctx context.Context, h *ManifestHandle, destDir string, sink progress.Sink) error {
	assets, err := withRetry(ctx, c.log, "load manifest", 3, 0, func(ctx context.Context) ([]Asset, error) {
		return c.LoadAssets(ctx, h)
	})
	if err != nil {
		return err
	}
	return c.MaterializeAssets(ctx, h, assets, destDir, sink)
}

// MaterializeAssets assembles an already-loaded asset list under destDir.
// Directory placeholders are created before any file beneath them; each
// file's chunks are fetched in parallel and written at their byte offsets.
// Chunks already valid on disk are skipped, which is what makes a cancelled
// run resumable: resume state is derived from file contents, never persisted.
func (c *Client) MaterializeAssets(ctx context.Context, h *ManifestHandle, assets []Asset, destDir string, sink progress.Sink) error {
	tracker := progress.NewTracker(sink, progress.DefaultInterval)
	tracker.SetTotal(h.TotalBytes)
	tracker.Rebase()

	var files []Asset
	for _, asset := range assets {
		if !asset.IsDirectory {
			files = append(files, asset)
			continue
		}
		dir, err := fsutil.SecureJoin(destDir, asset.Name)
		if err != nil {
			c.log.WithField("entry", asset.Name).Warn("skipping manifest entry outside destination root")
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tracker.SetTotalFiles(len(files))

	for _, asset := range files {
		if err := c.materializeAsset(ctx, h, asset, destDir, tracker); err != nil {
			tracker.Flush()
			return err
		}
		tracker.FileDone()
	}

	tracker.Flush()
	return nil
}

func (c *Client) materializeAsset(ctx context.Context, h *ManifestHandle, asset Asset, destDir string, tracker *progress.Tracker) error {
	path, err := fsutil.SecureJoin(destDir, asset.Name)
	if err != nil {
		c.log.WithField("entry", asset.Name).Warn("skipping manifest entry outside destination root")
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	// Trim stale bytes past the declared size; offset writes below extend the
	// file as chunks land, in any completion order.
	if info, err := f.Stat(); err == nil && info.Size() > asset.Size {
		if err := f.Truncate(asset.Size); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, chunk := range asset.Chunks {
		chunk := chunk
		g.Go(func() error {
			return c.fetchChunk(gctx, h, f, chunk, tracker)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if asset.HashMD5 != "" {
		actual, err := md5Region(f, 0, asset.Size)
		if err != nil {
			return err
		}
		if actual != asset.HashMD5 {
			return &IntegrityError{Name: asset.Name, Expected: asset.HashMD5, Actual: actual}
		}
	}

	c.log.WithFields(logrus.Fields{"asset": asset.Name, "bytes": asset.Size}).Debug("asset materialized")
	return nil
}

func (c *Client) fetchChunk(ctx context.Context, h *ManifestHandle, f *os.File, chunk Chunk, tracker *progress.Tracker) error {
	if c.chunkValid(f, chunk) {
		tracker.Add(chunk.SizeDecompressed)
		return nil
	}

	_, err := withRetry(ctx, c.log, "chunk "+chunk.Name, defaultRetryAttempts, defaultRetryDelay,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.downloadChunk(ctx, h, f, chunk, tracker)
		})
	return err
}

// chunkValid reports whether the bytes already at the chunk's offset match
// its declared digest. The XXH64 embedded in the chunk name is tried first as
// a cheap rejection; MD5 confirms.
func (c *Client) chunkValid(f *os.File, chunk Chunk) bool {
	info, err := f.Stat()
	if err != nil || info.Size() < chunk.Offset+chunk.SizeDecompressed {
		return false
	}

	if want, ok := chunkXXH64FromName(chunk.Name); ok {
		got, err := xxh64Region(f, chunk.Offset, chunk.SizeDecompressed)
		if err != nil || got != want {
			return false
		}
	}

	if len(chunk.HashMD5) == 0 {
		return false
	}
	actual, err := md5Region(f, chunk.Offset, chunk.SizeDecompressed)
	return err == nil && actual == hex.EncodeToString(chunk.HashMD5)
}

// getChunk fetches a chunk from the primary base URL, falling back once to
// the alternate source when one is configured.
func (c *Client) getChunk(ctx context.Context, h *ManifestHandle, name string) (*http.Response, error) {
	bases := []string{h.ChunkBaseURL}
	if h.ChunkAltBaseURL != "" {
		bases = append(bases, h.ChunkAltBaseURL)
	}

	var lastErr error
	for i, base := range bases {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(base, name), nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("fetch chunk %s: %w", name, err)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("fetch chunk %s: status %s", name, resp.Status)
			continue
		}
		if i > 0 {
			c.log.WithField("chunk", name).Debug("chunk served by alternate source")
		}
		return resp, nil
	}
	return nil, lastErr
}

func (c *Client) downloadChunk(ctx context.Context, h *ManifestHandle, f *os.File, chunk Chunk, tracker *progress.Tracker) error {
	resp, err := c.getChunk(ctx, h, chunk.Name)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var src io.Reader = resp.Body
	if h.ChunksZstd {
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("chunk zstd: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	hash := md5.New()
	out := io.NewOffsetWriter(f, chunk.Offset)
	buf := make([]byte, chunkBufferSize)
	var written int64

	remain := chunk.SizeDecompressed
	for remain > 0 {
		toRead := int64(len(buf))
		if remain < toRead {
			toRead = remain
		}
		n, rerr := io.ReadFull(src, buf[:toRead])
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				tracker.Add(-written)
				return werr
			}
			hash.Write(buf[:n])
			written += int64(n)
			remain -= int64(n)
			tracker.Add(int64(n))
		}
		if rerr != nil {
			if remain == 0 && (errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF)) {
				break
			}
			tracker.Add(-written)
			return fmt.Errorf("read chunk %s: %w", chunk.Name, rerr)
		}
	}

	if sum := hash.Sum(nil); !bytes.Equal(sum, chunk.HashMD5) {
		tracker.Add(-written)
		return &IntegrityError{
			Name:     chunk.Name,
			Expected: hex.EncodeToString(chunk.HashMD5),
			Actual:   hex.EncodeToString(sum),
		}
	}
	return nil
}

func md5Region(r io.ReaderAt, off, length int64) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, io.NewSectionReader(r, off, length)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Package chunked implements the manifest-driven chunk transport. A file set
// is described as content-addressed chunks which are fetched independently in
// parallel and assembled at their byte offsets, so only the bytes a title
// actually needs are transferred and retries happen per chunk, not per file.
package chunked

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrManifestUnavailable means the branch or manifest lookup did not resolve
// for the requested title. Callers fall back to the traditional transport; it
// is not a failure of the overall operation.
var ErrManifestUnavailable = errors.New("chunk manifest unavailable")

// Branch endpoint response envelope. Field names follow the wire format of
// the game-packages API.
type branchResponse struct {
	Retcode int         `json:"retcode"`
	Message string      `json:"message"`
	Data    *branchData `json:"data"`
}

type branchData struct {
	BuildID   string             `json:"build_id"`
	Tag       string             `json:"tag"`
	Manifests []manifestIdentity `json:"manifests"`
}

type manifestIdentity struct {
	CategoryName     string           `json:"category_name"`
	MatchingField    string           `json:"matching_field"`
	Manifest         manifestFileInfo `json:"manifest"`
	ManifestDownload urlInfo          `json:"manifest_download"`
	ChunkDownload    urlInfo          `json:"chunk_download"`
	Stats            chunkStats       `json:"stats"`
}

type manifestFileInfo struct {
	ID               string `json:"id"`
	Checksum         string `json:"checksum"`
	CompressedSize   int64  `json:"compressed_size,string"`
	UncompressedSize int64  `json:"uncompressed_size,string"`
}

type urlInfo struct {
	URLPrefix   string   `json:"url_prefix"`
	URLSuffix   string   `json:"url_suffix"`
	Compression flexBool `json:"compression"`
}

type chunkStats struct {
	FileCount        int   `json:"file_count,string"`
	ChunkCount       int   `json:"chunk_count,string"`
	CompressedSize   int64 `json:"compressed_size,string"`
	UncompressedSize int64 `json:"uncompressed_size,string"`
}

// ManifestHandle is the resolved branch/credential triple: everything needed
// to fetch the authoritative chunk manifest and its chunks.
type ManifestHandle struct {
	BuildID          string
	Tag              string
	ManifestURL      string
	ManifestChecksum string
	ManifestZstd     bool
	ChunkBaseURL     string
	// ChunkAltBaseURL, when set by the caller, is tried once per chunk after
	// the primary source fails with a transport error or non-success status.
	ChunkAltBaseURL string
	ChunksZstd      bool
	TotalBytes      int64
	FileCount       int
	ChunkCount      int
}

// Client fetches chunk manifests and materializes the file sets they
// describe. The HTTP client is injected and lifetime-scoped by the caller.
type Client struct {
	client  *http.Client
	log     *logrus.Logger
	workers int
}

func NewClient(client *http.Client, workers int, log *logrus.Logger) *Client {
	if client == nil {
		client = &http.Client{}
	}
	if workers <= 0 {
		workers = 8
	}
	if log == nil {
		log = logrus.New()
	}
	return &Client{client: client, workers: workers, log: log}
}

// FetchManifest performs the two-step handshake: resolve the branch envelope
// for the title's matching field, then derive the manifest and chunk URLs.
// Every non-resolving shape maps to ErrManifestUnavailable.
func (c *Client) FetchManifest(ctx context.Context, branchURL, matchingField string) (*ManifestHandle, error) {
	if matchingField == "" {
		matchingField = "game"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, branchURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("branch lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: branch endpoint returned %s", ErrManifestUnavailable, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("branch lookup: %w", err)
	}

	var branch branchResponse
	if err := json.Unmarshal(body, &branch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnavailable, err)
	}
	if branch.Retcode != 0 || branch.Data == nil {
		return nil, fmt.Errorf("%w: retcode %d: %s", ErrManifestUnavailable, branch.Retcode, branch.Message)
	}

	var ident *manifestIdentity
	for i := range branch.Data.Manifests {
		if branch.Data.Manifests[i].MatchingField == matchingField {
			ident = &branch.Data.Manifests[i]
			break
		}
	}
	if ident == nil {
		return nil, fmt.Errorf("%w: no manifest with matching field %q", ErrManifestUnavailable, matchingField)
	}

	return &ManifestHandle{
		BuildID:          branch.Data.BuildID,
		Tag:              branch.Data.Tag,
		ManifestURL:      joinURL(ident.ManifestDownload.URLPrefix, ident.Manifest.ID),
		ManifestChecksum: ident.Manifest.Checksum,
		ManifestZstd:     bool(ident.ManifestDownload.Compression),
		ChunkBaseURL:     strings.TrimRight(ident.ChunkDownload.URLPrefix, "/"),
		ChunksZstd:       bool(ident.ChunkDownload.Compression),
		TotalBytes:       ident.Stats.UncompressedSize,
		FileCount:        ident.Stats.FileCount,
		ChunkCount:       ident.Stats.ChunkCount,
	}, nil
}

func joinURL(prefix, name string) string {
	return strings.TrimRight(prefix, "/") + "/" + name
}

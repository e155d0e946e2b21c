package chunked

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

// Chunk is one content-addressed piece of an asset. Concatenating chunk
// payloads in offset order reconstructs the exact file bytes; each chunk is
// independently fetchable and verifiable.
type Chunk struct {
	Name             string
	HashMD5          []byte // hash of the decompressed payload
	Offset           int64
	Size             int64 // network (possibly compressed) size
	SizeDecompressed int64
}

// Asset is one file (or directory placeholder) described by the manifest.
// Immutable once decoded.
type Asset struct {
	Name        string
	HashMD5     string
	Size        int64
	IsDirectory bool
	Chunks      []Chunk
}

// Manifest wire format (protobuf):
//
//	message Manifest { repeated Asset assets = 1; }
//	message Asset   { string name = 1; string md5 = 2; int64 size = 3;
//	                  int32 kind = 4; repeated Chunk chunks = 5; }
//	message Chunk   { string name = 1; string md5 = 2; int64 offset = 3;
//	                  int64 size = 4; int64 size_decompressed = 5; }
//
// kind != 0 marks a directory placeholder. Decoding uses the protobuf wire
// API directly; unknown fields are skipped so newer manifests stay readable.
const (
	fieldManifestAssets = 1

	fieldAssetName   = 1
	fieldAssetMD5    = 2
	fieldAssetSize   = 3
	fieldAssetKind   = 4
	fieldAssetChunks = 5

	fieldChunkName     = 1
	fieldChunkMD5      = 2
	fieldChunkOffset   = 3
	fieldChunkSize     = 4
	fieldChunkDecSize  = 5
)

// LoadAssets downloads and decodes the chunk manifest for the handle,
// verifying its checksum before trusting any of it.
func (c *Client) LoadAssets(ctx context.Context, h *ManifestHandle) ([]Asset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.ManifestURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: manifest fetch returned %s", ErrManifestUnavailable, resp.Status)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}

	if h.ManifestChecksum != "" {
		sum := md5.Sum(raw)
		if !strings.EqualFold(hex.EncodeToString(sum[:]), h.ManifestChecksum) {
			return nil, &IntegrityError{
				Name:     h.ManifestURL,
				Expected: h.ManifestChecksum,
				Actual:   hex.EncodeToString(sum[:]),
			}
		}
	}

	if h.ManifestZstd {
		zr, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("manifest zstd: %w", err)
		}
		raw, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("manifest zstd: %w", err)
		}
	}

	assets, err := decodeManifest(raw)
	if err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return assets, nil
}

func decodeManifest(data []byte) ([]Asset, error) {
	var assets []Asset
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		if num == fieldManifestAssets && typ == protowire.BytesType {
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			asset, err := decodeAsset(msg)
			if err != nil {
				return nil, err
			}
			assets = append(assets, asset)
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
	}
	return assets, nil
}

func decodeAsset(data []byte) (Asset, error) {
	var a Asset
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return a, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == fieldAssetName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return a, protowire.ParseError(n)
			}
			a.Name = string(v)
			data = data[n:]
		case num == fieldAssetMD5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return a, protowire.ParseError(n)
			}
			a.HashMD5 = string(v)
			data = data[n:]
		case num == fieldAssetSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return a, protowire.ParseError(n)
			}
			a.Size = int64(v)
			data = data[n:]
		case num == fieldAssetKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return a, protowire.ParseError(n)
			}
			a.IsDirectory = v != 0
			data = data[n:]
		case num == fieldAssetChunks && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return a, protowire.ParseError(n)
			}
			data = data[n:]
			chunk, err := decodeChunk(msg)
			if err != nil {
				return a, err
			}
			a.Chunks = append(a.Chunks, chunk)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return a, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	// Directory placeholders legitimately carry no hash.
	if a.HashMD5 == "" && len(a.Chunks) == 0 {
		a.IsDirectory = true
	}
	return a, nil
}

func decodeChunk(data []byte) (Chunk, error) {
	var c Chunk
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return c, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == fieldChunkName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return c, protowire.ParseError(n)
			}
			c.Name = string(v)
			data = data[n:]
		case num == fieldChunkMD5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return c, protowire.ParseError(n)
			}
			raw, err := hex.DecodeString(string(v))
			if err != nil {
				return c, fmt.Errorf("chunk hash: %w", err)
			}
			c.HashMD5 = raw
			data = data[n:]
		case num == fieldChunkOffset && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return c, protowire.ParseError(n)
			}
			c.Offset = int64(v)
			data = data[n:]
		case num == fieldChunkSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return c, protowire.ParseError(n)
			}
			c.Size = int64(v)
			data = data[n:]
		case num == fieldChunkDecSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return c, protowire.ParseError(n)
			}
			c.SizeDecompressed = int64(v)
			data = data[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return c, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if c.SizeDecompressed == 0 {
		c.SizeDecompressed = c.Size
	}
	return c, nil
}

// chunkXXH64FromName extracts the XXH64 digest embedded in chunk names of
// the form "<16 hex chars>_<ordinal>". Used as a cheap pre-check before the
// full MD5 pass when deciding whether on-disk bytes can be kept.
func chunkXXH64FromName(name string) (uint64, bool) {
	parts := strings.SplitN(name, "_", 2)
	if len(parts) != 2 || len(parts[0]) != 16 {
		return 0, false
	}
	raw, err := hex.DecodeString(parts[0])
	if err != nil {
		return 0, false
	}
	var v uint64
	for _, b := range raw {
		v = v<<8 | uint64(b)
	}
	return v, true
}

// xxh64Region hashes len bytes of r starting at off.
func xxh64Region(r io.ReaderAt, off, length int64) (uint64, error) {
	h := xxhash.New()
	if _, err := io.Copy(h, io.NewSectionReader(r, off, length)); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

package intercept

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// BlobCache holds voice-note audio bytes on disk. It is a derived,
// disposable cache: the durable transcript in the media collection is the
// content guarantee, so losing this directory only degrades playback.
type BlobCache struct {
	dir string
}

// NewBlobCache creates (if needed) the audio blob directory.
func NewBlobCache(dir string) (*BlobCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &BlobCache{dir: dir}, nil
}

// Put stores audio bytes for a voice-note id and returns the ref recorded in
// the media row. Refs are content-addressed by id so re-caching overwrites.
func (b *BlobCache) Put(id string, data []byte) (string, error) {
	ref := blobRef(id)
	if err := os.WriteFile(filepath.Join(b.dir, ref), data, 0o644); err != nil {
		return "", fmt.Errorf("writing audio blob: %w", err)
	}
	return ref, nil
}

// Read returns the audio bytes for a ref previously returned by Put.
func (b *BlobCache) Read(ref string) ([]byte, error) {
	return os.ReadFile(filepath.Join(b.dir, ref))
}

// Path returns the on-disk location of a ref, for callers that stream the
// file instead of loading it.
func (b *BlobCache) Path(ref string) string {
	return filepath.Join(b.dir, ref)
}

// blobRef derives a filesystem-safe name from a server media id.
func blobRef(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:8]) + ".audio"
}

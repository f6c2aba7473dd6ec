package source

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Cache is a disk-backed HTTP cache for ICS feeds, keyed by URL. It stores
// the validators (ETag, Last-Modified) next to the last body so fetches can
// be conditional and a 304 costs nothing.
type Cache struct {
	dir string
}

// NewCache returns a Cache rooted at dataDir.
func NewCache(dataDir string) *Cache {
	return &Cache{dir: filepath.Join(dataDir, "cache")}
}

type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (c *Cache) pathFor(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:8]))
}

// load returns the stored validators and body for url. Missing or corrupt
// entries come back empty; the caller just fetches unconditionally.
func (c *Cache) load(url string) (cacheEntry, []byte) {
	dir := c.pathFor(url)

	var meta cacheEntry
	if data, err := os.ReadFile(filepath.Join(dir, "meta.json")); err == nil {
		if err := json.Unmarshal(data, &meta); err != nil {
			meta = cacheEntry{}
		}
	}

	body, err := os.ReadFile(filepath.Join(dir, "body.ics"))
	if err != nil {
		body = nil
	}
	return meta, body
}

// store saves a fresh body and its validators. Body first, so the metadata
// never points at a missing body.
func (c *Cache) store(url, etag, lastModified string, body []byte) error {
	dir := c.pathFor(url)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(dir, "body.ics"), body, 0600); err != nil {
		return err
	}

	meta := cacheEntry{
		URL:          url,
		ETag:         etag,
		LastModified: lastModified,
		UpdatedAt:    time.Now().UTC(),
	}
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), data, 0600)
}

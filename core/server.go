package core

import (
	"os"
	"sync"
	"time"
)

type cachedDigest struct {
	Size    int64
	ModTime time.Time
	Digest  string
}

// DigestCache remembers file digests so a file is only hashed again after it
// has been modified.
type DigestCache struct {
	mu      sync.Mutex
	entries map[string]cachedDigest
}

func NewDigestCache() *DigestCache {
	return &DigestCache{entries: make(map[string]cachedDigest)}
}

// Lookup returns the cached digest of path if info still describes the file
// it was computed from.
func (c *DigestCache) Lookup(path string, info os.FileInfo) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[path]
	if !ok || e.Size != info.Size() || !e.ModTime.Equal(info.ModTime()) {
		return "", false
	}
	return e.Digest, true
}

func (c *DigestCache) Store(path string, info os.FileInfo, digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = cachedDigest{Size: info.Size(), ModTime: info.ModTime(), Digest: digest}
}

func (c *DigestCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

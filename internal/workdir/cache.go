package workdir

import (
	"os"
	"time"
)

const cacheExpiry = 7 * 24 * time.Hour

// Cache remembers which workdir serves which source URL, so a rerun resumes
// into the same directory even when invoked with a different relative output
// path. It is a best-effort convenience: every method degrades to a no-op
// when the cache is disabled or unreadable.
type Cache struct {
	Path     string
	Disabled bool
}

type cacheEntry struct {
	Workdir    string `json:"workdir"`
	LastAccess int64  `json:"last_access"`
}

type cacheFile struct {
	SchemaVersion int                   `json:"schema_version"`
	Entries       map[string]cacheEntry `json:"entries"`
}

func (c *Cache) load() cacheFile {
	data := cacheFile{SchemaVersion: 1, Entries: map[string]cacheEntry{}}
	if c.Disabled {
		return data
	}
	if err := ReadJSON(c.Path, &data); err != nil || data.Entries == nil {
		data.Entries = map[string]cacheEntry{}
	}

	cutoff := time.Now().Add(-cacheExpiry).Unix()
	for url, e := range data.Entries {
		if e.LastAccess < cutoff {
			delete(data.Entries, url)
		}
	}
	return data
}

func (c *Cache) save(data cacheFile) {
	if c.Disabled {
		return
	}
	_ = WriteJSON(c.Path, data)
}

// Lookup returns the cached workdir for url, if it still exists on disk.
func (c *Cache) Lookup(url string) (string, bool) {
	if c.Disabled {
		return "", false
	}
	data := c.load()
	entry, ok := data.Entries[url]
	if !ok {
		return "", false
	}
	if info, err := os.Stat(entry.Workdir); err != nil || !info.IsDir() {
		delete(data.Entries, url)
		c.save(data)
		return "", false
	}
	entry.LastAccess = time.Now().Unix()
	data.Entries[url] = entry
	c.save(data)
	return entry.Workdir, true
}

// Store records the workdir serving url.
func (c *Cache) Store(url, dir string) {
	if c.Disabled {
		return
	}
	data := c.load()
	data.Entries[url] = cacheEntry{Workdir: dir, LastAccess: time.Now().Unix()}
	c.save(data)
}

// Drop forgets the entry for url.
func (c *Cache) Drop(url string) {
	if c.Disabled {
		return
	}
	data := c.load()
	delete(data.Entries, url)
	c.save(data)
}

package triage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/user/stigharden/pkg/store"
)

// FileCache keeps all entries in one JSON document, rewritten atomically on
// every new entry.
type FileCache struct {
	mu      sync.RWMutex
	path    string
	entries map[string]string
}

// OpenFileCache loads triage_cache.json from dir.
func OpenFileCache(dir string) (*FileCache, error) {
	c := &FileCache{path: filepath.Join(dir, "triage_cache.json")}
	if _, err := store.ReadJSON(c.path, &c.entries); err != nil {
		return nil, fmt.Errorf("load triage cache: %w", err)
	}
	if c.entries == nil {
		c.entries = make(map[string]string)
	}
	return c, nil
}

func (c *FileCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return []byte(v), true, nil
}

func (c *FileCache) PutIfAbsent(_ context.Context, key string, value []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return false, nil
	}
	c.entries[key] = string(value)
	if err := store.WriteJSONAtomic(c.path, c.entries); err != nil {
		delete(c.entries, key)
		return false, err
	}
	return true, nil
}

func (c *FileCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *FileCache) Close() error { return nil }

package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const cacheFileName = "cache.yaml"

// FileCache implements CacheStore as a single YAML file under dir. Writes
// go through a temp file and rename so a crash never leaves a torn file.
type FileCache struct {
	path string
	mu   sync.Mutex
}

// NewFileCache creates (if needed) dir and returns a cache stored inside it.
func NewFileCache(dir string) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
	}
	return &FileCache{path: filepath.Join(dir, cacheFileName)}, nil
}

func (c *FileCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.load()
	if err != nil {
		return "", false, err
	}
	value, ok := entries[key]
	return value, ok, nil
}

func (c *FileCache) Set(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.load()
	if err != nil {
		return err
	}
	entries[key] = value

	data, err := yaml.Marshal(entries)
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	return os.Rename(tmp, c.path)
}

func (c *FileCache) load() (map[string]string, error) {
	entries := make(map[string]string)
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, fmt.Errorf("read cache: %w", err)
	}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse cache %s: %w", c.path, err)
	}
	return entries, nil
}

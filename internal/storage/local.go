package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const tempPrefix = ".audio-"

// LocalStore is the on-disk rendering cache. Files live under
// {dir}/tts/{shard}/{hash}.{format}. A file's mtime is its last use: Save sets
// it and every Open refreshes it, so the pruner can evict the renderings that
// have gone longest without being replayed.
type LocalStore struct {
	dir string
	now func() time.Time
}

// CacheEntry describes one rendering on disk.
type CacheEntry struct {
	Key      CacheKey
	Size     int64
	LastUsed time.Time
}

// NewLocalStore creates the local rendering cache rooted at dir.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{dir: dir, now: time.Now}
}

func (s *LocalStore) path(key string) (string, error) {
	k, err := ParseKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, "tts", k.Shard, k.Hash+"."+k.Format), nil
}

func (s *LocalStore) Save(ctx context.Context, key string, data []byte, contentType string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	shard := filepath.Dir(path)
	if err := os.MkdirAll(shard, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", shard, err)
	}

	// Readers never see a partial rendering.
	tmp, err := os.CreateTemp(shard, tempPrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	_, werr := tmp.Write(data)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", key, werr)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// LocalPath returns the file for key, or "" if it is not cached.
func (s *LocalStore) LocalPath(key string) string {
	path, err := s.path(key)
	if err != nil {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// Open returns the cached rendering and marks it as used.
func (s *LocalStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	now := s.now()
	// A failed touch only makes the entry look older to the pruner.
	_ = os.Chtimes(path, now, now)
	return f, nil
}

func (s *LocalStore) Exists(ctx context.Context, key string) bool {
	return s.LocalPath(key) != ""
}

func (s *LocalStore) Type() string { return "local" }

// Dir returns the cache root.
func (s *LocalStore) Dir() string { return s.dir }

// Entries lists every rendering under the cache root. Temp files and anything
// not shaped like a rendering key are skipped.
func (s *LocalStore) Entries() ([]CacheEntry, error) {
	root := filepath.Join(s.dir, "tts")
	shards, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []CacheEntry
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, shard.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || strings.HasPrefix(f.Name(), tempPrefix) {
				continue
			}
			k, err := ParseKey(keyPrefix + shard.Name() + "/" + f.Name())
			if err != nil {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			entries = append(entries, CacheEntry{Key: k, Size: info.Size(), LastUsed: info.ModTime()})
		}
	}
	return entries, nil
}

// Remove deletes a rendering and its shard directory once that is empty.
func (s *LocalStore) Remove(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	// Fails harmlessly when a concurrent Save repopulated the shard.
	shard := filepath.Dir(path)
	if rest, err := os.ReadDir(shard); err == nil && len(rest) == 0 {
		os.Remove(shard)
	}
	return nil
}

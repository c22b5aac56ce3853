package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/ptrclamp/ptrclamp/clamp"
)

// defaultCacheDir returns the cache root, honoring PTRCLAMPCACHE and
// the platform cache conventions otherwise.
func defaultCacheDir() string {
	if env := os.Getenv("PTRCLAMPCACHE"); env != "" {
		return env
	}

	homeDir, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "windows":
		if localAppData := os.Getenv("LocalAppData"); localAppData != "" {
			return filepath.Join(localAppData, "ptrclamp")
		}
		return filepath.Join(homeDir, "AppData", "Local", "ptrclamp")

	case "darwin":
		return filepath.Join(homeDir, "Library", "Caches", "ptrclamp")

	default: // Linux and others
		if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
			return filepath.Join(xdg, "ptrclamp")
		}
		return filepath.Join(homeDir, ".cache", "ptrclamp")
	}
}

// cacheKey hashes everything that determines the transformed output:
// the input IR bytes, the engine configuration, and the tool version.
func cacheKey(input string, cfg clamp.Config) (string, error) {
	data, err := os.ReadFile(input)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", input, err)
	}
	h := sha256.New()
	h.Write(data)
	fmt.Fprintf(h, "relaxed=%v untracked=%v", cfg.Relaxed, cfg.AllowUntracked)
	kernels := append([]string(nil), cfg.Kernels...)
	sort.Strings(kernels)
	fmt.Fprintf(h, " kernels=%s", strings.Join(kernels, ","))
	fmt.Fprintf(h, " version=%s", Version)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// isHashDir returns true if name is a 16-char hex string (matches the
// shortened key used for entry directories).
func isHashDir(name string) bool {
	if len(name) != 16 {
		return false
	}
	_, err := hex.DecodeString(name)
	return err == nil
}

// resultCache stores transformed IR keyed by content hash. A file lock
// serializes concurrent processes so an entry is either fully written
// or absent.
type resultCache struct {
	dir string
	log *zap.SugaredLogger
}

func openCache(root string, log *zap.SugaredLogger) (*resultCache, error) {
	dir := filepath.Join(root, "results")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &resultCache{dir: dir, log: log}, nil
}

func (rc *resultCache) entryDir(key string) string {
	return filepath.Join(rc.dir, key[:16])
}

// lookup returns the cached output for key, if present and intact.
func (rc *resultCache) lookup(key string) ([]byte, bool) {
	lock := flock.New(filepath.Join(rc.dir, ".lock"))
	if err := lock.Lock(); err != nil {
		rc.log.Warnf("acquire cache lock: %v", err)
		return nil, false
	}
	defer lock.Unlock()

	dir := rc.entryDir(key)
	stored, err := os.ReadFile(filepath.Join(dir, ".key"))
	if err != nil || string(stored) != key {
		// Missing entry, or a short-hash collision. Either way, miss.
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(dir, "out.ll"))
	if err != nil {
		return nil, false
	}
	// Freshen mtime so cleanup keeps recently used entries.
	now := time.Now()
	_ = os.Chtimes(dir, now, now)
	return data, true
}

// store writes the output for key. The full key is recorded last so a
// partially written entry never reads as valid.
func (rc *resultCache) store(key string, data []byte) error {
	lock := flock.New(filepath.Join(rc.dir, ".lock"))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire cache lock: %w", err)
	}
	defer lock.Unlock()

	rc.cleanupOldEntries(64, 7*24*60*60)

	dir := rc.entryDir(key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create cache entry: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "out.ll"), data, 0644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".key"), []byte(key), 0644); err != nil {
		return fmt.Errorf("write cache key: %w", err)
	}
	return nil
}

// cleanupOldEntries removes old cache entries. Only deletes entries
// older than minAge seconds AND keeps at least 'keep' most recent, so
// entries still in use by concurrent processes survive.
func (rc *resultCache) cleanupOldEntries(keep int, minAge int64) {
	entries, err := os.ReadDir(rc.dir)
	if err != nil || len(entries) <= keep {
		return
	}

	type dirInfo struct {
		name  string
		mtime int64
	}
	var dirs []dirInfo
	for _, e := range entries {
		if e.IsDir() && isHashDir(e.Name()) {
			if info, err := e.Info(); err == nil {
				dirs = append(dirs, dirInfo{e.Name(), info.ModTime().Unix()})
			}
		}
	}
	if len(dirs) <= keep {
		return
	}

	cutoff := time.Now().Unix() - minAge
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].mtime < dirs[j].mtime })
	for i := 0; i < len(dirs)-keep; i++ {
		if dirs[i].mtime < cutoff {
			path := filepath.Join(rc.dir, dirs[i].name)
			if err := os.RemoveAll(path); err != nil {
				rc.log.Warnf("remove old cache entry %s: %v", path, err)
			}
		}
	}
}

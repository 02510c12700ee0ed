// Package config loads the gateway's configuration from an INI file via
// github.com/Unknwon/goconfig, the same ini-style library rclone's own
// fs/config package uses for rclone.conf, with a single [gateway] section
// holding the keys the gateway recognizes.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Unknwon/goconfig"
)

const section = "gateway"

// File is the resolved [gateway] configuration, with the size-ish keys
// already converted from the file's human units (KB/MB) into bytes.
type File struct {
	Root        string
	AccessToken string
	BlockCache  string

	PrefetchSize    int64 // bytes, from "prefetch" (KB)
	CacheableSize   int64 // bytes, from "cacheable" (MB)
	MaxCacheSize    int64 // bytes, from "cache_size" (MB)
	ChunkSize       int64 // bytes, from "chunk_size" (MB)
	PrefetchThreads int
}

// Load reads path and validates the [gateway] section.
func Load(path string) (File, error) {
	cfg, err := goconfig.LoadConfigFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: loading %s: %w", path, err)
	}

	var f File
	f.Root, err = cfg.GetValue(section, "root")
	if err != nil {
		return File{}, fmt.Errorf("config: missing %s.root: %w", section, err)
	}
	if f.Root != "/" && (!strings.HasPrefix(f.Root, "/") || strings.HasSuffix(f.Root, "/")) {
		return File{}, fmt.Errorf("config: %s.root %q must start with / and not end with / (unless it is exactly \"/\")", section, f.Root)
	}

	f.AccessToken, err = cfg.GetValue(section, "access_token")
	if err != nil {
		return File{}, fmt.Errorf("config: missing %s.access_token: %w", section, err)
	}

	f.BlockCache, err = cfg.GetValue(section, "blockcache")
	if err != nil {
		return File{}, fmt.Errorf("config: missing %s.blockcache: %w", section, err)
	}

	prefetchKB, err := requireInt64(cfg, "prefetch")
	if err != nil {
		return File{}, err
	}
	f.PrefetchSize = prefetchKB * 1024

	cacheableMB, err := requireInt64(cfg, "cacheable")
	if err != nil {
		return File{}, err
	}
	f.CacheableSize = cacheableMB * 1024 * 1024

	cacheSizeMB, err := requireInt64(cfg, "cache_size")
	if err != nil {
		return File{}, err
	}
	f.MaxCacheSize = cacheSizeMB * 1024 * 1024

	chunkMB, err := requireInt64(cfg, "chunk_size")
	if err != nil {
		return File{}, err
	}
	f.ChunkSize = chunkMB * 1024 * 1024

	threads, err := requireInt64(cfg, "prefetch_threads")
	if err != nil {
		return File{}, err
	}
	if threads < 0 {
		return File{}, fmt.Errorf("config: %s.prefetch_threads must be >= 0", section)
	}
	f.PrefetchThreads = int(threads)

	return f, nil
}

func requireInt64(cfg *goconfig.ConfigFile, key string) (int64, error) {
	raw, err := cfg.GetValue(section, key)
	if err != nil {
		return 0, fmt.Errorf("config: missing %s.%s: %w", section, key, err)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s.%s must be an integer, got %q", section, key, raw)
	}
	return v, nil
}

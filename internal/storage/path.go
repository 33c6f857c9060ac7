package storage

import (
	"path/filepath"
	"strings"
)

// PathConfig holds configuration for sharded content paths.
type PathConfig struct {
	// BasePath is the root directory. Empty yields relative paths.
	BasePath string

	// ShardLevels is the number of directory levels.
	// Default: 2 (e.g., ab/cd/abcdef...)
	ShardLevels int

	// ShardWidth is the number of characters per shard level.
	// Default: 2
	ShardWidth int
}

// DefaultPathConfig returns the default path configuration.
func DefaultPathConfig(basePath string) PathConfig {
	return PathConfig{
		BasePath:    basePath,
		ShardLevels: 2,
		ShardWidth:  2,
	}
}

// ComputePath generates the sharded path for a content hash.
//
//	hash: "abcdef1234567890..."
//	basePath: "/data"
//	result: "/data/ab/cd/abcdef1234567890..."
func ComputePath(config PathConfig, contentHash string) string {
	dirs := GetShardDirs(config, contentHash)

	components := make([]string, 0, len(dirs)+2)
	if config.BasePath != "" {
		components = append(components, config.BasePath)
	}
	components = append(components, dirs...)
	components = append(components, contentHash)

	return filepath.Join(components...)
}

// GetShardDirs returns the shard directory components for a hash, or nil
// when the hash is too short to shard.
func GetShardDirs(config PathConfig, contentHash string) []string {
	if len(contentHash) < config.ShardLevels*config.ShardWidth {
		return nil
	}

	dirs := make([]string, config.ShardLevels)
	offset := 0
	for i := 0; i < config.ShardLevels; i++ {
		dirs[i] = contentHash[offset : offset+config.ShardWidth]
		offset += config.ShardWidth
	}

	return dirs
}

// GetShardPath returns the directory holding a hash's file.
func GetShardPath(config PathConfig, contentHash string) string {
	return filepath.Dir(ComputePath(config, contentHash))
}

// HashFromPath returns the content hash a sharded path ends with.
func HashFromPath(path string) string {
	path = filepath.ToSlash(path)
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

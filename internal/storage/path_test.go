package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputePath(t *testing.T) {
	hash := "abcdef0123456789"

	cfg := DefaultPathConfig("/data")
	require.Equal(t, filepath.Join("/data", "ab", "cd", hash), ComputePath(cfg, hash))
	require.Equal(t, filepath.Join("/data", "ab", "cd"), GetShardPath(cfg, hash))

	rel := DefaultPathConfig("")
	require.Equal(t, filepath.Join("ab", "cd", hash), ComputePath(rel, hash))

	require.Equal(t, filepath.Join("/data", "ab"), ComputePath(cfg, "ab"))
	require.Nil(t, GetShardDirs(cfg, "abc"))

	wide := PathConfig{BasePath: "/x", ShardLevels: 1, ShardWidth: 3}
	require.Equal(t, []string{"abc"}, GetShardDirs(wide, hash))
}

func TestHashFromPath(t *testing.T) {
	require.Equal(t, "abcd", HashFromPath("ab/cd/abcd"))
	require.Equal(t, "abcd", HashFromPath("abcd"))
}

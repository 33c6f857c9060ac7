package repository

import "errors"

var (
	// ErrNotFound is returned when no row matches, including a reference
	// row that was revived or removed between listing and deleting.
	ErrNotFound = errors.New("not found")

	// ErrCacheMiss is returned by Cache.Get for absent keys.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheUnavailable wraps transport failures of a shared cache.
	ErrCacheUnavailable = errors.New("cache unavailable")
)

// Package config holds the tunable knobs for the cache engine, configured
// via functional options in the same style as the teacher's
// internal/storage.PagerOption, and the per-file filesystem configuration
// a backend reports back after authentication.
package config

import (
	"time"

	"github.com/cabewaldrop/andromeda-fuse/internal/backend"
)

// Defaults, grounded in andromeda's CacheOptions.hpp.
const (
	DefaultPageSize          int64         = 128 * 1024
	DefaultMemoryLimit       uint64        = 256 * 1024 * 1024
	DefaultEvictSizeFrac     uint64        = 16
	DefaultMaxDirtyTime      time.Duration = time.Second
	DefaultReadMaxCacheFrac  uint64        = 4
	DefaultBackendConcurrency int          = 4
)

// CacheOptions collects the tunables governing page size, memory and dirty
// budgets, and backend I/O concurrency.
type CacheOptions struct {
	PageSize           int64
	MemoryLimit        uint64
	EvictSizeFrac      uint64
	MaxDirtyTime       time.Duration
	ReadMaxCacheFrac   uint64
	BackendConcurrency int
}

// MemoryMargin returns MemoryLimit/EvictSizeFrac, the headroom the cleanup
// thread tries to keep free.
func (o *CacheOptions) MemoryMargin() uint64 {
	if o.EvictSizeFrac == 0 {
		return 0
	}
	return o.MemoryLimit / o.EvictSizeFrac
}

// ReadMaxCache returns the per-file readahead ceiling, in bytes.
func (o *CacheOptions) ReadMaxCache() uint64 {
	if o.ReadMaxCacheFrac == 0 {
		return o.MemoryLimit
	}
	return o.MemoryLimit / o.ReadMaxCacheFrac
}

// Option configures a CacheOptions.
type Option func(*CacheOptions)

// WithPageSize overrides the default page size, in bytes.
func WithPageSize(n int64) Option { return func(o *CacheOptions) { o.PageSize = n } }

// WithMemoryLimit overrides the default resident-byte budget.
func WithMemoryLimit(n uint64) Option { return func(o *CacheOptions) { o.MemoryLimit = n } }

// WithEvictSizeFrac overrides the fraction of MemoryLimit kept as margin.
func WithEvictSizeFrac(n uint64) Option { return func(o *CacheOptions) { o.EvictSizeFrac = n } }

// WithMaxDirtyTime overrides the bandwidth-measure time target used to size
// the dirty-byte window.
func WithMaxDirtyTime(d time.Duration) Option { return func(o *CacheOptions) { o.MaxDirtyTime = d } }

// WithReadMaxCacheFrac overrides the per-file readahead ceiling fraction.
func WithReadMaxCacheFrac(n uint64) Option {
	return func(o *CacheOptions) { o.ReadMaxCacheFrac = n }
}

// WithBackendConcurrency overrides the global concurrent-backend-I/O bound.
func WithBackendConcurrency(n int) Option {
	return func(o *CacheOptions) { o.BackendConcurrency = n }
}

// NewCacheOptions builds a CacheOptions from defaults plus overrides.
func NewCacheOptions(opts ...Option) *CacheOptions {
	o := &CacheOptions{
		PageSize:           DefaultPageSize,
		MemoryLimit:        DefaultMemoryLimit,
		EvictSizeFrac:      DefaultEvictSizeFrac,
		MaxDirtyTime:       DefaultMaxDirtyTime,
		ReadMaxCacheFrac:   DefaultReadMaxCacheFrac,
		BackendConcurrency: DefaultBackendConcurrency,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FSConfig is the per-open-file configuration a backend reports, consumed
// read-only by the cache core.
type FSConfig struct {
	ChunkSize int64
	WriteMode backend.WriteMode
	ReadOnly  bool
}

// FromBackendConfig adapts a backend.Config into an FSConfig.
func FromBackendConfig(c backend.Config) FSConfig {
	return FSConfig{ChunkSize: c.ChunkSize, WriteMode: c.WriteMode, ReadOnly: c.ReadOnly}
}

// AlignPageSize rounds configPageSize up to a multiple of fsChunk, matching
// spec.md §4.6's page-size choice: "align every page read/write on a
// filesystem chunk to avoid the backend splitting one page across two
// storage units." If fsChunk is 0 (unconstrained), configPageSize is
// returned unchanged.
func AlignPageSize(configPageSize, fsChunk int64) int64 {
	if fsChunk <= 0 {
		return configPageSize
	}
	chunks := (configPageSize + fsChunk - 1) / fsChunk
	return chunks * fsChunk
}

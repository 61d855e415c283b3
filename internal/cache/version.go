package cache

import (
	"context"
	"sync/atomic"
)

// VersionStore holds the monotonically increasing cache version.
type VersionStore interface {
	// Init sets the version to 1 if it has never been set.
	Init(ctx context.Context) error

	// Current returns the current version.
	Current(ctx context.Context) (int64, error)

	// Bump increments the version and returns the new value.
	Bump(ctx context.Context) (int64, error)
}

// MemoryVersion is an in-process VersionStore.
type MemoryVersion struct {
	v atomic.Int64
}

// NewMemoryVersion creates a version store starting at 1.
func NewMemoryVersion() *MemoryVersion {
	m := &MemoryVersion{}
	m.v.Store(1)
	return m
}

// Init sets the version to 1 if it is still zero.
func (m *MemoryVersion) Init(context.Context) error {
	m.v.CompareAndSwap(0, 1)
	return nil
}

// Current returns the current version.
func (m *MemoryVersion) Current(context.Context) (int64, error) {
	return m.v.Load(), nil
}

// Bump increments the version.
func (m *MemoryVersion) Bump(context.Context) (int64, error) {
	return m.v.Add(1), nil
}

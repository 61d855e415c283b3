package cache

import (
	"context"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Backend stores cache entries.
type Backend interface {
	// Get returns the entry for key; ok is false on a miss.
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)

	// Set stores val under key for ttl.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// DefaultMemoryEntries bounds each TTL class of the memory backend.
const DefaultMemoryEntries = 4096

// MemoryBackend is an in-process Backend built on expiring LRU caches, one
// per TTL class fixed at construction. Each class owns a cleanup goroutine
// that lives as long as the process.
type MemoryBackend struct {
	classes []memoryClass
}

type memoryClass struct {
	ttl time.Duration
	lru *expirable.LRU[string, []byte]
}

// NewMemoryBackend creates a memory backend holding up to size entries per
// TTL class. size <= 0 uses DefaultMemoryEntries; no ttls uses
// DefaultShortTTL and DefaultLongTTL.
func NewMemoryBackend(size int, ttls ...time.Duration) *MemoryBackend {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	ttls = slices.DeleteFunc(slices.Clone(ttls), func(d time.Duration) bool { return d <= 0 })
	if len(ttls) == 0 {
		ttls = []time.Duration{DefaultShortTTL, DefaultLongTTL}
	}
	slices.Sort(ttls)
	ttls = slices.Compact(ttls)

	m := &MemoryBackend{classes: make([]memoryClass, len(ttls))}
	for i, ttl := range ttls {
		m.classes[i] = memoryClass{ttl: ttl, lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
	}
	return m
}

// Get looks key up in every TTL class.
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	for _, c := range m.classes {
		if val, ok := c.lru.Get(key); ok {
			return val, true, nil
		}
	}
	return nil, false, nil
}

// Set stores val in the shortest class whose TTL covers ttl, or the longest
// class when none does.
func (m *MemoryBackend) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.classFor(ttl).lru.Add(key, val)
	return nil
}

func (m *MemoryBackend) classFor(ttl time.Duration) memoryClass {
	for _, c := range m.classes {
		if c.ttl >= ttl {
			return c
		}
	}
	return m.classes[len(m.classes)-1]
}

// TTLs returns the TTL classes in ascending order.
func (m *MemoryBackend) TTLs() []time.Duration {
	out := make([]time.Duration, len(m.classes))
	for i, c := range m.classes {
		out[i] = c.ttl
	}
	return out
}

// Len returns the number of live entries across TTL classes.
func (m *MemoryBackend) Len() int {
	n := 0
	for _, c := range m.classes {
		n += c.lru.Len()
	}
	return n
}

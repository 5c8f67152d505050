package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryEntries bounds the in-process tier. Chapter bodies run a few
// KB each, so the default caps memory cost around a few MB per session.
const DefaultMemoryEntries = 512

// Memory is the process-local tier. It is owned by and injected into the
// data provider, cleared implicitly on restart, and bounded by LRU eviction.
type Memory struct {
	entries *lru.Cache[string, string]
}

// NewMemory builds the tier with the given entry cap (DefaultMemoryEntries
// when size is not positive).
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	entries, err := lru.New[string, string](size)
	if err != nil {
		// lru.New only fails on a non-positive size, which is guarded above.
		panic(err)
	}
	return &Memory{entries: entries}
}

func (m *Memory) Get(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	return m.entries.Get(key)
}

func (m *Memory) Set(key, value string) {
	if m == nil {
		return
	}
	m.entries.Add(key, value)
}

// Len reports current occupancy; used by tests.
func (m *Memory) Len() int {
	if m == nil {
		return 0
	}
	return m.entries.Len()
}

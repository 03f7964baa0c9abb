package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemorySize bounds the number of keys an in-process cache holds. The
// least recently used key is evicted first.
const MemorySize = 1024

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// Memory is an in-process Cache backed by an expirable LRU. Values are
// stored JSON-encoded so callers never share mutable state with the cache.
// Each entry carries its own deadline since Set takes a per-key ttl.
type Memory struct {
	lru *expirable.LRU[string, memoryEntry]
	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		lru: expirable.NewLRU[string, memoryEntry](MemorySize, nil, 0),
		now: time.Now,
	}
}

// WithClock replaces the clock used for expiry.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Get(_ context.Context, key string, dest any) (bool, error) {
	e, ok := m.lru.Get(key)
	if !ok {
		return false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		m.lru.Remove(key)
		return false, nil
	}
	if err := json.Unmarshal(e.data, dest); err != nil {
		return false, err
	}
	return true, nil
}

// Set stores value; a zero ttl never expires.
func (m *Memory) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	e := memoryEntry{data: data}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.lru.Add(key, e)
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.lru.Remove(k)
	}
	return nil
}

// Len reports the number of keys held, expired ones included until read.
func (m *Memory) Len() int {
	return m.lru.Len()
}

package store

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory is a bounded in-memory tier with optional expiry.
type Memory struct {
	lru *expirable.LRU[string, []byte]
}

// NewMemory holds at most size entries; ttl of zero disables expiry.
func NewMemory(size int, ttl time.Duration) *Memory {
	return &Memory{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (m *Memory) Get(key string) ([]byte, bool, error) {
	v, ok := m.lru.Get(key)
	return v, ok, nil
}

func (m *Memory) Put(key string, value []byte) error {
	m.lru.Add(key, value)
	return nil
}

func (m *Memory) Remove(key string) {
	m.lru.Remove(key)
}

func (m *Memory) Len() int { return m.lru.Len() }

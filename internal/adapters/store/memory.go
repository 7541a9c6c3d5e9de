// Package store keeps document snapshots in memory.
package store

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

type Memory struct {
	mu    sync.RWMutex
	snaps map[string][]byte
	saves map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		snaps: make(map[string][]byte),
		saves: make(map[string]int),
	}
}

func (m *Memory) Save(ctx context.Context, key string, snapshot []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.snaps[key] = append([]byte(nil), snapshot...)
	m.saves[key]++
	m.mu.Unlock()
	log.Debug().Str("module", "store.memory").Str("key", key).Int("bytes", len(snapshot)).Msg("saved")
	return nil
}

func (m *Memory) Load(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.snaps[key]
	return b, ok
}

// Saves reports how many times key has been written.
func (m *Memory) Saves(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves[key]
}

package regulator

import (
	"context"
	"sync"
)

// StaticMode is a ModeSignal that always reports the same mode.
type StaticMode Mode

func (m StaticMode) CurrentMode(context.Context) (Mode, error) {
	mode := Mode(m)
	if !mode.Valid() {
		return ModeNormal, ErrUnknownMode
	}
	return mode, nil
}

// MemoryStore is a ConfigStore that keeps overrides in memory.
type MemoryStore struct {
	mu        sync.Mutex
	overrides map[Mode]Config
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{overrides: make(map[Mode]Config)}
}

func (m *MemoryStore) Load(mode Mode) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.overrides[mode]; ok {
		return cfg, nil
	}
	return DefaultConfig(mode), nil
}

func (m *MemoryStore) Save(mode Mode, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[mode] = cfg
	return nil
}

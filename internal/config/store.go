package config

import (
	"sync"
	"sync/atomic"
)

// Store holds the process configuration. It starts unloaded and moves to
// loaded exactly once; after that every Get returns the same value and no
// caller can change it.
type Store struct {
	mu     sync.Mutex
	loaded atomic.Pointer[Config]
	load   func(*CLIOverrides) (Config, error)
}

// NewStore returns an unloaded store backed by Load. The zero Store is
// equivalent.
func NewStore() *Store {
	return &Store{load: Load}
}

// Load resolves and validates the configuration. A failed load leaves the
// store unloaded; a load on a loaded store returns ErrAlreadyLoaded.
func (s *Store) Load(overrides *CLIOverrides) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded.Load() != nil {
		return Config{}, ErrAlreadyLoaded
	}

	load := s.load
	if load == nil {
		load = Load
	}
	cfg, err := load(overrides)
	if err != nil {
		return Config{}, err
	}

	s.loaded.Store(&cfg)
	return cfg, nil
}

// Get returns the loaded configuration, or ErrNotLoaded.
func (s *Store) Get() (Config, error) {
	cfg := s.loaded.Load()
	if cfg == nil {
		return Config{}, ErrNotLoaded
	}
	return *cfg, nil
}

// Loaded reports whether Load has succeeded.
func (s *Store) Loaded() bool {
	return s.loaded.Load() != nil
}

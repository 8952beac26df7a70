package plugin

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// MemoryCompilation is a Compilation backed by a map. It remembers which
// assets were updated.
type MemoryCompilation struct {
	mu      sync.RWMutex
	assets  map[string][]byte
	updated map[string]struct{}
	logger  zerolog.Logger
}

// NewMemoryCompilation copies assets into a new compilation.
func NewMemoryCompilation(assets map[string][]byte, logger zerolog.Logger) *MemoryCompilation {
	c := &MemoryCompilation{
		assets:  make(map[string][]byte, len(assets)),
		updated: make(map[string]struct{}),
		logger:  logger,
	}
	for name, data := range assets {
		c.assets[name] = data
	}
	return c
}

func (c *MemoryCompilation) AssetNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.assets))
	for name := range c.assets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *MemoryCompilation) Asset(name string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.assets[name]
	return data, ok
}

func (c *MemoryCompilation) UpdateAsset(name string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assets[name] = data
	c.updated[name] = struct{}{}
}

func (c *MemoryCompilation) Logger() zerolog.Logger { return c.logger }

// Assets returns a copy of the current asset set.
func (c *MemoryCompilation) Assets() map[string][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]byte, len(c.assets))
	for name, data := range c.assets {
		out[name] = data
	}
	return out
}

// Updated lists the assets replaced or added since creation, sorted.
func (c *MemoryCompilation) Updated() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.updated))
	for name := range c.updated {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

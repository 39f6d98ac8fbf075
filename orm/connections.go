package orm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultAlias is the alias returned by Connections.Default.
const DefaultAlias = "default"

// Connections maps aliases to backends.
type Connections struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewConnections creates an empty alias registry.
func NewConnections() *Connections {
	return &Connections{backends: make(map[string]Backend)}
}

// Register adds a backend under alias, replacing any previous one.
func (c *Connections) Register(alias string, b Backend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backends[alias] = b
}

// Get returns the backend registered under alias.
func (c *Connections) Get(alias string) (Backend, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.backends[alias]
	if !ok {
		return nil, fmt.Errorf("%w: no backend registered as %q", ErrNotConnected, alias)
	}
	return b, nil
}

// Default returns the backend registered under DefaultAlias.
func (c *Connections) Default() (Backend, error) { return c.Get(DefaultAlias) }

// Aliases returns the registered aliases, sorted.
func (c *Connections) Aliases() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.backends))
	for alias := range c.backends {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// CloseAll disconnects every connected backend and returns the joined errors.
func (c *Connections) CloseAll(ctx context.Context) error {
	var errs []error
	for _, alias := range c.Aliases() {
		b, _ := c.Get(alias)
		if !b.Connected() {
			continue
		}
		if err := b.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", alias, err))
		}
	}
	return errors.Join(errs...)
}

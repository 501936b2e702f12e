package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/tillerhq/tiller/pkg/cartridge"
)

var (
	// ErrUnknownCartridge is returned when no cartridge is registered under
	// the requested id.
	ErrUnknownCartridge = errors.New("store: unknown cartridge")

	// ErrVersionRegression rejects a registration whose manifest version is
	// not newer than the one already registered. Semver ordering applies,
	// so a pre-release never replaces its release.
	ErrVersionRegression = errors.New("store: cartridge version regression")
)

// CartridgeRegistry is the process-wide name → guarded-cartridge map.
// Mutations happen at bootstrap or via explicit admin register/unregister;
// readers take snapshots. Registration enforces semver-monotonic upgrades
// and fires onChange hooks so the policy cache can invalidate.
type CartridgeRegistry struct {
	mu    sync.RWMutex
	byID  map[string]*cartridge.Guarded
	hooks []func(cartridgeID string)
}

// NewCartridgeRegistry returns an empty registry.
func NewCartridgeRegistry() *CartridgeRegistry {
	return &CartridgeRegistry{byID: make(map[string]*cartridge.Guarded)}
}

// Register adds or upgrades a cartridge. Upgrades must move the manifest
// version strictly forward.
func (r *CartridgeRegistry) Register(g *cartridge.Guarded) error {
	m := g.Manifest()
	if m.ID == "" {
		return errors.New("store: cartridge manifest requires an id")
	}
	next, err := semver.NewVersion(m.Version)
	if err != nil {
		return fmt.Errorf("store: cartridge %s version %q: %w", m.ID, m.Version, err)
	}

	r.mu.Lock()
	if existing, ok := r.byID[m.ID]; ok {
		current, err := semver.NewVersion(existing.Manifest().Version)
		if err == nil && !next.GreaterThan(current) {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s %s -> %s", ErrVersionRegression, m.ID, current, next)
		}
	}
	r.byID[m.ID] = g
	hooks := append(([]func(string))(nil), r.hooks...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(m.ID)
	}
	return nil
}

// Unregister removes a cartridge and fires onChange hooks.
func (r *CartridgeRegistry) Unregister(cartridgeID string) error {
	r.mu.Lock()
	if _, ok := r.byID[cartridgeID]; !ok {
		r.mu.Unlock()
		return ErrUnknownCartridge
	}
	delete(r.byID, cartridgeID)
	hooks := append(([]func(string))(nil), r.hooks...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(cartridgeID)
	}
	return nil
}

// Get returns the guarded cartridge registered under the id.
func (r *CartridgeRegistry) Get(cartridgeID string) (*cartridge.Guarded, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byID[cartridgeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCartridge, cartridgeID)
	}
	return g, nil
}

// Snapshot returns the registered cartridges at this instant, sorted by id.
func (r *CartridgeRegistry) Snapshot() []*cartridge.Guarded {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*cartridge.Guarded, 0, len(r.byID))
	for _, g := range r.byID {
		out = append(out, g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Manifest().ID < out[j].Manifest().ID
	})
	return out
}

// OnChange registers a hook fired after any successful Register or
// Unregister with the affected cartridge id.
func (r *CartridgeRegistry) OnChange(fn func(cartridgeID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

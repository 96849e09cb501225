// Package platform resolves brokerage platform ids to names and back.
//
// A Directory is an explicit read-through cache over the platforms table.
// It is created once per process and passed to whatever needs it.
package platform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tradeledger/position-engine/internal/model"
)

// Lister loads the full platform list. store.Store satisfies it.
type Lister interface {
	ListPlatforms(ctx context.Context) ([]model.Platform, error)
}

// Directory caches the platform list in memory. A lookup on a directory
// that was never loaded, or was invalidated, loads it first.
type Directory struct {
	src Lister

	mu     sync.RWMutex
	loaded bool
	byID   map[int64]string
	byName map[string]int64
}

// NewDirectory creates an empty directory backed by src.
func NewDirectory(src Lister) *Directory {
	return &Directory{src: src}
}

// Refresh reloads the platform list from the source.
func (d *Directory) Refresh(ctx context.Context) error {
	platforms, err := d.src.ListPlatforms(ctx)
	if err != nil {
		return fmt.Errorf("load platforms: %w", err)
	}

	byID := make(map[int64]string, len(platforms))
	byName := make(map[string]int64, len(platforms))
	for _, p := range platforms {
		byID[p.ID] = p.Name
		byName[normalize(p.Name)] = p.ID
	}

	d.mu.Lock()
	d.byID, d.byName, d.loaded = byID, byName, true
	d.mu.Unlock()
	return nil
}

// Invalidate marks the directory stale; the next lookup reloads it.
func (d *Directory) Invalidate() {
	d.mu.Lock()
	d.loaded = false
	d.mu.Unlock()
}

func (d *Directory) ensure(ctx context.Context) error {
	d.mu.RLock()
	loaded := d.loaded
	d.mu.RUnlock()
	if loaded {
		return nil
	}
	return d.Refresh(ctx)
}

// LookupName returns the platform name for id. ok is false for an unknown
// id; err is set only when the directory could not be loaded.
func (d *Directory) LookupName(ctx context.Context, id int64) (name string, ok bool, err error) {
	if err := d.ensure(ctx); err != nil {
		return "", false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	name, ok = d.byID[id]
	return name, ok, nil
}

// LookupID returns the platform id for name. Matching ignores case and
// surrounding whitespace.
func (d *Directory) LookupID(ctx context.Context, name string) (id int64, ok bool, err error) {
	if err := d.ensure(ctx); err != nil {
		return 0, false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok = d.byName[normalize(name)]
	return id, ok, nil
}

// Name is LookupName for display paths: a load failure reads as unknown.
func (d *Directory) Name(ctx context.Context, id int64) (string, bool) {
	name, ok, _ := d.LookupName(ctx, id)
	return name, ok
}

// ID is LookupID with a load failure reported as unknown.
func (d *Directory) ID(ctx context.Context, name string) (int64, bool) {
	id, ok, _ := d.LookupID(ctx, name)
	return id, ok
}

// All returns every platform ordered by name.
func (d *Directory) All(ctx context.Context) ([]model.Platform, error) {
	if err := d.ensure(ctx); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	platforms := make([]model.Platform, 0, len(d.byID))
	for id, name := range d.byID {
		platforms = append(platforms, model.Platform{ID: id, Name: name})
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i].Name < platforms[j].Name })
	return platforms, nil
}

// NameOr returns the platform name or a placeholder built from the id.
func (d *Directory) NameOr(ctx context.Context, id int64) string {
	if name, ok := d.Name(ctx, id); ok {
		return name
	}
	return fmt.Sprintf("platform-%d", id)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

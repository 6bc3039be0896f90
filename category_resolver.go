package main

import (
	"context"
	"crypto/sha1"
	"fmt"
	"sync"
)

// DefaultCategorySeed is the eight-row system category set inserted on first
// process start when scheduler.categories is empty.
var DefaultCategorySeed = []Category{
	{ID: 1, Name: "Red", BgColor: "#FF0000", FgColor: "#FFFFFF", SortOrder: 1, IsSystem: true},
	{ID: 2, Name: "Pink", BgColor: "#FF69B4", FgColor: "#FFFFFF", SortOrder: 2, IsSystem: true},
	{ID: 3, Name: "Light Purple", BgColor: "#DDA0DD", FgColor: "#000000", SortOrder: 3, IsSystem: true},
	{ID: 4, Name: "Green", BgColor: "#00FF00", FgColor: "#000000", SortOrder: 4, IsSystem: true},
	{ID: 5, Name: "Blue", BgColor: "#0000FF", FgColor: "#FFFFFF", SortOrder: 5, IsSystem: true},
	{ID: 6, Name: "Yellow", BgColor: "#FFFF00", FgColor: "#000000", SortOrder: 6, IsSystem: true},
	{ID: 7, Name: "Orange", BgColor: "#FFA500", FgColor: "#000000", SortOrder: 7, IsSystem: true},
	{ID: 8, Name: "Gray", BgColor: "#808080", FgColor: "#FFFFFF", SortOrder: 8, IsSystem: true},
}

// DefaultCategoryID is assigned to any newly created series that does not
// specify a category explicitly.
const DefaultCategoryID int64 = 1

// CategoryResolver maps category ids to colour pairs with a process-local
// cache, invalidated in full on any category write. It also enforces the
// system-category invariants that the Repository's category mutation paths
// depend on.
type CategoryResolver struct {
	repo Repository

	mu    sync.RWMutex
	cache map[int64]Category
}

// NewCategoryResolver constructs a resolver backed by repo. The cache starts
// empty and is populated lazily on first Resolve.
func NewCategoryResolver(repo Repository) *CategoryResolver {
	return &CategoryResolver{repo: repo}
}

// Resolve returns the (bg_color, fg_color) pair for id. A lookup miss
// returns a deterministic fallback colour derived from a hash of title
// rather than an error, per spec: colour resolution never blocks a render.
func (c *CategoryResolver) Resolve(ctx context.Context, id int64, fallbackTitle string) (bgColor, fgColor string) {
	if cat, ok := c.lookup(id); ok {
		return cat.BgColor, cat.FgColor
	}

	if err := c.warm(ctx); err == nil {
		if cat, ok := c.lookup(id); ok {
			return cat.BgColor, cat.FgColor
		}
	}

	return fallbackColor(fallbackTitle)
}

func (c *CategoryResolver) lookup(id int64) (Category, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cat, ok := c.cache[id]
	return cat, ok
}

// Invalidate flushes the cache; call after any category write.
func (c *CategoryResolver) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = nil
}

func (c *CategoryResolver) warm(ctx context.Context) error {
	categories, err := c.repo.ListCategories(ctx)
	if err != nil {
		return err
	}

	byID := make(map[int64]Category, len(categories))
	for _, cat := range categories {
		byID[cat.ID] = cat
	}

	c.mu.Lock()
	c.cache = byID
	c.mu.Unlock()
	return nil
}

// CreateCategory appends a new category, defaulting sort_order to max+1
// when unset.
func (c *CategoryResolver) CreateCategory(ctx context.Context, cat *Category) error {
	if cat.SortOrder == 0 {
		existing, err := c.repo.ListCategories(ctx)
		if err != nil {
			return err
		}
		max := 0
		for _, e := range existing {
			if e.SortOrder > max {
				max = e.SortOrder
			}
		}
		cat.SortOrder = max + 1
	}

	if err := c.repo.UpsertCategory(ctx, cat); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// RenameCategory updates a category's name, refusing the change for system
// categories.
func (c *CategoryResolver) RenameCategory(ctx context.Context, id int64, newName string) error {
	existing, err := c.repo.GetCategory(ctx, id)
	if err != nil {
		return err
	}
	if existing.IsSystem && existing.Name != newName {
		return &SystemImmutableError{Entity: fmt.Sprintf("category %d", id)}
	}
	existing.Name = newName
	if err := c.repo.UpsertCategory(ctx, existing); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// RecolorCategory updates a category's colour pair. System categories may
// have their colours altered through this explicit operation even though
// their name and identity are immutable.
func (c *CategoryResolver) RecolorCategory(ctx context.Context, id int64, bgColor, fgColor string) error {
	existing, err := c.repo.GetCategory(ctx, id)
	if err != nil {
		return err
	}
	existing.BgColor = bgColor
	existing.FgColor = fgColor
	if err := c.repo.UpsertCategory(ctx, existing); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// DeleteCategory removes a non-system, unreferenced category. The
// Repository implementation enforces both invariants (SystemImmutable,
// InUse); this wrapper only guarantees cache invalidation on success.
func (c *CategoryResolver) DeleteCategory(ctx context.Context, id int64) error {
	if err := c.repo.DeleteCategory(ctx, id); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// fallbackColor derives a stable, visually distinct colour pair from a
// hash of title for categories that no longer exist at lookup time.
func fallbackColor(title string) (bgColor, fgColor string) {
	sum := sha1.Sum([]byte(title))
	r, g, b := sum[0], sum[1], sum[2]

	bg := fmt.Sprintf("#%02X%02X%02X", r, g, b)

	// Perceptive luminance decides whether black or white foreground reads
	// better against the derived background.
	luminance := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
	fg := "#000000"
	if luminance < 140 {
		fg = "#FFFFFF"
	}
	return bg, fg
}

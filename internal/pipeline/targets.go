package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/paperflow/paperflow/internal/zotero"
)

// Library is the read side of the library used to pick run targets.
type Library interface {
	Collections(ctx context.Context) ([]zotero.Collection, error)
	Items(ctx context.Context, q zotero.ItemQuery) ([]zotero.Item, error)
	Item(ctx context.Context, key string) (zotero.Item, error)
}

// Query selects the items of a run.
type Query struct {
	Collection     string   // Collection key
	CollectionName string   // Collection name, used when Collection is empty
	Tag            string   // Only items carrying this tag
	Recursive      bool     // Include sub-collections
	Limit          int      // 0 means no limit
	Keys           []string // Explicit item keys; other fields are ignored
}

// Targets lists the top-level items selected by q, without duplicates and
// without standalone notes.
func Targets(ctx context.Context, lib Library, q Query, logger *zap.Logger) ([]zotero.Item, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(q.Keys) > 0 {
		return itemsByKey(ctx, lib, q.Keys, q.Limit, logger)
	}

	collections := []string{q.Collection}
	if (q.Collection == "" && q.CollectionName != "") || (q.Recursive && (q.Collection != "" || q.CollectionName != "")) {
		cols, err := lib.Collections(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing collections: %w", err)
		}
		key := q.Collection
		if key == "" {
			col, ok := findCollection(cols, q.CollectionName)
			if !ok {
				return nil, fmt.Errorf("%w: collection %q", zotero.ErrNotFound, q.CollectionName)
			}
			key = col.Key
		}
		collections = []string{key}
		if q.Recursive {
			collections = zotero.Descendants(cols, key)
		}
	}

	var out []zotero.Item
	seen := make(map[string]bool)
	for _, col := range collections {
		perCollection := 0
		if len(collections) == 1 {
			perCollection = q.Limit
		}
		items, err := lib.Items(ctx, zotero.ItemQuery{Collection: col, Tag: q.Tag, Limit: perCollection})
		if err != nil {
			return nil, fmt.Errorf("listing items of %q: %w", col, err)
		}
		for _, it := range items {
			if it.IsNote() || seen[it.Key] {
				continue
			}
			seen[it.Key] = true
			out = append(out, it)
			if q.Limit > 0 && len(out) >= q.Limit {
				return out, nil
			}
		}
	}
	logger.Debug("selected items", zap.Int("items", len(out)), zap.Int("collections", len(collections)))
	return out, nil
}

func itemsByKey(ctx context.Context, lib Library, keys []string, limit int, logger *zap.Logger) ([]zotero.Item, error) {
	var out []zotero.Item
	seen := make(map[string]bool)
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		it, err := lib.Item(ctx, key)
		if err != nil {
			if zotero.IsNotFound(err) {
				logger.Warn("item no longer exists", zap.String("item", key))
				continue
			}
			return nil, fmt.Errorf("fetching item %s: %w", key, err)
		}
		out = append(out, it)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func findCollection(cols []zotero.Collection, name string) (zotero.Collection, bool) {
	for _, c := range cols {
		if c.Name == name {
			return c, true
		}
	}
	for _, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return zotero.Collection{}, false
}

package messaging

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Deduper remembers which message ids a consumer already processed.
type Deduper interface {
	Seen(ctx context.Context, consumer, messageID string) (bool, error)
	Mark(ctx context.Context, consumer, messageID string) error
}

// CachedDeduper fronts a durable Deduper with a bounded in-memory cache so
// hot redeliveries skip the store.
type CachedDeduper struct {
	store Deduper
	cache *lru.Cache[string, struct{}]
}

func NewCachedDeduper(store Deduper, size int) (*CachedDeduper, error) {
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("dedupe cache: %w", err)
	}
	return &CachedDeduper{store: store, cache: cache}, nil
}

func (d *CachedDeduper) Seen(ctx context.Context, consumer, messageID string) (bool, error) {
	key := consumer + "/" + messageID
	if d.cache.Contains(key) {
		return true, nil
	}
	seen, err := d.store.Seen(ctx, consumer, messageID)
	if err != nil {
		return false, err
	}
	if seen {
		d.cache.Add(key, struct{}{})
	}
	return seen, nil
}

func (d *CachedDeduper) Mark(ctx context.Context, consumer, messageID string) error {
	if err := d.store.Mark(ctx, consumer, messageID); err != nil {
		return err
	}
	d.cache.Add(consumer+"/"+messageID, struct{}{})
	return nil
}

package catalog

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mmeshcher/pos-engine/internal/model"
)

// Source — источник данных о товарах.
type Source interface {
	Lookup(ctx context.Context, priceListID, productID string) (model.Product, error)
}

// Cached кэширует ответы удалённого каталога в LRU.
type Cached struct {
	source Source
	cache  *lru.Cache[string, model.Product]
}

// NewCached оборачивает источник кэшем заданного размера.
func NewCached(source Source, size int) (*Cached, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, model.Product](size)
	if err != nil {
		return nil, fmt.Errorf("create catalog cache: %w", err)
	}
	return &Cached{source: source, cache: cache}, nil
}

// Lookup возвращает товар из кэша или запрашивает источник. Ошибки не кэшируются.
func (c *Cached) Lookup(ctx context.Context, priceListID, productID string) (model.Product, error) {
	key := priceListID + "\x00" + productID
	if p, ok := c.cache.Get(key); ok {
		return p, nil
	}

	p, err := c.source.Lookup(ctx, priceListID, productID)
	if err != nil {
		return model.Product{}, err
	}
	c.cache.Add(key, p)
	return p, nil
}

// Purge очищает кэш.
func (c *Cached) Purge() {
	c.cache.Purge()
}

package cache

import (
	"context"
	"time"

	"retailpos/backend/internal/domain"
)

// PriceCache memoises resolved prices keyed by product, store and currency.
type PriceCache interface {
	Get(ctx context.Context, key string) (*domain.ResolvedPrice, bool, error)
	Set(ctx context.Context, key string, value *domain.ResolvedPrice, ttl time.Duration) error
}

type NoopPriceCache struct{}

func (NoopPriceCache) Get(_ context.Context, _ string) (*domain.ResolvedPrice, bool, error) {
	return nil, false, nil
}

func (NoopPriceCache) Set(_ context.Context, _ string, _ *domain.ResolvedPrice, _ time.Duration) error {
	return nil
}

func PriceKey(productID string, storeID string, currencyID string) string {
	return "price:" + productID + ":" + storeID + ":" + currencyID
}

package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"retailpos/backend/internal/cache"
	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/logging"
	"retailpos/backend/internal/store"
)

// PriceSource is the slice of the catalog the resolver reads.
type PriceSource interface {
	GetStorePrice(ctx context.Context, productID string, storeID string, currencyID string) (*domain.StorePrice, error)
	GetBasePrice(ctx context.Context, productID string, currencyID string) (*domain.ProductPrice, error)
}

type Resolver struct {
	cache  cache.PriceCache
	ttl    time.Duration
	logger *logrus.Logger
}

func NewResolver(priceCache cache.PriceCache, ttl time.Duration, logger *logrus.Logger) *Resolver {
	if priceCache == nil {
		priceCache = cache.NoopPriceCache{}
	}
	return &Resolver{cache: priceCache, ttl: ttl, logger: logging.OrDiscard(logger)}
}

// Resolve returns the active store override for (product, store, currency),
// falling back to the base catalog price. store.ErrPriceNotFound means neither exists.
func (r *Resolver) Resolve(ctx context.Context, src PriceSource, productID string, storeID string, currencyID string) (*domain.ResolvedPrice, error) {
	key := cache.PriceKey(productID, storeID, currencyID)
	if cached, ok, err := r.cache.Get(ctx, key); err != nil {
		r.logger.WithFields(logrus.Fields{"module": "pricing", "key": key}).Warnf("price cache get failed: %v", err)
	} else if ok {
		return cached, nil
	}

	price, err := r.lookup(ctx, src, productID, storeID, currencyID)
	if err != nil {
		return nil, err
	}

	if r.ttl > 0 {
		if err := r.cache.Set(ctx, key, price, r.ttl); err != nil {
			r.logger.WithFields(logrus.Fields{"module": "pricing", "key": key}).Warnf("price cache set failed: %v", err)
		}
	}
	return price, nil
}

func (r *Resolver) lookup(ctx context.Context, src PriceSource, productID string, storeID string, currencyID string) (*domain.ResolvedPrice, error) {
	override, err := src.GetStorePrice(ctx, productID, storeID, currencyID)
	switch {
	case err == nil && override.Active:
		return &domain.ResolvedPrice{UnitPrice: override.UnitPrice, CostPrice: override.CostPrice, Source: domain.PriceSourceStore}, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("load store price: %w", err)
	}

	base, err := src.GetBasePrice(ctx, productID, currencyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: product %s in store %s currency %s", store.ErrPriceNotFound, productID, storeID, currencyID)
		}
		return nil, fmt.Errorf("load base price: %w", err)
	}
	return &domain.ResolvedPrice{UnitPrice: base.UnitPrice, CostPrice: base.CostPrice, Source: domain.PriceSourceBase}, nil
}

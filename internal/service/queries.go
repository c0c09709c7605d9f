package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/inventory"
	"retailpos/backend/internal/store"
)

func (s *Service) GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	txn, err := s.store.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, err)
	}
	return txn, nil
}

func (s *Service) ListVersions(ctx context.Context, transactionID string) ([]domain.TransactionVersion, error) {
	versions, err := s.store.ListVersions(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("versions of %s: %w", transactionID, err)
	}
	return versions, nil
}

func (s *Service) GetVersion(ctx context.Context, transactionID string, versionNumber int) (*domain.TransactionVersion, error) {
	versions, err := s.ListVersions(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	for i := range versions {
		if versions[i].VersionNumber == versionNumber {
			return &versions[i], nil
		}
	}
	return nil, fmt.Errorf("version %d of %s: %w", versionNumber, transactionID, store.ErrNotFound)
}

func (s *Service) GetStock(ctx context.Context, storeID string, productID string) (*domain.StockLevel, error) {
	qty, err := s.store.GetStock(ctx, storeID, productID)
	if err != nil {
		return nil, fmt.Errorf("stock %s/%s: %w", storeID, productID, err)
	}
	return &domain.StockLevel{StoreID: storeID, ProductID: productID, Quantity: qty}, nil
}

func (s *Service) ListInventoryLogs(ctx context.Context, transactionID string) ([]domain.InventoryLog, error) {
	if _, err := s.store.FindTransactionByID(ctx, transactionID); err != nil {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, err)
	}
	logs, err := s.store.ListInventoryLogs(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("inventory logs of %s: %w", transactionID, err)
	}
	return logs, nil
}

// AdjustStock records a movement that does not come from a sale: stocktake
// corrections, deliveries and purchase orders.
func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustmentRequest, actor string) (*domain.InventoryLog, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, invalidf("actor is required")
	}
	switch req.ActivityCode {
	case domain.ActivityStocktake, domain.ActivityDeliveryOrder, domain.ActivityPurchaseOrder, domain.ActivityAdjustment:
	default:
		return nil, invalidf("activity code %q is reserved for transactions", req.ActivityCode)
	}
	if req.Delta == 0 {
		return nil, invalidf("delta must not be zero")
	}

	var entry *domain.InventoryLog
	err := s.withRetry(ctx, "adjust_stock", func() error {
		return s.store.WithinTx(ctx, func(uow store.UnitOfWork) error {
			if _, err := uow.GetStore(ctx, req.StoreID); err != nil {
				return fmt.Errorf("store %s: %w", req.StoreID, err)
			}
			if _, err := uow.GetProduct(ctx, req.ProductID); err != nil {
				return fmt.Errorf("product %s: %w", req.ProductID, err)
			}
			var err error
			entry, err = s.ledger.Adjust(ctx, uow, inventory.Adjustment{
				StoreID:         req.StoreID,
				ProductID:       req.ProductID,
				Delta:           req.Delta,
				ActivityCode:    req.ActivityCode,
				StocktakeID:     req.StocktakeID,
				DeliveryOrderID: req.DeliveryOrderID,
				PurchaseOrderID: req.PurchaseOrderID,
				Actor:           actor,
			})
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"module":        "service",
		"op":            "adjust_stock",
		"store_id":      entry.StoreID,
		"product_id":    entry.ProductID,
		"activity_code": entry.ActivityCode,
		"current":       entry.CurrentQuantity,
		"actor":         actor,
	}).Info("stock adjusted")
	return entry, nil
}

package inventory

import (
	"context"
	"fmt"
	"time"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/xid"
)

type Adjustment struct {
	StoreID         string
	ProductID       string
	Delta           int
	ActivityCode    domain.ActivityCode
	TransactionID   string
	StocktakeID     string
	DeliveryOrderID string
	PurchaseOrderID string
	Actor           string
}

// Ledger applies signed stock movements and appends one log row per movement.
// Both writes go through the caller's unit of work.
type Ledger struct {
	allowNegative bool
	now           func() time.Time
}

func NewLedger(allowNegative bool) *Ledger {
	return &Ledger{allowNegative: allowNegative, now: func() time.Time { return time.Now().UTC() }}
}

func (l *Ledger) Adjust(ctx context.Context, uow store.UnitOfWork, adj Adjustment) (*domain.InventoryLog, error) {
	if adj.Delta == 0 || adj.StoreID == "" || adj.ProductID == "" {
		return nil, fmt.Errorf("stock adjustment needs store, product and a non-zero delta: %w", store.ErrInvalidTransaction)
	}
	if !adj.ActivityCode.Valid() {
		return nil, fmt.Errorf("unknown activity code %q: %w", adj.ActivityCode, store.ErrInvalidTransaction)
	}

	current, err := uow.AdjustStock(ctx, adj.StoreID, adj.ProductID, adj.Delta)
	if err != nil {
		return nil, fmt.Errorf("adjust stock %s/%s: %w", adj.StoreID, adj.ProductID, err)
	}
	if adj.Delta < 0 && current < 0 && !l.allowNegative {
		return nil, fmt.Errorf("product %s in store %s would drop to %d: %w", adj.ProductID, adj.StoreID, current, store.ErrInsufficientStock)
	}

	entry := domain.InventoryLog{
		ID:              xid.New("invlog"),
		StoreID:         adj.StoreID,
		ProductID:       adj.ProductID,
		ActivityCode:    adj.ActivityCode,
		CurrentQuantity: current,
		TransactionID:   adj.TransactionID,
		StocktakeID:     adj.StocktakeID,
		DeliveryOrderID: adj.DeliveryOrderID,
		PurchaseOrderID: adj.PurchaseOrderID,
		Actor:           adj.Actor,
		CreatedAt:       l.now(),
	}
	if adj.Delta > 0 {
		entry.QuantityIn = adj.Delta
	} else {
		entry.QuantityOut = -adj.Delta
	}
	if err := uow.InsertInventoryLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("insert inventory log: %w", err)
	}
	return &entry, nil
}

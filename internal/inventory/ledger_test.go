package inventory

import (
	"context"
	"errors"
	"testing"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/store/memory"
)

func TestAdjustWritesLogWithResultingQuantity(t *testing.T) {
	s := memory.NewSeeded()
	ctx := context.Background()
	ledger := NewLedger(true)

	var entry *domain.InventoryLog
	err := s.WithinTx(ctx, func(uow store.UnitOfWork) error {
		var err error
		entry, err = ledger.Adjust(ctx, uow, Adjustment{
			StoreID: "store-tst", ProductID: "prod-coffee", Delta: -3,
			ActivityCode: domain.ActivitySoldItem, TransactionID: "txn-1", Actor: "cashier",
		})
		return err
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if entry.QuantityOut != 3 || entry.QuantityIn != 0 || entry.CurrentQuantity != 117 {
		t.Fatalf("unexpected log entry %+v", entry)
	}
	logs, _ := s.ListInventoryLogs(ctx, "txn-1")
	if len(logs) != 1 || logs[0].ActivityCode != domain.ActivitySoldItem {
		t.Fatalf("expected one SI log, got %+v", logs)
	}
}

func TestAdjustRejectsNegativeStockWhenDisallowed(t *testing.T) {
	s := memory.NewSeeded()
	s.SetStock("store-tst", "prod-widget", 2)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(uow store.UnitOfWork) error {
		_, err := NewLedger(false).Adjust(ctx, uow, Adjustment{
			StoreID: "store-tst", ProductID: "prod-widget", Delta: -3, ActivityCode: domain.ActivitySoldItem,
		})
		return err
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if qty, _ := s.GetStock(ctx, "store-tst", "prod-widget"); qty != 2 {
		t.Fatalf("expected stock untouched at 2, got %d", qty)
	}

	err = s.WithinTx(ctx, func(uow store.UnitOfWork) error {
		_, err := NewLedger(true).Adjust(ctx, uow, Adjustment{
			StoreID: "store-tst", ProductID: "prod-widget", Delta: -3, ActivityCode: domain.ActivitySoldItem,
		})
		return err
	})
	if err != nil {
		t.Fatalf("negative stock should be allowed: %v", err)
	}
	if qty, _ := s.GetStock(ctx, "store-tst", "prod-widget"); qty != -1 {
		t.Fatalf("expected stock -1, got %d", qty)
	}
}

func TestAdjustValidatesInput(t *testing.T) {
	s := memory.NewSeeded()
	ctx := context.Background()
	ledger := NewLedger(true)

	for _, adj := range []Adjustment{
		{StoreID: "store-tst", ProductID: "prod-coffee", Delta: 0, ActivityCode: domain.ActivityAdjustment},
		{StoreID: "store-tst", ProductID: "prod-coffee", Delta: 1, ActivityCode: "XX"},
	} {
		err := s.WithinTx(ctx, func(uow store.UnitOfWork) error {
			_, err := ledger.Adjust(ctx, uow, adj)
			return err
		})
		if !errors.Is(err, store.ErrInvalidTransaction) {
			t.Fatalf("expected ErrInvalidTransaction for %+v, got %v", adj, err)
		}
	}
}

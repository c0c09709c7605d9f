package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"retailpos/backend/internal/discount"
	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/inventory"
	"retailpos/backend/internal/notify"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/store/memory"
)

const cashier = "cashier-1"

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	return New(Deps{Store: repo}, Options{RetryBackoff: time.Millisecond}), repo
}

func newTxn(t *testing.T, svc *Service, storeID string, currencyID string) *domain.Transaction {
	t.Helper()
	txn, err := svc.Create(context.Background(), domain.CreateTransactionRequest{
		StoreID:    storeID,
		EmployeeID: "emp-1",
		CurrencyID: currencyID,
	}, cashier)
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return txn
}

func addItem(t *testing.T, svc *Service, txnID string, productID string, qty int) *domain.Transaction {
	t.Helper()
	txn, err := svc.AddItem(context.Background(), txnID, domain.AddItemRequest{ProductID: productID, Quantity: qty}, cashier)
	if err != nil {
		t.Fatalf("add item %s: %v", productID, err)
	}
	return txn
}

func assertMoney(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("expected %s %s, got %s", label, want, got)
	}
}

func stockOf(t *testing.T, repo *memory.Store, storeID string, productID string) int {
	t.Helper()
	qty, err := repo.GetStock(context.Background(), storeID, productID)
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	return qty
}

func assertContiguousVersions(t *testing.T, svc *Service, txnID string, want int) []domain.TransactionVersion {
	t.Helper()
	versions, err := svc.ListVersions(context.Background(), txnID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != want {
		t.Fatalf("expected %d versions, got %d", want, len(versions))
	}
	for i, v := range versions {
		if v.VersionNumber != i+1 {
			t.Fatalf("expected version %d at position %d, got %d", i+1, i, v.VersionNumber)
		}
	}
	return versions
}

func TestCreateNumbersTransactionsPerStoreAndDay(t *testing.T) {
	svc, _ := newTestService()
	day := time.Now().UTC().Format("20060102")

	first := newTxn(t, svc, "store-tst", "usd")
	second := newTxn(t, svc, "store-tst", "usd")
	other := newTxn(t, svc, "store-exc", "usd")

	if first.TransactionNumber != "TXN-TST-"+day+"-0001" {
		t.Fatalf("unexpected first number %s", first.TransactionNumber)
	}
	if second.TransactionNumber != "TXN-TST-"+day+"-0002" {
		t.Fatalf("unexpected second number %s", second.TransactionNumber)
	}
	if other.TransactionNumber != "TXN-EXC-"+day+"-0001" {
		t.Fatalf("sequence should be per store, got %s", other.TransactionNumber)
	}
	if first.Status != domain.TxStatusDraft {
		t.Fatalf("expected draft, got %s", first.Status)
	}
	versions := assertContiguousVersions(t, svc, first.ID, 1)
	if versions[0].ChangeType != domain.ChangeCreated || versions[0].Actor != cashier {
		t.Fatalf("unexpected first version %+v", versions[0])
	}
}

func TestCreateRejectsCurrencyTheStoreDoesNotSell(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Create(context.Background(), domain.CreateTransactionRequest{
		StoreID: "store-exc", EmployeeID: "emp-1", CurrencyID: "jpy",
	}, cashier)
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected invalid transaction, got %v", err)
	}
}

func TestOperationsRequireActor(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Create(context.Background(), domain.CreateTransactionRequest{
		StoreID: "store-tst", EmployeeID: "emp-1", CurrencyID: "usd",
	}, "  ")
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected missing actor to be rejected, got %v", err)
	}
}

func TestAddItemWithoutTaxTotalsSubtotal(t *testing.T) {
	svc, _ := newTestService()
	txn := newTxn(t, svc, "store-tst", "usd")

	txn = addItem(t, svc, txn.ID, "prod-coffee", 2)
	assertMoney(t, "subtotal", txn.Subtotal, "50.00")
	assertMoney(t, "tax", txn.TaxAmount, "0")
	assertMoney(t, "total", txn.Total, "50.00")
	assertMoney(t, "balance due", txn.BalanceDue, "50.00")
	if txn.Items[0].PriceSource != domain.PriceSourceBase {
		t.Fatalf("expected base price source, got %s", txn.Items[0].PriceSource)
	}
}

func TestExclusiveTaxAddedOnTop(t *testing.T) {
	svc, _ := newTestService()
	txn := newTxn(t, svc, "store-exc", "usd")

	txn = addItem(t, svc, txn.ID, "prod-widget", 1)
	assertMoney(t, "tax", txn.TaxAmount, "7.00")
	assertMoney(t, "total", txn.Total, "107.00")
}

func TestInclusiveTaxKeepsShelfPrice(t *testing.T) {
	svc, _ := newTestService()
	txn := newTxn(t, svc, "store-inc", "usd")

	txn = addItem(t, svc, txn.ID, "prod-premium", 1)
	assertMoney(t, "total", txn.Total, "107.00")
	assertMoney(t, "tax", txn.TaxAmount, "7.00")
}

func TestCashOverpaymentGivesChange(t *testing.T) {
	svc, _ := newTestService()
	txn := newTxn(t, svc, "store-tst", "usd")
	txn = addItem(t, svc, txn.ID, "prod-tea", 10)
	assertMoney(t, "total", txn.Total, "80.00")

	txn, err := svc.AddPayment(context.Background(), txn.ID, domain.AddPaymentRequest{
		PaymentModeID: "cash",
		Amount:        decimal.RequireFromString("100.00"),
	}, cashier)
	if err != nil {
		t.Fatalf("add payment: %v", err)
	}
	assertMoney(t, "change", txn.ChangeAmount, "20.00")
	assertMoney(t, "balance due", txn.BalanceDue, "0")
	assertMoney(t, "amount paid", txn.AmountPaid, "100.00")
	if txn.Payments[0].RowNumber != 1 {
		t.Fatalf("expected row number 1, got %d", txn.Payments[0].RowNumber)
	}
	assertMoney(t, "balance after", txn.Payments[0].BalanceAfter, "0")
}

func TestCompleteThenVoidRestoresStock(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	start := stockOf(t, repo, "store-tst", "prod-coffee")

	txn := newTxn(t, svc, "store-tst", "usd")
	addItem(t, svc, txn.ID, "prod-coffee", 3)

	completed, err := svc.Complete(ctx, txn.ID, cashier)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != domain.TxStatusCompleted || completed.CheckoutAt == nil {
		t.Fatalf("expected completed with checkout time, got %s", completed.Status)
	}
	if got := stockOf(t, repo, "store-tst", "prod-coffee"); got != start-3 {
		t.Fatalf("expected stock %d after sale, got %d", start-3, got)
	}

	voided, err := svc.Void(ctx, txn.ID, domain.VoidRequest{Reason: "customer changed mind"}, "manager-1")
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if voided.Status != domain.TxStatusVoided || voided.VoidReason != "customer changed mind" {
		t.Fatalf("unexpected voided transaction %+v", voided)
	}
	if got := stockOf(t, repo, "store-tst", "prod-coffee"); got != start {
		t.Fatalf("expected stock restored to %d, got %d", start, got)
	}

	logs, err := svc.ListInventoryLogs(ctx, txn.ID)
	if err != nil {
		t.Fatalf("list inventory logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 inventory logs, got %d", len(logs))
	}
	if logs[0].ActivityCode != domain.ActivitySoldItem || logs[0].QuantityOut != 3 || logs[0].CurrentQuantity != start-3 {
		t.Fatalf("unexpected sale log %+v", logs[0])
	}
	if logs[1].ActivityCode != domain.ActivityVoidItem || logs[1].QuantityIn != 3 || logs[1].CurrentQuantity != start {
		t.Fatalf("unexpected void log %+v", logs[1])
	}

	versions := assertContiguousVersions(t, svc, txn.ID, 4)
	if versions[3].ChangeType != domain.ChangeVoided || versions[3].SnapshotStatus != domain.TxStatusVoided {
		t.Fatalf("unexpected void version %+v", versions[3])
	}

	if _, err := svc.AddItem(ctx, txn.ID, domain.AddItemRequest{ProductID: "prod-tea", Quantity: 1}, cashier); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("voided transaction must be immutable, got %v", err)
	}
	if _, err := svc.Void(ctx, txn.ID, domain.VoidRequest{Reason: "again"}, "manager-1"); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("second void should fail, got %v", err)
	}
}

func TestPartialRefundReturnsStockAndValue(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	start := stockOf(t, repo, "store-tst", "prod-coffee")

	txn := newTxn(t, svc, "store-tst", "usd")
	txn = addItem(t, svc, txn.ID, "prod-coffee", 3)
	itemID := txn.Items[0].ID
	if _, err := svc.Complete(ctx, txn.ID, cashier); err != nil {
		t.Fatalf("complete: %v", err)
	}

	refunded, err := svc.ProcessRefund(ctx, txn.ID, domain.RefundRequest{Items: []domain.RefundLine{
		{ItemID: itemID, Quantity: 2, Reason: "damaged"},
	}}, "manager-1")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := stockOf(t, repo, "store-tst", "prod-coffee"); got != start-1 {
		t.Fatalf("expected stock %d, got %d", start-1, got)
	}
	assertMoney(t, "refund amount", refunded.RefundAmount, "50.00")
	if refunded.Status != domain.TxStatusCompleted {
		t.Fatalf("refund must not change status, got %s", refunded.Status)
	}
	item := refunded.Items[0]
	if item.RefundedQuantity != 2 || item.IsRefunded || item.RefundReason != "damaged" {
		t.Fatalf("unexpected item after partial refund %+v", item)
	}

	refunded, err = svc.ProcessRefund(ctx, txn.ID, domain.RefundRequest{Items: []domain.RefundLine{
		{ItemID: itemID, Quantity: 1},
	}}, "manager-1")
	if err != nil {
		t.Fatalf("refund remainder: %v", err)
	}
	if !refunded.Items[0].IsRefunded {
		t.Fatalf("expected item fully refunded")
	}
	assertMoney(t, "refund amount", refunded.RefundAmount, "75.00")

	_, err = svc.ProcessRefund(ctx, txn.ID, domain.RefundRequest{Items: []domain.RefundLine{
		{ItemID: itemID, Quantity: 1},
	}}, "manager-1")
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected refund of fully refunded item to fail, got %v", err)
	}
	assertContiguousVersions(t, svc, txn.ID, 5)
}

func TestRefundRejectsOverRefundWithoutSideEffects(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	txn := newTxn(t, svc, "store-tst", "usd")
	txn = addItem(t, svc, txn.ID, "prod-coffee", 2)
	txn = addItem(t, svc, txn.ID, "prod-tea", 1)
	if _, err := svc.Complete(ctx, txn.ID, cashier); err != nil {
		t.Fatalf("complete: %v", err)
	}
	coffee := stockOf(t, repo, "store-tst", "prod-coffee")

	_, err := svc.ProcessRefund(ctx, txn.ID, domain.RefundRequest{Items: []domain.RefundLine{
		{ItemID: txn.Items[0].ID, Quantity: 1},
		{ItemID: txn.Items[1].ID, Quantity: 1},
		{ItemID: txn.Items[1].ID, Quantity: 1},
	}}, "manager-1")
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected over-refund to be rejected, got %v", err)
	}
	if got := stockOf(t, repo, "store-tst", "prod-coffee"); got != coffee {
		t.Fatalf("stock moved on rejected refund: %d -> %d", coffee, got)
	}

	_, err = svc.ProcessRefund(ctx, txn.ID, domain.RefundRequest{Items: []domain.RefundLine{
		{ItemID: "item-missing", Quantity: 1},
	}}, "manager-1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	assertContiguousVersions(t, svc, txn.ID, 4)
}

func TestRefundRequiresCompletedTransaction(t *testing.T) {
	svc, _ := newTestService()
	txn := newTxn(t, svc, "store-tst", "usd")
	txn = addItem(t, svc, txn.ID, "prod-coffee", 1)

	_, err := svc.ProcessRefund(context.Background(), txn.ID, domain.RefundRequest{Items: []domain.RefundLine{
		{ItemID: txn.Items[0].ID, Quantity: 1},
	}}, "manager-1")
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected draft refund to fail, got %v", err)
	}
}

func TestVoidAfterPartialRefundRestoresOnlyRemainder(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	start := stockOf(t, repo, "store-tst", "prod-coffee")

	txn := newTxn(t, svc, "store-tst", "usd")
	txn = addItem(t, svc, txn.ID, "prod-coffee", 4)
	if _, err := svc.Complete(ctx, txn.ID, cashier); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := svc.ProcessRefund(ctx, txn.ID, domain.RefundRequest{Items: []domain.RefundLine{
		{ItemID: txn.Items[0].ID, Quantity: 1},
	}}, "manager-1"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if _, err := svc.Void(ctx, txn.ID, domain.VoidRequest{Reason: "wrong customer"}, "manager-1"); err != nil {
		t.Fatalf("void: %v", err)
	}
	if got := stockOf(t, repo, "store-tst", "prod-coffee"); got != start {
		t.Fatalf("expected stock %d, got %d", start, got)
	}
}

func TestRefundIncludesExclusiveTax(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	txn := newTxn(t, svc, "store-exc", "usd")
	txn = addItem(t, svc, txn.ID, "prod-widget", 3)
	assertMoney(t, "total", txn.Total, "321.00")
	if _, err := svc.Complete(ctx, txn.ID, cashier); err != nil {
		t.Fatalf("complete: %v", err)
	}

	refunded, err := svc.ProcessRefund(ctx, txn.ID, domain.RefundRequest{Items: []domain.RefundLine{
		{ItemID: txn.Items[0].ID, Quantity: 1},
	}}, "manager-1")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	assertMoney(t, "refund amount", refunded.RefundAmount, "107.00")

	refunded, err = svc.ProcessRefund(ctx, txn.ID, domain.RefundRequest{Items: []domain.RefundLine{
		{ItemID: txn.Items[0].ID, Quantity: 2},
	}}, "manager-1")
	if err != nil {
		t.Fatalf("refund remainder: %v", err)
	}
	assertMoney(t, "refund amount", refunded.RefundAmount, "321.00")
}

func TestRefundNeverExceedsDiscountedTotal(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	txn := newTxn(t, svc, "store-tst", "usd")
	addItem(t, svc, txn.ID, "prod-coffee", 4)
	txn, err := svc.SetManualDiscount(ctx, txn.ID, domain.ManualDiscountRequest{Amount: decimal.RequireFromString("40")}, cashier)
	if err != nil {
		t.Fatalf("manual discount: %v", err)
	}
	assertMoney(t, "total", txn.Total, "60.00")
	if _, err := svc.Complete(ctx, txn.ID, cashier); err != nil {
		t.Fatalf("complete: %v", err)
	}

	refunded, err := svc.ProcessRefund(ctx, txn.ID, domain.RefundRequest{Items: []domain.RefundLine{
		{ItemID: txn.Items[0].ID, Quantity: 4},
	}}, "manager-1")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	assertMoney(t, "refund amount", refunded.RefundAmount, "60.00")
}

func TestRefundSharesHeaderDiscountAcrossLines(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	txn := newTxn(t, svc, "store-tst", "usd")
	addItem(t, svc, txn.ID, "prod-coffee", 2)
	addItem(t, svc, txn.ID, "prod-tea", 5)
	txn, err := svc.SetManualDiscount(ctx, txn.ID, domain.ManualDiscountRequest{Amount: decimal.RequireFromString("30")}, cashier)
	if err != nil {
		t.Fatalf("manual discount: %v", err)
	}
	assertMoney(t, "total", txn.Total, "60.00")
	if _, err := svc.Complete(ctx, txn.ID, cashier); err != nil {
		t.Fatalf("complete: %v", err)
	}
	coffee := stockOf(t, repo, "store-tst", "prod-coffee")
	tea := stockOf(t, repo, "store-tst", "prod-tea")

	refunded, err := svc.ProcessRefund(ctx, txn.ID, domain.RefundRequest{Items: []domain.RefundLine{
		{ItemID: txn.Items[1].ID, Quantity: 5},
		{ItemID: txn.Items[0].ID, Quantity: 2},
	}}, "manager-1")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	assertMoney(t, "coffee refund", refunded.Items[0].RefundedAmount, "33.33")
	assertMoney(t, "tea refund", refunded.Items[1].RefundedAmount, "26.67")
	assertMoney(t, "refund amount", refunded.RefundAmount, "60.00")
	if stockOf(t, repo, "store-tst", "prod-coffee") != coffee+2 || stockOf(t, repo, "store-tst", "prod-tea") != tea+5 {
		t.Fatalf("refund did not return both products to stock")
	}

	logs, err := svc.ListInventoryLogs(ctx, txn.ID)
	if err != nil {
		t.Fatalf("list inventory logs: %v", err)
	}
	if len(logs) != 4 {
		t.Fatalf("expected 4 inventory logs, got %d", len(logs))
	}
	if logs[2].ProductID != "prod-coffee" || logs[3].ProductID != "prod-tea" {
		t.Fatalf("refund rows should follow product order, got %s then %s", logs[2].ProductID, logs[3].ProductID)
	}
}

func TestAddItemMergesSameProduct(t *testing.T) {
	svc, _ := newTestService()
	txn := newTxn(t, svc, "store-tst", "usd")

	addItem(t, svc, txn.ID, "prod-coffee", 1)
	txn = addItem(t, svc, txn.ID, "prod-coffee", 2)
	if len(txn.Items) != 1 {
		t.Fatalf("expected one merged line, got %d", len(txn.Items))
	}
	if txn.Items[0].Quantity != 3 {
		t.Fatalf("expected quantity 3, got %d", txn.Items[0].Quantity)
	}
	assertMoney(t, "subtotal", txn.Subtotal, "75.00")

	versions := assertContiguousVersions(t, svc, txn.ID, 3)
	for _, v := range versions[1:] {
		if v.ChangeType != domain.ChangeItemAdded {
			t.Fatalf("expected item_added, got %s", v.ChangeType)
		}
	}
	if len(versions[1].SnapshotItems) != 1 || versions[1].SnapshotItems[0].Quantity != 1 {
		t.Fatalf("earlier snapshot must keep quantity 1, got %+v", versions[1].SnapshotItems)
	}
}

func TestAddItemUsesActiveStoreOverride(t *testing.T) {
	svc, _ := newTestService()
	txn := newTxn(t, svc, "store-exc", "usd")

	txn = addItem(t, svc, txn.ID, "prod-tea", 2)
	txn = addItem(t, svc, txn.ID, "prod-coffee", 1)

	tea := txn.Items[0]
	if tea.PriceSource != domain.PriceSourceStore {
		t.Fatalf("expected store price for tea, got %s", tea.PriceSource)
	}
	assertMoney(t, "tea unit price", tea.UnitPrice, "7.50")

	coffee := txn.Items[1]
	if coffee.PriceSource != domain.PriceSourceBase {
		t.Fatalf("inactive override must fall back to base, got %s", coffee.PriceSource)
	}
	assertMoney(t, "coffee unit price", coffee.UnitPrice, "25.00")
	if coffee.SortOrder <= tea.SortOrder {
		t.Fatalf("expected increasing sort order, got %d then %d", tea.SortOrder, coffee.SortOrder)
	}
}

func TestAddItemPriceNotFoundWritesNothing(t *testing.T) {
	svc, _ := newTestService()
	txn := newTxn(t, svc, "store-tst", "jpy")

	_, err := svc.AddItem(context.Background(), txn.ID, domain.AddItemRequest{ProductID: "prod-widget", Quantity: 1}, cashier)
	if !errors.Is(err, store.ErrPriceNotFound) {
		t.Fatalf("expected price not found, got %v", err)
	}
	got, err := svc.GetTransaction(context.Background(), txn.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if len(got.Items) != 0 {
		t.Fatalf("expected no items, got %d", len(got.Items))
	}
	assertContiguousVersions(t, svc, txn.ID, 1)
}

func TestZeroDecimalCurrencyRoundsToWholeUnits(t *testing.T) {
	svc, _ := newTestService()
	txn := newTxn(t, svc, "store-tst", "jpy")

	txn = addItem(t, svc, txn.ID, "prod-coffee", 3)
	assertMoney(t, "total", txn.Total, "7500")

	_, err := svc.AddPayment(context.Background(), txn.ID, domain.AddPaymentRequest{
		PaymentModeID: "cash",
		Amount:        decimal.RequireFromString("100.5"),
	}, cashier)
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected fractional yen to be rejected, got %v", err)
	}
}

func TestUpdateAndRemoveItem(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	txn := newTxn(t, svc, "store-tst", "usd")
	txn = addItem(t, svc, txn.ID, "prod-coffee", 1)
	itemID := txn.Items[0].ID

	qty := 4
	txn, err := svc.UpdateItem(ctx, txn.ID, itemID, domain.UpdateItemRequest{Quantity: &qty}, cashier)
	if err != nil {
		t.Fatalf("update item: %v", err)
	}
	assertMoney(t, "total", txn.Total, "100.00")

	if _, err := svc.UpdateItem(ctx, txn.ID, "item-missing", domain.UpdateItemRequest{Quantity: &qty}, cashier); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	zero := 0
	if _, err := svc.UpdateItem(ctx, txn.ID, itemID, domain.UpdateItemRequest{Quantity: &zero}, cashier); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected zero quantity to be rejected, got %v", err)
	}

	txn, err = svc.RemoveItem(ctx, txn.ID, itemID, cashier)
	if err != nil {
		t.Fatalf("remove item: %v", err)
	}
	if len(txn.Items) != 0 {
		t.Fatalf("expected empty transaction")
	}
	assertMoney(t, "total", txn.Total, "0")

	versions := assertContiguousVersions(t, svc, txn.ID, 4)
	if versions[2].ChangeType != domain.ChangeItemModified || versions[3].ChangeType != domain.ChangeItemRemoved {
		t.Fatalf("unexpected change types %s, %s", versions[2].ChangeType, versions[3].ChangeType)
	}
}

func TestCustomerDiscountIsSnapshottedAndCleared(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	txn := newTxn(t, svc, "store-exc", "usd")
	addItem(t, svc, txn.ID, "prod-widget", 1)

	vip := "cust-vip"
	txn, err := svc.SetCustomer(ctx, txn.ID, domain.SetCustomerRequest{CustomerID: &vip}, cashier)
	if err != nil {
		t.Fatalf("set customer: %v", err)
	}
	assertMoney(t, "customer discount", txn.CustomerDiscount, "10.00")
	assertMoney(t, "tax", txn.TaxAmount, "6.30")
	assertMoney(t, "total", txn.Total, "96.30")
	assertMoney(t, "line customer pct", txn.Items[0].CustomerDiscountPercentage, "10")

	txn, err = svc.SetCustomer(ctx, txn.ID, domain.SetCustomerRequest{}, cashier)
	if err != nil {
		t.Fatalf("clear customer: %v", err)
	}
	if txn.CustomerID != nil {
		t.Fatalf("expected customer cleared")
	}
	assertMoney(t, "total", txn.Total, "107.00")

	missing := "cust-missing"
	if _, err := svc.SetCustomer(ctx, txn.ID, domain.SetCustomerRequest{CustomerID: &missing}, cashier); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestManualDiscountIsCappedAtRemainingAmount(t *testing.T) {
	svc, _ := newTestService()
	txn := newTxn(t, svc, "store-tst", "usd")
	addItem(t, svc, txn.ID, "prod-tea", 1)

	txn, err := svc.SetManualDiscount(context.Background(), txn.ID, domain.ManualDiscountRequest{Amount: decimal.RequireFromString("50")}, cashier)
	if err != nil {
		t.Fatalf("manual discount: %v", err)
	}
	assertMoney(t, "manual discount", txn.ManualDiscount, "8.00")
	assertMoney(t, "total", txn.Total, "0")

	versions := assertContiguousVersions(t, svc, txn.ID, 3)
	if versions[2].ChangeType != domain.ChangeDiscountApplied {
		t.Fatalf("expected discount_applied, got %s", versions[2].ChangeType)
	}
}

func TestOffersAreSnapshottedOnLines(t *testing.T) {
	repo := memory.NewSeeded()
	offers := discount.StaticOffers{Rules: []discount.Rule{
		{OfferID: "offer-coffee", Name: "Coffee 20% off", Scope: discount.ScopeLine, ProductID: "prod-coffee", DiscountType: domain.DiscountTypePercentage, DiscountAmount: decimal.NewFromInt(20)},
		{OfferID: "offer-spend", Name: "5 off above 100", Scope: discount.ScopeMinimumSpend, MinimumSpend: decimal.NewFromInt(100), DiscountType: domain.DiscountTypeFixed, DiscountAmount: decimal.NewFromInt(5)},
	}}
	svc := New(Deps{Store: repo, Offers: offers}, Options{})
	ctx := context.Background()

	txn := newTxn(t, svc, "store-tst", "usd")
	txn = addItem(t, svc, txn.ID, "prod-coffee", 2)
	if txn.Items[0].Offer == nil || txn.Items[0].Offer.OfferID != "offer-coffee" {
		t.Fatalf("expected coffee offer on line, got %+v", txn.Items[0].Offer)
	}
	assertMoney(t, "offer discount", txn.OfferDiscount, "10.00")
	assertMoney(t, "minimum spend", txn.MinimumSpendDiscount, "0")
	assertMoney(t, "total", txn.Total, "40.00")

	txn = addItem(t, svc, txn.ID, "prod-widget", 1)
	assertMoney(t, "minimum spend", txn.MinimumSpendDiscount, "5.00")
	assertMoney(t, "total", txn.Total, "135.00")

	vip := "cust-vip"
	txn, err := svc.SetCustomer(ctx, txn.ID, domain.SetCustomerRequest{CustomerID: &vip}, cashier)
	if err != nil {
		t.Fatalf("set customer: %v", err)
	}
	// Non-combinable coffee offer wins over the customer discount on that line.
	assertMoney(t, "coffee customer discount", txn.Items[0].CustomerDiscount, "0")
	assertMoney(t, "widget customer discount", txn.Items[1].CustomerDiscount, "10.00")

	versions, err := svc.ListVersions(ctx, txn.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if versions[1].DiffData["offers_after"] == nil {
		t.Fatalf("expected offer change recorded in diff, got %+v", versions[1].DiffData)
	}
}

func TestRefreshOffersRecordsOfferApplied(t *testing.T) {
	svc, _ := newTestService()
	txn := newTxn(t, svc, "store-tst", "usd")
	addItem(t, svc, txn.ID, "prod-coffee", 1)

	if _, err := svc.RefreshOffers(context.Background(), txn.ID, cashier); err != nil {
		t.Fatalf("refresh offers: %v", err)
	}
	versions := assertContiguousVersions(t, svc, txn.ID, 3)
	if versions[2].ChangeType != domain.ChangeOfferApplied {
		t.Fatalf("expected offer_applied, got %s", versions[2].ChangeType)
	}
}

func TestSuspendResumeAndCompleteFromSuspended(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	txn := newTxn(t, svc, "store-tst", "usd")
	addItem(t, svc, txn.ID, "prod-tea", 1)

	if _, err := svc.Resume(ctx, txn.ID, cashier); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("resume of draft should fail, got %v", err)
	}
	suspended, err := svc.Suspend(ctx, txn.ID, cashier)
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if suspended.Status != domain.TxStatusSuspended {
		t.Fatalf("expected suspended, got %s", suspended.Status)
	}
	if _, err := svc.AddItem(ctx, txn.ID, domain.AddItemRequest{ProductID: "prod-tea", Quantity: 1}, cashier); err != nil {
		t.Fatalf("suspended transaction should accept items: %v", err)
	}
	resumed, err := svc.Resume(ctx, txn.ID, cashier)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != domain.TxStatusDraft {
		t.Fatalf("expected draft, got %s", resumed.Status)
	}
	if _, err := svc.Suspend(ctx, txn.ID, cashier); err != nil {
		t.Fatalf("suspend again: %v", err)
	}
	if _, err := svc.Complete(ctx, txn.ID, cashier); err != nil {
		t.Fatalf("complete from suspended: %v", err)
	}
	assertContiguousVersions(t, svc, txn.ID, 7)
}

func TestCompleteRequiresItems(t *testing.T) {
	svc, _ := newTestService()
	txn := newTxn(t, svc, "store-tst", "usd")

	if _, err := svc.Complete(context.Background(), txn.ID, cashier); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected empty completion to fail, got %v", err)
	}
	if _, err := svc.Void(context.Background(), txn.ID, domain.VoidRequest{Reason: "x"}, cashier); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected void of draft to fail, got %v", err)
	}
}

func TestCompleteWithFullPaymentRequired(t *testing.T) {
	repo := memory.NewSeeded()
	svc := New(Deps{Store: repo}, Options{RequireFullPayment: true})
	ctx := context.Background()
	txn := newTxn(t, svc, "store-tst", "usd")
	addItem(t, svc, txn.ID, "prod-tea", 1)

	if _, err := svc.Complete(ctx, txn.ID, cashier); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected unpaid completion to fail, got %v", err)
	}
	if _, err := svc.AddPayment(ctx, txn.ID, domain.AddPaymentRequest{PaymentModeID: "card", Amount: decimal.RequireFromString("8.00")}, cashier); err != nil {
		t.Fatalf("add payment: %v", err)
	}
	if _, err := svc.Complete(ctx, txn.ID, cashier); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestCompleteFailsOnInsufficientStockWhenNegativeDisallowed(t *testing.T) {
	repo := memory.NewSeeded()
	repo.SetStock("store-tst", "prod-tea", 1)
	svc := New(Deps{Store: repo, Ledger: inventory.NewLedger(false)}, Options{})
	ctx := context.Background()

	txn := newTxn(t, svc, "store-tst", "usd")
	addItem(t, svc, txn.ID, "prod-coffee", 1)
	addItem(t, svc, txn.ID, "prod-tea", 2)

	if _, err := svc.Complete(ctx, txn.ID, cashier); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if got := stockOf(t, repo, "store-tst", "prod-coffee"); got != 120 {
		t.Fatalf("coffee stock must roll back, got %d", got)
	}
	got, _ := svc.GetTransaction(ctx, txn.ID)
	if got.Status != domain.TxStatusDraft {
		t.Fatalf("expected draft after failed completion, got %s", got.Status)
	}
}

func TestPaymentsAddAndRemove(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	txn := newTxn(t, svc, "store-tst", "usd")
	addItem(t, svc, txn.ID, "prod-coffee", 2)

	txn, err := svc.AddPayment(ctx, txn.ID, domain.AddPaymentRequest{
		PaymentModeID: "card", Amount: decimal.RequireFromString("30.00"),
		PaymentData: map[string]string{"last4": "4242"},
	}, cashier)
	if err != nil {
		t.Fatalf("add card payment: %v", err)
	}
	assertMoney(t, "balance after", txn.Payments[0].BalanceAfter, "20.00")
	txn, err = svc.AddPayment(ctx, txn.ID, domain.AddPaymentRequest{PaymentModeID: "cash", Amount: decimal.RequireFromString("20.00")}, cashier)
	if err != nil {
		t.Fatalf("add cash payment: %v", err)
	}
	if txn.Payments[1].RowNumber != 2 {
		t.Fatalf("expected row number 2, got %d", txn.Payments[1].RowNumber)
	}
	assertMoney(t, "balance due", txn.BalanceDue, "0")

	txn, err = svc.RemovePayment(ctx, txn.ID, txn.Payments[0].ID, cashier)
	if err != nil {
		t.Fatalf("remove payment: %v", err)
	}
	assertMoney(t, "amount paid", txn.AmountPaid, "20.00")
	assertMoney(t, "balance due", txn.BalanceDue, "30.00")

	if _, err := svc.AddPayment(ctx, txn.ID, domain.AddPaymentRequest{PaymentModeID: "cheque", Amount: decimal.NewFromInt(1)}, cashier); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected unknown mode to fail, got %v", err)
	}
	if _, err := svc.AddPayment(ctx, txn.ID, domain.AddPaymentRequest{PaymentModeID: "cash", Amount: decimal.Zero}, cashier); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected zero payment to fail, got %v", err)
	}

	if _, err := svc.Complete(ctx, txn.ID, cashier); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := svc.AddPayment(ctx, txn.ID, domain.AddPaymentRequest{PaymentModeID: "cash", Amount: decimal.NewFromInt(1)}, cashier); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("payments on completed transaction must fail, got %v", err)
	}
}

func TestTotalsInvariantAcrossVersions(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	txn := newTxn(t, svc, "store-exc", "usd")
	addItem(t, svc, txn.ID, "prod-tea", 3)
	addItem(t, svc, txn.ID, "prod-widget", 1)
	vip := "cust-vip"
	if _, err := svc.SetCustomer(ctx, txn.ID, domain.SetCustomerRequest{CustomerID: &vip}, cashier); err != nil {
		t.Fatalf("set customer: %v", err)
	}
	if _, err := svc.AddPayment(ctx, txn.ID, domain.AddPaymentRequest{PaymentModeID: "cash", Amount: decimal.NewFromInt(200)}, cashier); err != nil {
		t.Fatalf("add payment: %v", err)
	}

	versions, err := svc.ListVersions(ctx, txn.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	for _, v := range versions {
		tot := v.SnapshotTotals
		want := tot.Subtotal.Sub(tot.DiscountTotal()).Add(tot.TaxAmount)
		if !tot.Total.Equal(want) {
			t.Fatalf("version %d: total %s != %s", v.VersionNumber, tot.Total, want)
		}
		paid := decimal.Zero
		for _, p := range v.SnapshotPayments {
			paid = paid.Add(p.Amount)
		}
		if !paid.Equal(tot.AmountPaid) {
			t.Fatalf("version %d: paid %s != %s", v.VersionNumber, paid, tot.AmountPaid)
		}
	}

	v, err := svc.GetVersion(ctx, txn.ID, 2)
	if err != nil || v.ChangeType != domain.ChangeItemAdded {
		t.Fatalf("unexpected version 2 %+v (%v)", v, err)
	}
	if _, err := svc.GetVersion(ctx, txn.ID, 99); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected missing version to be not found, got %v", err)
	}
}

type failingVersionStore struct {
	store.Store
}

func (f failingVersionStore) WithinTx(ctx context.Context, fn func(uow store.UnitOfWork) error) error {
	return f.Store.WithinTx(ctx, func(uow store.UnitOfWork) error {
		return fn(failingVersionUnit{uow})
	})
}

type failingVersionUnit struct {
	store.UnitOfWork
}

func (failingVersionUnit) InsertVersion(_ context.Context, _ domain.TransactionVersion) error {
	return errors.New("version log unavailable")
}

func TestFailedVersionWriteRollsBackStockAndStatus(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	txn := newTxn(t, svc, "store-tst", "usd")
	addItem(t, svc, txn.ID, "prod-coffee", 3)
	start := stockOf(t, repo, "store-tst", "prod-coffee")

	broken := New(Deps{Store: failingVersionStore{repo}}, Options{})
	if _, err := broken.Complete(ctx, txn.ID, cashier); err == nil || !strings.Contains(err.Error(), "version log unavailable") {
		t.Fatalf("expected version failure, got %v", err)
	}

	if got := stockOf(t, repo, "store-tst", "prod-coffee"); got != start {
		t.Fatalf("stock must roll back, expected %d got %d", start, got)
	}
	got, err := svc.GetTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if got.Status != domain.TxStatusDraft {
		t.Fatalf("status must roll back, got %s", got.Status)
	}
	logs, _ := svc.ListInventoryLogs(ctx, txn.ID)
	if len(logs) != 0 {
		t.Fatalf("expected no inventory logs, got %d", len(logs))
	}
	assertContiguousVersions(t, svc, txn.ID, 2)
}

type flakyStore struct {
	store.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) WithinTx(ctx context.Context, fn func(uow store.UnitOfWork) error) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return store.ErrConflict
	}
	return f.Store.WithinTx(ctx, fn)
}

func TestConflictIsRetried(t *testing.T) {
	repo := memory.NewSeeded()
	flaky := &flakyStore{Store: repo}
	svc := New(Deps{Store: flaky}, Options{MaxAttempts: 3, RetryBackoff: time.Millisecond})

	flaky.failures.Store(2)
	txn := newTxn(t, svc, "store-tst", "usd")
	if flaky.calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", flaky.calls.Load())
	}

	flaky.calls.Store(0)
	flaky.failures.Store(5)
	_, err := svc.AddItem(context.Background(), txn.ID, domain.AddItemRequest{ProductID: "prod-tea", Quantity: 1}, cashier)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict after exhausting retries, got %v", err)
	}
	if flaky.calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", flaky.calls.Load())
	}
}

func TestConcurrentAddItemKeepsVersionsContiguous(t *testing.T) {
	svc, _ := newTestService()
	txn := newTxn(t, svc, "store-tst", "usd")

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AddItem(context.Background(), txn.ID, domain.AddItemRequest{ProductID: "prod-coffee", Quantity: 1}, cashier)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent add item: %v", err)
		}
	}

	got, err := svc.GetTransaction(context.Background(), txn.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].Quantity != workers {
		t.Fatalf("expected one line with quantity %d, got %+v", workers, got.Items)
	}
	assertContiguousVersions(t, svc, txn.ID, workers+1)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(event notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func TestLifecycleEventsAreNotified(t *testing.T) {
	repo := memory.NewSeeded()
	rec := &recordingNotifier{}
	svc := New(Deps{Store: repo, Notifier: rec}, Options{})
	ctx := context.Background()

	txn := newTxn(t, svc, "store-tst", "usd")
	txn = addItem(t, svc, txn.ID, "prod-coffee", 2)
	if _, err := svc.Complete(ctx, txn.ID, cashier); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := svc.ProcessRefund(ctx, txn.ID, domain.RefundRequest{Items: []domain.RefundLine{{ItemID: txn.Items[0].ID, Quantity: 1}}}, "manager-1"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if _, err := svc.Void(ctx, txn.ID, domain.VoidRequest{Reason: "test"}, "manager-1"); err != nil {
		t.Fatalf("void: %v", err)
	}

	want := []string{notify.ActionCompleted, notify.ActionRefunded, notify.ActionVoided}
	if len(rec.events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(rec.events))
	}
	for i, action := range want {
		if rec.events[i].Action != action || rec.events[i].TransactionID != txn.ID {
			t.Fatalf("event %d: expected %s, got %+v", i, action, rec.events[i])
		}
	}
	if rec.events[2].VersionNumber != 5 || rec.events[2].Actor != "manager-1" {
		t.Fatalf("unexpected void event %+v", rec.events[2])
	}
}

func TestAdjustStockAcceptsOnlyExternalCodes(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	entry, err := svc.AdjustStock(ctx, domain.StockAdjustmentRequest{
		StoreID: "store-tst", ProductID: "prod-tea", Delta: 30,
		ActivityCode: domain.ActivityDeliveryOrder, DeliveryOrderID: "do-1",
	}, "stock-clerk")
	if err != nil {
		t.Fatalf("adjust stock: %v", err)
	}
	if entry.QuantityIn != 30 || entry.CurrentQuantity != 150 || entry.DeliveryOrderID != "do-1" {
		t.Fatalf("unexpected log entry %+v", entry)
	}
	if got := stockOf(t, repo, "store-tst", "prod-tea"); got != 150 {
		t.Fatalf("expected 150, got %d", got)
	}

	level, err := svc.GetStock(ctx, "store-tst", "prod-tea")
	if err != nil || level.Quantity != 150 {
		t.Fatalf("unexpected stock level %+v (%v)", level, err)
	}

	_, err = svc.AdjustStock(ctx, domain.StockAdjustmentRequest{
		StoreID: "store-tst", ProductID: "prod-tea", Delta: -1, ActivityCode: domain.ActivitySoldItem,
	}, "stock-clerk")
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected SI to be reserved, got %v", err)
	}
	_, err = svc.AdjustStock(ctx, domain.StockAdjustmentRequest{
		StoreID: "store-tst", ProductID: "prod-missing", Delta: 1, ActivityCode: domain.ActivityAdjustment,
	}, "stock-clerk")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected unknown product, got %v", err)
	}
}

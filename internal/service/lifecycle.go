package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/inventory"
	"retailpos/backend/internal/notify"
	"retailpos/backend/internal/store"
)

// Complete checks out the transaction and decrements stock for every line.
func (s *Service) Complete(ctx context.Context, transactionID string, actor string) (*domain.Transaction, error) {
	return s.mutate(ctx, "complete", transactionID, actor, func(ctx context.Context, uow store.UnitOfWork, txn *domain.Transaction) (change, error) {
		if err := requireTransition(txn, domain.TxStatusCompleted); err != nil {
			return change{}, err
		}
		if len(txn.Items) == 0 {
			return change{}, invalidf("transaction %s has no items", txn.TransactionNumber)
		}
		if s.opts.RequireFullPayment && txn.BalanceDue.IsPositive() {
			return change{}, invalidf("transaction %s still has %s due", txn.TransactionNumber, txn.BalanceDue.StringFixed(txn.DecimalPlaces))
		}

		moved, err := s.moveStock(ctx, uow, txn, domain.ActivitySoldItem, actor, func(item domain.TransactionItem) int {
			return -item.Quantity
		})
		if err != nil {
			return change{}, err
		}

		now := s.now()
		txn.Status = domain.TxStatusCompleted
		txn.CheckoutAt = &now
		return change{
			changeType: domain.ChangeCompleted,
			summary:    fmt.Sprintf("completed with total %s", txn.Total.StringFixed(txn.DecimalPlaces)),
			diff:       map[string]any{"stock_out": moved},
			event:      notify.ActionCompleted,
		}, nil
	})
}

func (s *Service) Suspend(ctx context.Context, transactionID string, actor string) (*domain.Transaction, error) {
	return s.transition(ctx, "suspend", transactionID, actor, domain.TxStatusDraft, domain.TxStatusSuspended, domain.ChangeSuspended)
}

func (s *Service) Resume(ctx context.Context, transactionID string, actor string) (*domain.Transaction, error) {
	return s.transition(ctx, "resume", transactionID, actor, domain.TxStatusSuspended, domain.TxStatusDraft, domain.ChangeResumed)
}

func (s *Service) transition(ctx context.Context, op string, transactionID string, actor string, from domain.TransactionStatus, to domain.TransactionStatus, changeType domain.ChangeType) (*domain.Transaction, error) {
	return s.mutate(ctx, op, transactionID, actor, func(ctx context.Context, uow store.UnitOfWork, txn *domain.Transaction) (change, error) {
		if txn.Status != from || !txn.Status.CanTransitionTo(to) {
			return change{}, invalidf("transaction %s cannot move from %s to %s", txn.TransactionNumber, txn.Status, to)
		}
		txn.Status = to
		return change{
			changeType: changeType,
			summary:    fmt.Sprintf("%s -> %s", from, to),
		}, nil
	})
}

// Void cancels a completed transaction and puts back whatever was not refunded.
func (s *Service) Void(ctx context.Context, transactionID string, req domain.VoidRequest, actor string) (*domain.Transaction, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, invalidf("void reason is required")
	}

	return s.mutate(ctx, "void", transactionID, actor, func(ctx context.Context, uow store.UnitOfWork, txn *domain.Transaction) (change, error) {
		if err := requireTransition(txn, domain.TxStatusVoided); err != nil {
			return change{}, err
		}

		moved, err := s.moveStock(ctx, uow, txn, domain.ActivityVoidItem, actor, func(item domain.TransactionItem) int {
			if item.IsRefunded {
				return 0
			}
			return item.RemainingQuantity()
		})
		if err != nil {
			return change{}, err
		}

		now := s.now()
		txn.Status = domain.TxStatusVoided
		txn.VoidReason = reason
		txn.VoidedAt = &now
		return change{
			changeType: domain.ChangeVoided,
			summary:    "voided: " + reason,
			diff:       map[string]any{"stock_in": moved},
			event:      notify.ActionVoided,
		}, nil
	})
}

type refundLine struct {
	idx      int
	quantity int
	reason   string
}

// ProcessRefund returns part or all of some lines. Every line is validated
// before any stock moves; the status stays completed.
func (s *Service) ProcessRefund(ctx context.Context, transactionID string, req domain.RefundRequest, actor string) (*domain.Transaction, error) {
	if len(req.Items) == 0 {
		return nil, invalidf("refund needs at least one item")
	}
	for _, line := range req.Items {
		if strings.TrimSpace(line.ItemID) == "" {
			return nil, invalidf("refund item id is required")
		}
		if line.Quantity <= 0 {
			return nil, invalidf("refund quantity must be positive")
		}
	}

	return s.mutate(ctx, "refund", transactionID, actor, func(ctx context.Context, uow store.UnitOfWork, txn *domain.Transaction) (change, error) {
		if txn.Status != domain.TxStatusCompleted {
			return change{}, invalidf("transaction %s is %s; only completed transactions can be refunded", txn.TransactionNumber, txn.Status)
		}

		lines, err := collectRefundLines(txn, req.Items)
		if err != nil {
			return change{}, err
		}

		// Same product order as moveStock so concurrent units lock stock rows alike.
		sort.SliceStable(lines, func(i, j int) bool {
			return txn.Items[lines[i].idx].ProductID < txn.Items[lines[j].idx].ProductID
		})

		charges := lineCharges(txn)
		total := decimal.Zero
		refunded := make([]map[string]any, 0, len(lines))
		for _, line := range lines {
			item := &txn.Items[line.idx]
			value := refundValue(charges[line.idx], *item, line.quantity, txn.DecimalPlaces)

			if _, err := s.ledger.Adjust(ctx, uow, inventory.Adjustment{
				StoreID:       txn.StoreID,
				ProductID:     item.ProductID,
				Delta:         line.quantity,
				ActivityCode:  domain.ActivityRefundItem,
				TransactionID: txn.ID,
				Actor:         actor,
			}); err != nil {
				return change{}, err
			}

			item.RefundedQuantity += line.quantity
			item.RefundedAmount = item.RefundedAmount.Add(value)
			item.IsRefunded = item.RemainingQuantity() == 0
			if line.reason != "" {
				item.RefundReason = line.reason
			}
			total = total.Add(value)
			refunded = append(refunded, map[string]any{
				"item_id":  item.ID,
				"quantity": line.quantity,
				"amount":   value.String(),
			})
		}

		txn.RefundAmount = txn.RefundAmount.Add(total)
		return change{
			changeType: domain.ChangeRefund,
			summary:    fmt.Sprintf("refunded %s", total.StringFixed(txn.DecimalPlaces)),
			diff:       map[string]any{"items": refunded, "refund_total": total.String()},
			event:      notify.ActionRefunded,
		}, nil
	})
}

// collectRefundLines merges repeated item ids and rejects the whole request
// if any line would over-refund.
func collectRefundLines(txn *domain.Transaction, requested []domain.RefundLine) ([]refundLine, error) {
	byItem := make(map[string]*refundLine, len(requested))
	order := make([]string, 0, len(requested))
	for _, r := range requested {
		itemID := strings.TrimSpace(r.ItemID)
		line, ok := byItem[itemID]
		if !ok {
			idx := txn.FindItem(itemID)
			if idx < 0 {
				return nil, fmt.Errorf("item %s: %w", itemID, store.ErrNotFound)
			}
			line = &refundLine{idx: idx}
			byItem[itemID] = line
			order = append(order, itemID)
		}
		line.quantity += r.Quantity
		if reason := strings.TrimSpace(r.Reason); reason != "" {
			line.reason = reason
		}
	}

	lines := make([]refundLine, 0, len(order))
	for _, itemID := range order {
		line := byItem[itemID]
		item := txn.Items[line.idx]
		if item.IsRefunded {
			return nil, invalidf("item %s is already fully refunded", item.ID)
		}
		if line.quantity > item.RemainingQuantity() {
			return nil, invalidf("cannot refund %d of item %s; only %d left", line.quantity, item.ID, item.RemainingQuantity())
		}
		lines = append(lines, *line)
	}
	return lines, nil
}

// lineCharges splits the transaction total across its lines in proportion to
// line_total, so header discounts and exclusive tax are shared out too. The
// last chargeable line absorbs the rounding remainder and the charges always
// sum to Total.
func lineCharges(txn *domain.Transaction) []decimal.Decimal {
	charges := make([]decimal.Decimal, len(txn.Items))
	base := decimal.Zero
	last := -1
	for i, item := range txn.Items {
		charges[i] = decimal.Zero
		if item.LineTotal.IsPositive() {
			base = base.Add(item.LineTotal)
			last = i
		}
	}
	if last < 0 {
		return charges
	}

	allocated := decimal.Zero
	for i, item := range txn.Items {
		if i == last {
			charges[i] = decimal.Max(decimal.Zero, txn.Total.Sub(allocated))
			break
		}
		if !item.LineTotal.IsPositive() {
			continue
		}
		charges[i] = txn.Total.Mul(item.LineTotal).Div(base).Round(txn.DecimalPlaces)
		allocated = allocated.Add(charges[i])
	}
	return charges
}

// refundValue is the proportional share of what the line was charged. The
// last unit takes whatever remains so the line never refunds more than it
// charged.
func refundValue(charge decimal.Decimal, item domain.TransactionItem, quantity int, places int32) decimal.Decimal {
	left := decimal.Max(decimal.Zero, charge.Sub(item.RefundedAmount))
	if quantity == item.RemainingQuantity() {
		return left
	}
	share := charge.
		Mul(decimal.NewFromInt(int64(quantity))).
		Div(decimal.NewFromInt(int64(item.Quantity))).
		Round(places)
	return decimal.Min(share, left)
}

// moveStock applies one ledger entry per product, in product order so that
// concurrent units lock stock rows in the same sequence.
func (s *Service) moveStock(ctx context.Context, uow store.UnitOfWork, txn *domain.Transaction, code domain.ActivityCode, actor string, delta func(domain.TransactionItem) int) (map[string]int, error) {
	deltas := make(map[string]int, len(txn.Items))
	for _, item := range txn.Items {
		if d := delta(item); d != 0 {
			deltas[item.ProductID] += d
		}
	}
	productIDs := make([]string, 0, len(deltas))
	for id := range deltas {
		productIDs = append(productIDs, id)
	}
	sort.Strings(productIDs)

	for _, productID := range productIDs {
		if _, err := s.ledger.Adjust(ctx, uow, inventory.Adjustment{
			StoreID:       txn.StoreID,
			ProductID:     productID,
			Delta:         deltas[productID],
			ActivityCode:  code,
			TransactionID: txn.ID,
			Actor:         actor,
		}); err != nil {
			return nil, err
		}
	}
	return deltas, nil
}

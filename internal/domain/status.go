package domain

import (
	"fmt"
	"time"
)

type TransactionStatus string

const (
	TxStatusDraft     TransactionStatus = "draft"
	TxStatusSuspended TransactionStatus = "suspended"
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusVoided    TransactionStatus = "voided"
)

// allowedTransitions is the complete state machine. Statuses missing from the
// map are unknown and can never transition.
var allowedTransitions = map[TransactionStatus][]TransactionStatus{
	TxStatusDraft:     {TxStatusSuspended, TxStatusCompleted},
	TxStatusSuspended: {TxStatusDraft, TxStatusCompleted},
	TxStatusCompleted: {TxStatusVoided},
	TxStatusVoided:    {},
}

func (s TransactionStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Mutable reports whether items, payments and customer may still change.
func (s TransactionStatus) Mutable() bool {
	switch s {
	case TxStatusDraft, TxStatusSuspended:
		return true
	case TxStatusCompleted, TxStatusVoided:
		return false
	default:
		return false
	}
}

func (s TransactionStatus) IsTerminal() bool {
	return s == TxStatusVoided
}

func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

func (s TransactionStatus) String() string {
	return string(s)
}

type ChangeType string

const (
	ChangeCreated         ChangeType = "created"
	ChangeItemAdded       ChangeType = "item_added"
	ChangeItemRemoved     ChangeType = "item_removed"
	ChangeItemModified    ChangeType = "item_modified"
	ChangeCustomerChanged ChangeType = "customer_changed"
	ChangePaymentAdded    ChangeType = "payment_added"
	ChangePaymentRemoved  ChangeType = "payment_removed"
	ChangeDiscountApplied ChangeType = "discount_applied"
	ChangeOfferApplied    ChangeType = "offer_applied"
	ChangeCompleted       ChangeType = "completed"
	ChangeSuspended       ChangeType = "suspended"
	ChangeResumed         ChangeType = "resumed"
	ChangeVoided          ChangeType = "voided"
	ChangeRefund          ChangeType = "refund"
)

// ActivityCode classifies an inventory ledger movement.
type ActivityCode string

const (
	ActivitySoldItem      ActivityCode = "SI"
	ActivityRefundItem    ActivityCode = "RI"
	ActivityVoidItem      ActivityCode = "VI"
	ActivityStocktake     ActivityCode = "ST"
	ActivityDeliveryOrder ActivityCode = "DO"
	ActivityPurchaseOrder ActivityCode = "PO"
	ActivityAdjustment    ActivityCode = "ADJ"
)

func (c ActivityCode) Valid() bool {
	switch c {
	case ActivitySoldItem, ActivityRefundItem, ActivityVoidItem,
		ActivityStocktake, ActivityDeliveryOrder, ActivityPurchaseOrder, ActivityAdjustment:
		return true
	}
	return false
}

// FormatTransactionNumber renders TXN-{store}-{YYYYMMDD}-{seq}, seq zero-padded to four digits.
func FormatTransactionNumber(storeCode string, day time.Time, seq int) string {
	return fmt.Sprintf("TXN-%s-%s-%04d", storeCode, day.UTC().Format("20060102"), seq)
}

// BusinessDay truncates t to its UTC calendar day.
func BusinessDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

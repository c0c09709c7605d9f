package versioning

import (
	"context"
	"fmt"
	"maps"
	"time"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/xid"
)

type Entry struct {
	ChangeType domain.ChangeType
	Actor      string
	Summary    string
	Diff       map[string]any
}

// Recorder appends immutable snapshots. The version number is read and the
// row inserted through the same unit of work that holds the transaction lock.
type Recorder struct {
	now func() time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{now: func() time.Time { return time.Now().UTC() }}
}

func (r *Recorder) Record(ctx context.Context, uow store.UnitOfWork, txn *domain.Transaction, entry Entry) (*domain.TransactionVersion, error) {
	next, err := uow.NextVersionNumber(ctx, txn.ID)
	if err != nil {
		return nil, fmt.Errorf("next version number: %w", err)
	}

	version := domain.TransactionVersion{
		ID:               xid.New("ver"),
		TransactionID:    txn.ID,
		VersionNumber:    next,
		ChangeType:       entry.ChangeType,
		Actor:            entry.Actor,
		ChangeSummary:    entry.Summary,
		SnapshotStatus:   txn.Status,
		SnapshotItems:    domain.CloneItems(txn.Items),
		SnapshotPayments: domain.ClonePayments(txn.Payments),
		SnapshotTotals:   txn.Totals,
		DiffData:         maps.Clone(entry.Diff),
		CreatedAt:        r.now(),
	}
	if version.SnapshotItems == nil {
		version.SnapshotItems = []domain.TransactionItem{}
	}
	if version.SnapshotPayments == nil {
		version.SnapshotPayments = []domain.TransactionPayment{}
	}

	if err := uow.InsertVersion(ctx, version); err != nil {
		return nil, fmt.Errorf("insert version %d: %w", next, err)
	}
	return &version, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"retailpos/backend/internal/discount"
	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/inventory"
	"retailpos/backend/internal/logging"
	"retailpos/backend/internal/notify"
	"retailpos/backend/internal/pricing"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/tax"
	"retailpos/backend/internal/txlock"
	"retailpos/backend/internal/versioning"
)

type Options struct {
	// MaxAttempts bounds how often a unit of work is re-run after a concurrency conflict.
	MaxAttempts        int
	RetryBackoff       time.Duration
	RequireFullPayment bool
}

type Deps struct {
	Store     store.Store
	Prices    *pricing.Resolver
	Discounts *discount.Engine
	Offers    discount.OfferResolver
	Ledger    *inventory.Ledger
	Recorder  *versioning.Recorder
	Locker    txlock.Locker
	Notifier  notify.Notifier
	Logger    *logrus.Logger
}

// Service is the transaction lifecycle orchestrator. Every mutating method
// runs in one unit of work and appends exactly one version.
type Service struct {
	store     store.Store
	prices    *pricing.Resolver
	discounts *discount.Engine
	offers    discount.OfferResolver
	ledger    *inventory.Ledger
	recorder  *versioning.Recorder
	locker    txlock.Locker
	notifier  notify.Notifier
	logger    *logrus.Logger
	opts      Options
	now       func() time.Time
}

func New(deps Deps, opts Options) *Service {
	if deps.Prices == nil {
		deps.Prices = pricing.NewResolver(nil, 0, deps.Logger)
	}
	if deps.Discounts == nil {
		deps.Discounts = discount.NewEngine(discount.PolicyOfferWins)
	}
	if deps.Offers == nil {
		deps.Offers = discount.NoOffers{}
	}
	if deps.Ledger == nil {
		deps.Ledger = inventory.NewLedger(true)
	}
	if deps.Recorder == nil {
		deps.Recorder = versioning.NewRecorder()
	}
	if deps.Locker == nil {
		deps.Locker = txlock.Noop{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Noop{}
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 25 * time.Millisecond
	}

	return &Service{
		store:     deps.Store,
		prices:    deps.Prices,
		discounts: deps.Discounts,
		offers:    deps.Offers,
		ledger:    deps.Ledger,
		recorder:  deps.Recorder,
		locker:    deps.Locker,
		notifier:  deps.Notifier,
		logger:    logging.OrDiscard(deps.Logger),
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// change describes what a mutation did, for the version row and side effects.
type change struct {
	changeType    domain.ChangeType
	summary       string
	diff          map[string]any
	recalculate   bool
	resolveOffers bool
	event         string
}

type unitFunc func(ctx context.Context, uow store.UnitOfWork) (*domain.Transaction, change, error)

type mutation func(ctx context.Context, uow store.UnitOfWork, txn *domain.Transaction) (change, error)

// mutate loads and locks the aggregate, applies fn, recomputes totals when
// asked, saves and records the version, all in one unit of work.
func (s *Service) mutate(ctx context.Context, op string, transactionID string, actor string, fn mutation) (*domain.Transaction, error) {
	if strings.TrimSpace(transactionID) == "" {
		return nil, invalidf("transaction id is required")
	}
	return s.execute(ctx, op, transactionID, actor, func(ctx context.Context, uow store.UnitOfWork) (*domain.Transaction, change, error) {
		txn, err := uow.LockTransaction(ctx, transactionID)
		if err != nil {
			return nil, change{}, err
		}

		ch, err := fn(ctx, uow, txn)
		if err != nil {
			return nil, change{}, err
		}

		if ch.recalculate {
			before := offerIDs(txn)
			if err := s.recalculate(ctx, txn, ch.resolveOffers); err != nil {
				return nil, change{}, err
			}
			if after := offerIDs(txn); !slices.Equal(before, after) {
				if ch.diff == nil {
					ch.diff = map[string]any{}
				}
				ch.diff["offers_before"] = before
				ch.diff["offers_after"] = after
			}
		}

		txn.UpdatedAt = s.now()
		if err := uow.SaveTransaction(ctx, txn); err != nil {
			return nil, change{}, fmt.Errorf("save transaction: %w", err)
		}
		return txn, ch, nil
	})
}

func (s *Service) execute(ctx context.Context, op string, lockID string, actor string, body unitFunc) (*domain.Transaction, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, invalidf("actor is required")
	}

	var (
		txn     *domain.Transaction
		ch      change
		version *domain.TransactionVersion
	)
	err := s.withRetry(ctx, op, func() error {
		if lockID != "" {
			lock, err := s.locker.Acquire(ctx, lockID)
			if err != nil {
				return err
			}
			defer func() {
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
					s.logger.WithFields(logrus.Fields{"module": "service", "transaction_id": lockID}).Warnf("release transaction lock: %v", err)
				}
			}()
		}

		return s.store.WithinTx(ctx, func(uow store.UnitOfWork) error {
			var err error
			txn, ch, err = body(ctx, uow)
			if err != nil {
				return err
			}
			version, err = s.recorder.Record(ctx, uow, txn, versioning.Entry{
				ChangeType: ch.changeType,
				Actor:      actor,
				Summary:    ch.summary,
				Diff:       ch.diff,
			})
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"module":         "service",
		"op":             op,
		"transaction_id": txn.ID,
		"change_type":    ch.changeType,
		"version":        version.VersionNumber,
		"actor":          actor,
	}).Info("transaction mutated")

	if ch.event != "" {
		s.notifier.Notify(notify.Event{
			TransactionID:     txn.ID,
			TransactionNumber: txn.TransactionNumber,
			StoreID:           txn.StoreID,
			Action:            ch.event,
			Actor:             actor,
			VersionNumber:     version.VersionNumber,
			ChangeSummary:     ch.summary,
			OccurredAt:        version.CreatedAt,
		})
	}
	return txn, nil
}

// withRetry re-runs fn while it fails with store.ErrConflict, backing off
// linearly, and gives up after MaxAttempts.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		lastErr = err
		if attempt == s.opts.MaxAttempts {
			break
		}
		s.logger.WithFields(logrus.Fields{"module": "service", "op": op, "attempt": attempt}).Warnf("concurrency conflict, retrying: %v", err)
		if err := sleepCtx(ctx, s.opts.RetryBackoff*time.Duration(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s gave up after %d attempts: %w", op, s.opts.MaxAttempts, lastErr)
}

// recalculate rebuilds every derived amount on the aggregate. Offers are
// re-resolved only when resolveOffers is set; otherwise the snapshots on the
// lines are reused as-is.
func (s *Service) recalculate(ctx context.Context, txn *domain.Transaction, resolveOffers bool) error {
	places := txn.DecimalPlaces

	var txnOffers []discount.OfferApplication
	if resolveOffers {
		apps, err := s.offers.ResolveApplicableOffers(ctx, offerQuery(txn))
		if err != nil {
			return fmt.Errorf("resolve offers: %w", err)
		}
		lineOffers := discount.LineOffers(apps)
		for i := range txn.Items {
			item := &txn.Items[i]
			if item.IsRefunded || item.RefundedQuantity > 0 {
				continue
			}
			if app, ok := lineOffers[item.ID]; ok {
				item.Offer = app.Snapshot()
			} else {
				item.Offer = nil
			}
		}
		for _, app := range apps {
			if app.Scope == discount.ScopeBundle || app.Scope == discount.ScopeMinimumSpend {
				txnOffers = append(txnOffers, app)
			}
		}
	}

	subtotal := decimal.Zero
	offerTotal := decimal.Zero
	customerTotal := decimal.Zero
	for i := range txn.Items {
		item := &txn.Items[i]
		item.LineSubtotal = item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))).Round(places)
		item.CustomerDiscountPercentage = txn.CustomerDiscountPercentage
		res := s.discounts.ComputeLine(item.LineSubtotal, item.Offer, item.CustomerDiscountPercentage, places)
		item.Offer = res.Offer
		item.OfferDiscount = res.OfferDiscount
		item.CustomerDiscount = res.CustomerDiscount
		item.LineDiscount = res.LineDiscount
		item.LineTotal = res.LineTotal

		subtotal = subtotal.Add(item.LineSubtotal)
		offerTotal = offerTotal.Add(item.OfferDiscount)
		customerTotal = customerTotal.Add(item.CustomerDiscount)
	}
	txn.Subtotal = subtotal
	txn.OfferDiscount = offerTotal
	txn.CustomerDiscount = customerTotal

	remaining := decimal.Max(decimal.Zero, subtotal.Sub(offerTotal).Sub(customerTotal))
	if resolveOffers {
		res := s.discounts.ComputeTransaction(txnOffers, remaining, places)
		txn.BundleDiscount = res.BundleDiscount
		txn.MinimumSpendDiscount = res.MinimumSpendDiscount
	} else {
		txn.BundleDiscount = decimal.Min(txn.BundleDiscount, remaining)
		txn.MinimumSpendDiscount = decimal.Min(txn.MinimumSpendDiscount, remaining.Sub(txn.BundleDiscount))
	}
	remaining = remaining.Sub(txn.BundleDiscount).Sub(txn.MinimumSpendDiscount)
	txn.ManualDiscount = decimal.Max(decimal.Zero, decimal.Min(txn.ManualDiscount, remaining))

	net := decimal.Max(decimal.Zero, txn.Subtotal.Sub(txn.DiscountTotal()))
	res := tax.Compute(net, txn.TaxPercentage, txn.TaxInclusive, places)
	txn.TaxAmount = res.TaxAmount
	txn.Total = res.Total

	settle(txn)
	return nil
}

// settle derives amount_paid, balance_due and change_amount from the payment rows.
func settle(txn *domain.Transaction) {
	paid := decimal.Zero
	for _, p := range txn.Payments {
		paid = paid.Add(p.Amount)
	}
	txn.AmountPaid = paid
	txn.BalanceDue = decimal.Max(decimal.Zero, txn.Total.Sub(paid))
	txn.ChangeAmount = decimal.Max(decimal.Zero, paid.Sub(txn.Total))
}

func offerQuery(txn *domain.Transaction) discount.OfferQuery {
	q := discount.OfferQuery{StoreID: txn.StoreID, CurrencyID: txn.CurrencyID}
	if txn.CustomerID != nil {
		q.CustomerID = *txn.CustomerID
	}
	for _, item := range txn.Items {
		if item.IsRefunded {
			continue
		}
		q.Lines = append(q.Lines, discount.LineInput{
			ItemID:       item.ID,
			ProductID:    item.ProductID,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
			LineSubtotal: item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))).Round(txn.DecimalPlaces),
		})
	}
	return q
}

func offerIDs(txn *domain.Transaction) []string {
	ids := make([]string, 0, len(txn.Items))
	for _, item := range txn.Items {
		if item.Offer != nil {
			ids = append(ids, item.ID+":"+item.Offer.OfferID)
		}
	}
	slices.Sort(ids)
	return ids
}

func requireMutable(txn *domain.Transaction) error {
	if !txn.Status.Mutable() {
		return invalidf("transaction %s is %s and can no longer be changed", txn.TransactionNumber, txn.Status)
	}
	return nil
}

func requireTransition(txn *domain.Transaction, next domain.TransactionStatus) error {
	if !txn.Status.CanTransitionTo(next) {
		return invalidf("transaction %s cannot move from %s to %s", txn.TransactionNumber, txn.Status, next)
	}
	return nil
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrInvalidTransaction, fmt.Sprintf(format, args...))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

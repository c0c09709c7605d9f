package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/xid"
)

func (s *Service) Create(ctx context.Context, req domain.CreateTransactionRequest, actor string) (*domain.Transaction, error) {
	storeID := strings.TrimSpace(req.StoreID)
	employeeID := strings.TrimSpace(req.EmployeeID)
	currencyID := strings.TrimSpace(req.CurrencyID)
	if storeID == "" || employeeID == "" || currencyID == "" {
		return nil, invalidf("store, employee and currency are required")
	}

	return s.execute(ctx, "create", "", actor, func(ctx context.Context, uow store.UnitOfWork) (*domain.Transaction, change, error) {
		st, err := uow.GetStore(ctx, storeID)
		if err != nil {
			return nil, change{}, fmt.Errorf("store %s: %w", storeID, err)
		}
		currency, err := uow.GetCurrency(ctx, currencyID)
		if err != nil {
			return nil, change{}, fmt.Errorf("currency %s: %w", currencyID, err)
		}
		if !st.OffersCurrency(currency.ID) {
			return nil, change{}, invalidf("store %s does not sell in %s", st.Code, currency.Code)
		}

		now := s.now()
		seq, err := uow.NextTransactionSequence(ctx, st.ID, domain.BusinessDay(now))
		if err != nil {
			return nil, change{}, fmt.Errorf("next transaction sequence: %w", err)
		}

		txn := &domain.Transaction{
			ID:                xid.New("txn"),
			TransactionNumber: domain.FormatTransactionNumber(st.Code, now, seq),
			StoreID:           st.ID,
			EmployeeID:        employeeID,
			CurrencyID:        currency.ID,
			DecimalPlaces:     currency.DecimalPlaces,
			Status:            domain.TxStatusDraft,
			Comments:          strings.TrimSpace(req.Comments),
			CreatedBy:         strings.TrimSpace(actor),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		txn.TaxPercentage = st.TaxPercentage
		txn.TaxInclusive = st.TaxInclusive
		settle(txn)

		if err := uow.CreateTransaction(ctx, txn); err != nil {
			return nil, change{}, fmt.Errorf("create transaction: %w", err)
		}
		return txn, change{
			changeType: domain.ChangeCreated,
			summary:    "created " + txn.TransactionNumber,
		}, nil
	})
}

func (s *Service) AddItem(ctx context.Context, transactionID string, req domain.AddItemRequest, actor string) (*domain.Transaction, error) {
	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		return nil, invalidf("product is required")
	}
	if req.Quantity <= 0 {
		return nil, invalidf("quantity must be positive")
	}

	return s.mutate(ctx, "add_item", transactionID, actor, func(ctx context.Context, uow store.UnitOfWork, txn *domain.Transaction) (change, error) {
		if err := requireMutable(txn); err != nil {
			return change{}, err
		}
		product, err := uow.GetProduct(ctx, productID)
		if err != nil {
			return change{}, fmt.Errorf("product %s: %w", productID, err)
		}
		if !product.Active {
			return change{}, invalidf("product %s is inactive", product.SKU)
		}
		price, err := s.prices.Resolve(ctx, uow, product.ID, txn.StoreID, txn.CurrencyID)
		if err != nil {
			return change{}, err
		}

		if idx := txn.FindActiveItemByProduct(product.ID); idx >= 0 {
			item := &txn.Items[idx]
			before := item.Quantity
			item.Quantity += req.Quantity
			return change{
				changeType:    domain.ChangeItemAdded,
				summary:       fmt.Sprintf("added %d x %s (now %d)", req.Quantity, product.SKU, item.Quantity),
				diff:          map[string]any{"item_id": item.ID, "product_id": product.ID, "quantity_before": before, "quantity_after": item.Quantity},
				recalculate:   true,
				resolveOffers: true,
			}, nil
		}

		item := domain.TransactionItem{
			ID:            xid.New("item"),
			TransactionID: txn.ID,
			ProductID:     product.ID,
			Quantity:      req.Quantity,
			UnitPrice:     price.UnitPrice,
			CostPrice:     price.CostPrice,
			PriceSource:   price.Source,
			SortOrder:     nextSortOrder(txn.Items),
		}
		txn.Items = append(txn.Items, item)
		return change{
			changeType:    domain.ChangeItemAdded,
			summary:       fmt.Sprintf("added %d x %s", req.Quantity, product.SKU),
			diff:          map[string]any{"item_id": item.ID, "product_id": product.ID, "quantity_after": item.Quantity, "unit_price": item.UnitPrice.String(), "price_source": item.PriceSource},
			recalculate:   true,
			resolveOffers: true,
		}, nil
	})
}

func (s *Service) UpdateItem(ctx context.Context, transactionID string, itemID string, req domain.UpdateItemRequest, actor string) (*domain.Transaction, error) {
	if req.Quantity == nil {
		return nil, invalidf("nothing to update")
	}
	if *req.Quantity <= 0 {
		return nil, invalidf("quantity must be positive")
	}

	return s.mutate(ctx, "update_item", transactionID, actor, func(ctx context.Context, uow store.UnitOfWork, txn *domain.Transaction) (change, error) {
		if err := requireMutable(txn); err != nil {
			return change{}, err
		}
		idx := txn.FindItem(itemID)
		if idx < 0 {
			return change{}, fmt.Errorf("item %s: %w", itemID, store.ErrNotFound)
		}
		item := &txn.Items[idx]
		before := item.Quantity
		item.Quantity = *req.Quantity
		return change{
			changeType:    domain.ChangeItemModified,
			summary:       fmt.Sprintf("changed quantity of %s from %d to %d", item.ProductID, before, item.Quantity),
			diff:          map[string]any{"item_id": item.ID, "quantity_before": before, "quantity_after": item.Quantity},
			recalculate:   true,
			resolveOffers: true,
		}, nil
	})
}

func (s *Service) RemoveItem(ctx context.Context, transactionID string, itemID string, actor string) (*domain.Transaction, error) {
	return s.mutate(ctx, "remove_item", transactionID, actor, func(ctx context.Context, uow store.UnitOfWork, txn *domain.Transaction) (change, error) {
		if err := requireMutable(txn); err != nil {
			return change{}, err
		}
		idx := txn.FindItem(itemID)
		if idx < 0 {
			return change{}, fmt.Errorf("item %s: %w", itemID, store.ErrNotFound)
		}
		removed := txn.Items[idx]
		txn.Items = append(txn.Items[:idx], txn.Items[idx+1:]...)
		return change{
			changeType:    domain.ChangeItemRemoved,
			summary:       fmt.Sprintf("removed %d x %s", removed.Quantity, removed.ProductID),
			diff:          map[string]any{"item_id": removed.ID, "product_id": removed.ProductID, "quantity_before": removed.Quantity},
			recalculate:   true,
			resolveOffers: true,
		}, nil
	})
}

func (s *Service) SetCustomer(ctx context.Context, transactionID string, req domain.SetCustomerRequest, actor string) (*domain.Transaction, error) {
	return s.mutate(ctx, "set_customer", transactionID, actor, func(ctx context.Context, uow store.UnitOfWork, txn *domain.Transaction) (change, error) {
		if err := requireMutable(txn); err != nil {
			return change{}, err
		}
		before := ""
		if txn.CustomerID != nil {
			before = *txn.CustomerID
		}

		if req.CustomerID == nil || strings.TrimSpace(*req.CustomerID) == "" {
			txn.CustomerID = nil
			txn.CustomerDiscountPercentage = decimal.Zero
			return change{
				changeType:    domain.ChangeCustomerChanged,
				summary:       "cleared customer",
				diff:          map[string]any{"customer_before": before, "customer_after": ""},
				recalculate:   true,
				resolveOffers: true,
			}, nil
		}

		customer, err := uow.GetCustomer(ctx, strings.TrimSpace(*req.CustomerID))
		if err != nil {
			return change{}, fmt.Errorf("customer %s: %w", *req.CustomerID, err)
		}
		id := customer.ID
		txn.CustomerID = &id
		txn.CustomerDiscountPercentage = customer.DiscountPercentage
		return change{
			changeType: domain.ChangeCustomerChanged,
			summary:    fmt.Sprintf("customer set to %s", customer.Name),
			diff: map[string]any{
				"customer_before":     before,
				"customer_after":      customer.ID,
				"discount_percentage": customer.DiscountPercentage.String(),
			},
			recalculate:   true,
			resolveOffers: true,
		}, nil
	})
}

func (s *Service) AddPayment(ctx context.Context, transactionID string, req domain.AddPaymentRequest, actor string) (*domain.Transaction, error) {
	modeID := strings.TrimSpace(req.PaymentModeID)
	if modeID == "" {
		return nil, invalidf("payment mode is required")
	}
	if !req.Amount.IsPositive() {
		return nil, invalidf("payment amount must be positive")
	}

	return s.mutate(ctx, "add_payment", transactionID, actor, func(ctx context.Context, uow store.UnitOfWork, txn *domain.Transaction) (change, error) {
		if err := requireMutable(txn); err != nil {
			return change{}, err
		}
		if !req.Amount.Equal(req.Amount.Round(txn.DecimalPlaces)) {
			return change{}, invalidf("payment amount %s has more than %d decimal places", req.Amount, txn.DecimalPlaces)
		}
		mode, err := uow.GetPaymentMode(ctx, modeID)
		if err != nil {
			return change{}, fmt.Errorf("payment mode %s: %w", modeID, err)
		}

		payment := domain.TransactionPayment{
			ID:            xid.New("pay"),
			TransactionID: txn.ID,
			PaymentModeID: mode.ID,
			Amount:        req.Amount,
			PaymentData:   req.PaymentData,
			RowNumber:     nextRowNumber(txn.Payments),
			BalanceAfter:  decimal.Max(decimal.Zero, txn.Total.Sub(txn.AmountPaid.Add(req.Amount))),
			RecordedBy:    strings.TrimSpace(actor),
			CreatedAt:     s.now(),
		}
		txn.Payments = append(txn.Payments, payment)
		settle(txn)
		return change{
			changeType: domain.ChangePaymentAdded,
			summary:    fmt.Sprintf("%s payment of %s", mode.Name, payment.Amount.StringFixed(txn.DecimalPlaces)),
			diff:       map[string]any{"payment_id": payment.ID, "amount": payment.Amount.String(), "balance_after": payment.BalanceAfter.String()},
		}, nil
	})
}

func (s *Service) RemovePayment(ctx context.Context, transactionID string, paymentID string, actor string) (*domain.Transaction, error) {
	return s.mutate(ctx, "remove_payment", transactionID, actor, func(ctx context.Context, uow store.UnitOfWork, txn *domain.Transaction) (change, error) {
		if err := requireMutable(txn); err != nil {
			return change{}, err
		}
		idx := txn.FindPayment(paymentID)
		if idx < 0 {
			return change{}, fmt.Errorf("payment %s: %w", paymentID, store.ErrNotFound)
		}
		removed := txn.Payments[idx]
		txn.Payments = append(txn.Payments[:idx], txn.Payments[idx+1:]...)
		settle(txn)
		return change{
			changeType: domain.ChangePaymentRemoved,
			summary:    fmt.Sprintf("removed payment of %s", removed.Amount.StringFixed(txn.DecimalPlaces)),
			diff:       map[string]any{"payment_id": removed.ID, "amount": removed.Amount.String()},
		}, nil
	})
}

// SetManualDiscount stores an operator discount on the header. Recalculation
// caps it at what is left after offer and customer discounts.
func (s *Service) SetManualDiscount(ctx context.Context, transactionID string, req domain.ManualDiscountRequest, actor string) (*domain.Transaction, error) {
	if req.Amount.IsNegative() {
		return nil, invalidf("manual discount cannot be negative")
	}

	return s.mutate(ctx, "manual_discount", transactionID, actor, func(ctx context.Context, uow store.UnitOfWork, txn *domain.Transaction) (change, error) {
		if err := requireMutable(txn); err != nil {
			return change{}, err
		}
		before := txn.ManualDiscount
		txn.ManualDiscount = req.Amount.Round(txn.DecimalPlaces)
		return change{
			changeType:  domain.ChangeDiscountApplied,
			summary:     "manual discount set to " + txn.ManualDiscount.StringFixed(txn.DecimalPlaces),
			diff:        map[string]any{"manual_discount_before": before.String(), "manual_discount_requested": txn.ManualDiscount.String()},
			recalculate: true,
		}, nil
	})
}

// RefreshOffers re-runs offer resolution without touching lines or customer.
func (s *Service) RefreshOffers(ctx context.Context, transactionID string, actor string) (*domain.Transaction, error) {
	return s.mutate(ctx, "refresh_offers", transactionID, actor, func(ctx context.Context, uow store.UnitOfWork, txn *domain.Transaction) (change, error) {
		if err := requireMutable(txn); err != nil {
			return change{}, err
		}
		return change{
			changeType:    domain.ChangeOfferApplied,
			summary:       "offers re-evaluated",
			recalculate:   true,
			resolveOffers: true,
		}, nil
	})
}

func nextSortOrder(items []domain.TransactionItem) int {
	next := 1
	for _, item := range items {
		if item.SortOrder >= next {
			next = item.SortOrder + 1
		}
	}
	return next
}

func nextRowNumber(payments []domain.TransactionPayment) int {
	next := 1
	for _, p := range payments {
		if p.RowNumber >= next {
			next = p.RowNumber + 1
		}
	}
	return next
}

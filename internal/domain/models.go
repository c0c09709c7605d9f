package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Store struct {
	ID            string          `json:"id"`
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	TaxPercentage decimal.Decimal `json:"tax_percentage"`
	TaxInclusive  bool            `json:"tax_inclusive"`
	CurrencyIDs   []string        `json:"currency_ids"`
}

// OffersCurrency reports whether the store sells in the given currency.
func (s Store) OffersCurrency(currencyID string) bool {
	for _, id := range s.CurrencyIDs {
		if id == currencyID {
			return true
		}
	}
	return false
}

type Currency struct {
	ID            string `json:"id"`
	Code          string `json:"code"`
	DecimalPlaces int32  `json:"decimal_places"`
}

type Customer struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
}

type Product struct {
	ID     string `json:"id"`
	SKU    string `json:"sku"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type PaymentMode struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ProductPrice is the catalog (base) price of a product in a currency.
type ProductPrice struct {
	ProductID  string          `json:"product_id"`
	CurrencyID string          `json:"currency_id"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	CostPrice  decimal.Decimal `json:"cost_price"`
}

// StorePrice overrides the catalog price for one store.
type StorePrice struct {
	ProductID  string          `json:"product_id"`
	StoreID    string          `json:"store_id"`
	CurrencyID string          `json:"currency_id"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	CostPrice  decimal.Decimal `json:"cost_price"`
	Active     bool            `json:"active"`
}

const (
	PriceSourceStore = "store"
	PriceSourceBase  = "base"
)

type ResolvedPrice struct {
	UnitPrice decimal.Decimal `json:"unit_price"`
	CostPrice decimal.Decimal `json:"cost_price"`
	Source    string          `json:"source"`
}

// Totals holds the monetary fields of a transaction header.
type Totals struct {
	Subtotal             decimal.Decimal `json:"subtotal"`
	OfferDiscount        decimal.Decimal `json:"offer_discount"`
	BundleDiscount       decimal.Decimal `json:"bundle_discount"`
	MinimumSpendDiscount decimal.Decimal `json:"minimum_spend_discount"`
	CustomerDiscount     decimal.Decimal `json:"customer_discount"`
	ManualDiscount       decimal.Decimal `json:"manual_discount"`
	TaxPercentage        decimal.Decimal `json:"tax_percentage"`
	TaxInclusive         bool            `json:"tax_inclusive"`
	TaxAmount            decimal.Decimal `json:"tax_amount"`
	Total                decimal.Decimal `json:"total"`
	AmountPaid           decimal.Decimal `json:"amount_paid"`
	RefundAmount         decimal.Decimal `json:"refund_amount"`
	BalanceDue           decimal.Decimal `json:"balance_due"`
	ChangeAmount         decimal.Decimal `json:"change_amount"`
}

// DiscountTotal sums every discount field.
func (t Totals) DiscountTotal() decimal.Decimal {
	return t.OfferDiscount.
		Add(t.BundleDiscount).
		Add(t.MinimumSpendDiscount).
		Add(t.CustomerDiscount).
		Add(t.ManualDiscount)
}

type Transaction struct {
	ID                         string            `json:"id"`
	TransactionNumber          string            `json:"transaction_number"`
	StoreID                    string            `json:"store_id"`
	EmployeeID                 string            `json:"employee_id"`
	CustomerID                 *string           `json:"customer_id,omitempty"`
	CustomerDiscountPercentage decimal.Decimal   `json:"customer_discount_percentage"`
	CurrencyID                 string            `json:"currency_id"`
	DecimalPlaces              int32             `json:"decimal_places"`
	Status                     TransactionStatus `json:"status"`
	CheckoutAt                 *time.Time        `json:"checkout_at,omitempty"`
	Totals
	Comments   string               `json:"comments,omitempty"`
	VoidReason string               `json:"void_reason,omitempty"`
	VoidedAt   *time.Time           `json:"voided_at,omitempty"`
	CreatedBy  string               `json:"created_by"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
	Items      []TransactionItem    `json:"items"`
	Payments   []TransactionPayment `json:"payments"`
}

// FindItem returns the index of the item with the given id, or -1.
func (t *Transaction) FindItem(itemID string) int {
	for i := range t.Items {
		if t.Items[i].ID == itemID {
			return i
		}
	}
	return -1
}

// FindActiveItemByProduct returns the index of the non-refunded line for a product, or -1.
func (t *Transaction) FindActiveItemByProduct(productID string) int {
	for i := range t.Items {
		if t.Items[i].ProductID == productID && !t.Items[i].IsRefunded && t.Items[i].RefundedQuantity == 0 {
			return i
		}
	}
	return -1
}

func (t *Transaction) FindPayment(paymentID string) int {
	for i := range t.Payments {
		if t.Payments[i].ID == paymentID {
			return i
		}
	}
	return -1
}

// Clone deep-copies the aggregate so later mutation of one copy never leaks into the other.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	if t.CustomerID != nil {
		id := *t.CustomerID
		cp.CustomerID = &id
	}
	if t.CheckoutAt != nil {
		at := *t.CheckoutAt
		cp.CheckoutAt = &at
	}
	if t.VoidedAt != nil {
		at := *t.VoidedAt
		cp.VoidedAt = &at
	}
	cp.Items = CloneItems(t.Items)
	cp.Payments = ClonePayments(t.Payments)
	return &cp
}

const (
	DiscountTypePercentage = "percentage"
	DiscountTypeFixed      = "fixed"
)

// OfferSnapshot is copied onto a line when an offer applies; it is never live-joined.
type OfferSnapshot struct {
	OfferID        string          `json:"offer_id"`
	Name           string          `json:"name"`
	DiscountType   string          `json:"discount_type"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Combinable     bool            `json:"combinable"`
}

type TransactionItem struct {
	ID                         string          `json:"id"`
	TransactionID              string          `json:"transaction_id"`
	ProductID                  string          `json:"product_id"`
	Quantity                   int             `json:"quantity"`
	RefundedQuantity           int             `json:"refunded_quantity"`
	UnitPrice                  decimal.Decimal `json:"unit_price"`
	CostPrice                  decimal.Decimal `json:"cost_price"`
	PriceSource                string          `json:"price_source"`
	Offer                      *OfferSnapshot  `json:"offer,omitempty"`
	OfferDiscount              decimal.Decimal `json:"offer_discount"`
	CustomerDiscountPercentage decimal.Decimal `json:"customer_discount_percentage"`
	CustomerDiscount           decimal.Decimal `json:"customer_discount"`
	LineSubtotal               decimal.Decimal `json:"line_subtotal"`
	LineDiscount               decimal.Decimal `json:"line_discount"`
	LineTotal                  decimal.Decimal `json:"line_total"`
	RefundedAmount             decimal.Decimal `json:"refunded_amount"`
	IsRefunded                 bool            `json:"is_refunded"`
	RefundReason               string          `json:"refund_reason,omitempty"`
	SortOrder                  int             `json:"sort_order"`
}

// RemainingQuantity is the quantity not yet refunded.
func (i TransactionItem) RemainingQuantity() int {
	return i.Quantity - i.RefundedQuantity
}

func CloneItems(items []TransactionItem) []TransactionItem {
	if items == nil {
		return nil
	}
	out := make([]TransactionItem, len(items))
	copy(out, items)
	for i := range out {
		if items[i].Offer != nil {
			offer := *items[i].Offer
			out[i].Offer = &offer
		}
	}
	return out
}

type TransactionPayment struct {
	ID            string            `json:"id"`
	TransactionID string            `json:"transaction_id"`
	PaymentModeID string            `json:"payment_mode_id"`
	Amount        decimal.Decimal   `json:"amount"`
	PaymentData   map[string]string `json:"payment_data,omitempty"`
	RowNumber     int               `json:"row_number"`
	BalanceAfter  decimal.Decimal   `json:"balance_after"`
	RecordedBy    string            `json:"recorded_by"`
	CreatedAt     time.Time         `json:"created_at"`
}

func ClonePayments(payments []TransactionPayment) []TransactionPayment {
	if payments == nil {
		return nil
	}
	out := make([]TransactionPayment, len(payments))
	copy(out, payments)
	for i := range out {
		if payments[i].PaymentData != nil {
			data := make(map[string]string, len(payments[i].PaymentData))
			for k, v := range payments[i].PaymentData {
				data[k] = v
			}
			out[i].PaymentData = data
		}
	}
	return out
}

type TransactionVersion struct {
	ID               string               `json:"id"`
	TransactionID    string               `json:"transaction_id"`
	VersionNumber    int                  `json:"version_number"`
	ChangeType       ChangeType           `json:"change_type"`
	Actor            string               `json:"actor"`
	ChangeSummary    string               `json:"change_summary"`
	SnapshotStatus   TransactionStatus    `json:"snapshot_status"`
	SnapshotItems    []TransactionItem    `json:"snapshot_items"`
	SnapshotPayments []TransactionPayment `json:"snapshot_payments"`
	SnapshotTotals   Totals               `json:"snapshot_totals"`
	DiffData         map[string]any       `json:"diff_data,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
}

type InventoryLog struct {
	ID              string       `json:"id"`
	StoreID         string       `json:"store_id"`
	ProductID       string       `json:"product_id"`
	ActivityCode    ActivityCode `json:"activity_code"`
	QuantityIn      int          `json:"quantity_in"`
	QuantityOut     int          `json:"quantity_out"`
	CurrentQuantity int          `json:"current_quantity"`
	TransactionID   string       `json:"transaction_id,omitempty"`
	StocktakeID     string       `json:"stocktake_id,omitempty"`
	DeliveryOrderID string       `json:"delivery_order_id,omitempty"`
	PurchaseOrderID string       `json:"purchase_order_id,omitempty"`
	Actor           string       `json:"actor"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Actor is the authenticated operator behind a request.
type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for operator credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	RoleCashier = "cashier"
	RoleManager = "manager"
)

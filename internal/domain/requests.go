package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CreateTransactionRequest struct {
	StoreID    string `json:"store_id" validate:"required"`
	EmployeeID string `json:"employee_id" validate:"required"`
	CurrencyID string `json:"currency_id" validate:"required"`
	Comments   string `json:"comments,omitempty" validate:"max=500"`
}

type AddItemRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

type UpdateItemRequest struct {
	Quantity *int `json:"quantity" validate:"required,gt=0"`
}

// SetCustomerRequest clears the customer when CustomerID is nil.
type SetCustomerRequest struct {
	CustomerID *string `json:"customer_id"`
}

type AddPaymentRequest struct {
	PaymentModeID string            `json:"payment_mode_id" validate:"required"`
	Amount        decimal.Decimal   `json:"amount"`
	PaymentData   map[string]string `json:"payment_data,omitempty"`
}

type ManualDiscountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type VoidRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type RefundLine struct {
	ItemID   string `json:"item_id" validate:"required"`
	Quantity int    `json:"quantity" validate:"required,gt=0"`
	Reason   string `json:"reason,omitempty" validate:"max=500"`
}

type RefundRequest struct {
	Items []RefundLine `json:"items" validate:"required,min=1,dive"`
}

// StockAdjustmentRequest is used by stocktake, delivery and purchase order
// flows; sale, refund and void movements are reserved for transactions.
type StockAdjustmentRequest struct {
	StoreID         string       `json:"store_id" validate:"required"`
	ProductID       string       `json:"product_id" validate:"required"`
	Delta           int          `json:"delta" validate:"required"`
	ActivityCode    ActivityCode `json:"activity_code" validate:"required,oneof=ST DO PO ADJ"`
	StocktakeID     string       `json:"stocktake_id,omitempty"`
	DeliveryOrderID string       `json:"delivery_order_id,omitempty"`
	PurchaseOrderID string       `json:"purchase_order_id,omitempty"`
}

type StockLevel struct {
	StoreID   string `json:"store_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Username    string    `json:"username"`
	Role        string    `json:"role"`
}

package store

import (
	"context"
	"errors"
	"time"

	"retailpos/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrPriceNotFound      = errors.New("price not found")
	ErrConflict           = errors.New("concurrency conflict")
)

// Catalog is the read-only reference data every unit of work can see.
type Catalog interface {
	GetStore(ctx context.Context, storeID string) (*domain.Store, error)
	GetCurrency(ctx context.Context, currencyID string) (*domain.Currency, error)
	GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error)
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	GetPaymentMode(ctx context.Context, paymentModeID string) (*domain.PaymentMode, error)
	GetStorePrice(ctx context.Context, productID string, storeID string, currencyID string) (*domain.StorePrice, error)
	GetBasePrice(ctx context.Context, productID string, currencyID string) (*domain.ProductPrice, error)
}

// UnitOfWork is the transactional context handed to every component taking
// part in one operation. Nothing written through it is visible to other
// readers until WithinTx returns nil.
type UnitOfWork interface {
	Catalog

	NextTransactionSequence(ctx context.Context, storeID string, day time.Time) (int, error)
	CreateTransaction(ctx context.Context, txn *domain.Transaction) error
	// LockTransaction loads the aggregate and holds its exclusive lock until the unit ends.
	LockTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error)
	// SaveTransaction replaces header, items and payments of a locked aggregate.
	SaveTransaction(ctx context.Context, txn *domain.Transaction) error

	// AdjustStock applies delta to the store-product quantity, locking the row
	// until the unit ends, and returns the resulting quantity.
	AdjustStock(ctx context.Context, storeID string, productID string, delta int) (int, error)
	InsertInventoryLog(ctx context.Context, entry domain.InventoryLog) error

	NextVersionNumber(ctx context.Context, transactionID string) (int, error)
	InsertVersion(ctx context.Context, version domain.TransactionVersion) error
}

type Store interface {
	// WithinTx runs fn in one atomic unit. A non-nil error from fn rolls back
	// every write made through the unit.
	WithinTx(ctx context.Context, fn func(uow UnitOfWork) error) error

	FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	ListVersions(ctx context.Context, transactionID string) ([]domain.TransactionVersion, error)
	GetStock(ctx context.Context, storeID string, productID string) (int, error)
	ListInventoryLogs(ctx context.Context, transactionID string) ([]domain.InventoryLog, error)

	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
}

package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

const lockTimeout = "5s"

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(uow store.UnitOfWork) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	if _, err := pgTx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%s'", lockTimeout)); err != nil {
		return mapError(err)
	}

	if err := fn(&unit{tx: pgTx}); err != nil {
		return mapError(err)
	}
	if err := pgTx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// readSnapshot runs fn inside one read-only repeatable-read transaction, so
// every statement sees the same committed state.
func (s *Store) readSnapshot(ctx context.Context, fn func(q queryer) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(pgTx); err != nil {
		return err
	}
	return pgTx.Commit()
}

func (s *Store) FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	var txn *domain.Transaction
	err := s.readSnapshot(ctx, func(q queryer) error {
		var err error
		txn, err = loadTransaction(ctx, q, id, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *Store) ListVersions(ctx context.Context, transactionID string) ([]domain.TransactionVersion, error) {
	var versions []domain.TransactionVersion
	err := s.readSnapshot(ctx, func(q queryer) error {
		var err error
		versions, err = listVersions(ctx, q, transactionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return versions, nil
}

func listVersions(ctx context.Context, q queryer, transactionID string) ([]domain.TransactionVersion, error) {
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, transactionID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, transaction_id, version_number, change_type, actor, change_summary,
			snapshot_status, snapshot_items, snapshot_payments, snapshot_totals, diff_data, created_at
		FROM transaction_versions
		WHERE transaction_id = $1
		ORDER BY version_number ASC
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := make([]domain.TransactionVersion, 0, 16)
	for rows.Next() {
		var v domain.TransactionVersion
		var itemsJSON, paymentsJSON, totalsJSON, diffJSON []byte
		if err := rows.Scan(
			&v.ID, &v.TransactionID, &v.VersionNumber, &v.ChangeType, &v.Actor, &v.ChangeSummary,
			&v.SnapshotStatus, &itemsJSON, &paymentsJSON, &totalsJSON, &diffJSON, &v.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(itemsJSON, &v.SnapshotItems); err != nil {
			return nil, fmt.Errorf("decode snapshot items: %w", err)
		}
		if err := json.Unmarshal(paymentsJSON, &v.SnapshotPayments); err != nil {
			return nil, fmt.Errorf("decode snapshot payments: %w", err)
		}
		if err := json.Unmarshal(totalsJSON, &v.SnapshotTotals); err != nil {
			return nil, fmt.Errorf("decode snapshot totals: %w", err)
		}
		if len(diffJSON) > 0 {
			if err := json.Unmarshal(diffJSON, &v.DiffData); err != nil {
				return nil, fmt.Errorf("decode diff data: %w", err)
			}
		}
		v.CreatedAt = v.CreatedAt.UTC()
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return versions, nil
}

func (s *Store) GetStock(ctx context.Context, storeID string, productID string) (int, error) {
	var qty int
	err := s.db.QueryRowContext(ctx, `
		SELECT quantity
		FROM inventory_stocks
		WHERE store_id = $1 AND product_id = $2
	`, storeID, productID).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return qty, nil
}

func (s *Store) ListInventoryLogs(ctx context.Context, transactionID string) ([]domain.InventoryLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, product_id, activity_code, quantity_in, quantity_out, current_quantity,
			COALESCE(transaction_id,''), COALESCE(stocktake_id,''), COALESCE(delivery_order_id,''),
			COALESCE(purchase_order_id,''), actor, created_at
		FROM inventory_logs
		WHERE transaction_id = $1
		ORDER BY created_at ASC, id ASC
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.InventoryLog, 0, 8)
	for rows.Next() {
		var entry domain.InventoryLog
		if err := rows.Scan(
			&entry.ID, &entry.StoreID, &entry.ProductID, &entry.ActivityCode, &entry.QuantityIn,
			&entry.QuantityOut, &entry.CurrentQuantity, &entry.TransactionID, &entry.StocktakeID,
			&entry.DeliveryOrderID, &entry.PurchaseOrderID, &entry.Actor, &entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,true,$4,now())
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s already exists: %w", user.Username, store.ErrConflict)
		}
		return err
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadTransaction(ctx context.Context, q queryer, id string, forUpdate bool) (*domain.Transaction, error) {
	query := `
		SELECT id, transaction_number, store_id, employee_id, customer_id, customer_discount_percentage,
			currency_id, decimal_places, status, checkout_at, subtotal, offer_discount, bundle_discount,
			minimum_spend_discount, customer_discount, manual_discount, tax_percentage, tax_inclusive,
			tax_amount, total, amount_paid, refund_amount, balance_due, change_amount,
			COALESCE(comments,''), COALESCE(void_reason,''), voided_at, created_by, created_at, updated_at
		FROM transactions
		WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var txn domain.Transaction
	var customerID sql.NullString
	var checkoutAt, voidedAt sql.NullTime
	err := q.QueryRowContext(ctx, query, id).Scan(
		&txn.ID, &txn.TransactionNumber, &txn.StoreID, &txn.EmployeeID, &customerID, &txn.CustomerDiscountPercentage,
		&txn.CurrencyID, &txn.DecimalPlaces, &txn.Status, &checkoutAt, &txn.Subtotal, &txn.OfferDiscount, &txn.BundleDiscount,
		&txn.MinimumSpendDiscount, &txn.CustomerDiscount, &txn.ManualDiscount, &txn.TaxPercentage, &txn.TaxInclusive,
		&txn.TaxAmount, &txn.Total, &txn.AmountPaid, &txn.RefundAmount, &txn.BalanceDue, &txn.ChangeAmount,
		&txn.Comments, &txn.VoidReason, &voidedAt, &txn.CreatedBy, &txn.CreatedAt, &txn.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if customerID.Valid {
		cid := customerID.String
		txn.CustomerID = &cid
	}
	if checkoutAt.Valid {
		at := checkoutAt.Time.UTC()
		txn.CheckoutAt = &at
	}
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		txn.VoidedAt = &at
	}
	txn.CreatedAt = txn.CreatedAt.UTC()
	txn.UpdatedAt = txn.UpdatedAt.UTC()

	items, err := loadItems(ctx, q, id)
	if err != nil {
		return nil, err
	}
	txn.Items = items

	payments, err := loadPayments(ctx, q, id)
	if err != nil {
		return nil, err
	}
	txn.Payments = payments

	return &txn, nil
}

func loadItems(ctx context.Context, q queryer, transactionID string) ([]domain.TransactionItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, transaction_id, product_id, quantity, refunded_quantity, unit_price, cost_price,
			price_source, offer, offer_discount, customer_discount_percentage, customer_discount,
			line_subtotal, line_discount, line_total, refunded_amount, is_refunded,
			COALESCE(refund_reason,''), sort_order
		FROM transaction_items
		WHERE transaction_id = $1
		ORDER BY sort_order ASC, id ASC
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.TransactionItem, 0, 8)
	for rows.Next() {
		var item domain.TransactionItem
		var offerJSON []byte
		if err := rows.Scan(
			&item.ID, &item.TransactionID, &item.ProductID, &item.Quantity, &item.RefundedQuantity,
			&item.UnitPrice, &item.CostPrice, &item.PriceSource, &offerJSON, &item.OfferDiscount,
			&item.CustomerDiscountPercentage, &item.CustomerDiscount, &item.LineSubtotal,
			&item.LineDiscount, &item.LineTotal, &item.RefundedAmount, &item.IsRefunded,
			&item.RefundReason, &item.SortOrder,
		); err != nil {
			return nil, err
		}
		if len(offerJSON) > 0 {
			var offer domain.OfferSnapshot
			if err := json.Unmarshal(offerJSON, &offer); err != nil {
				return nil, fmt.Errorf("decode offer snapshot: %w", err)
			}
			item.Offer = &offer
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func loadPayments(ctx context.Context, q queryer, transactionID string) ([]domain.TransactionPayment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, transaction_id, payment_mode_id, amount, payment_data, row_number,
			balance_after, recorded_by, created_at
		FROM transaction_payments
		WHERE transaction_id = $1
		ORDER BY row_number ASC
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.TransactionPayment, 0, 4)
	for rows.Next() {
		var p domain.TransactionPayment
		var dataJSON []byte
		if err := rows.Scan(
			&p.ID, &p.TransactionID, &p.PaymentModeID, &p.Amount, &dataJSON, &p.RowNumber,
			&p.BalanceAfter, &p.RecordedBy, &p.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &p.PaymentData); err != nil {
				return nil, fmt.Errorf("decode payment data: %w", err)
			}
		}
		p.CreatedAt = p.CreatedAt.UTC()
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}

type unit struct {
	tx *sql.Tx
}

func (u *unit) GetStore(ctx context.Context, storeID string) (*domain.Store, error) {
	var st domain.Store
	err := u.tx.QueryRowContext(ctx, `
		SELECT id, code, name, tax_percentage, tax_inclusive
		FROM stores
		WHERE id = $1
	`, storeID).Scan(&st.ID, &st.Code, &st.Name, &st.TaxPercentage, &st.TaxInclusive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := u.tx.QueryContext(ctx, `
		SELECT currency_id
		FROM store_currencies
		WHERE store_id = $1
		ORDER BY currency_id
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var currencyID string
		if err := rows.Scan(&currencyID); err != nil {
			return nil, err
		}
		st.CurrencyIDs = append(st.CurrencyIDs, currencyID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (u *unit) GetCurrency(ctx context.Context, currencyID string) (*domain.Currency, error) {
	var c domain.Currency
	err := u.tx.QueryRowContext(ctx, `
		SELECT id, code, decimal_places FROM currencies WHERE id = $1
	`, currencyID).Scan(&c.ID, &c.Code, &c.DecimalPlaces)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (u *unit) GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error) {
	var c domain.Customer
	err := u.tx.QueryRowContext(ctx, `
		SELECT id, name, discount_percentage FROM customers WHERE id = $1
	`, customerID).Scan(&c.ID, &c.Name, &c.DiscountPercentage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (u *unit) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	err := u.tx.QueryRowContext(ctx, `
		SELECT id, sku, name, active FROM products WHERE id = $1
	`, productID).Scan(&p.ID, &p.SKU, &p.Name, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (u *unit) GetPaymentMode(ctx context.Context, paymentModeID string) (*domain.PaymentMode, error) {
	var m domain.PaymentMode
	err := u.tx.QueryRowContext(ctx, `
		SELECT id, name FROM payment_modes WHERE id = $1
	`, paymentModeID).Scan(&m.ID, &m.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (u *unit) GetStorePrice(ctx context.Context, productID string, storeID string, currencyID string) (*domain.StorePrice, error) {
	var p domain.StorePrice
	err := u.tx.QueryRowContext(ctx, `
		SELECT product_id, store_id, currency_id, unit_price, cost_price, active
		FROM store_prices
		WHERE product_id = $1 AND store_id = $2 AND currency_id = $3
	`, productID, storeID, currencyID).Scan(&p.ProductID, &p.StoreID, &p.CurrencyID, &p.UnitPrice, &p.CostPrice, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (u *unit) GetBasePrice(ctx context.Context, productID string, currencyID string) (*domain.ProductPrice, error) {
	var p domain.ProductPrice
	err := u.tx.QueryRowContext(ctx, `
		SELECT product_id, currency_id, unit_price, cost_price
		FROM product_prices
		WHERE product_id = $1 AND currency_id = $2
	`, productID, currencyID).Scan(&p.ProductID, &p.CurrencyID, &p.UnitPrice, &p.CostPrice)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (u *unit) NextTransactionSequence(ctx context.Context, storeID string, day time.Time) (int, error) {
	var seq int
	err := u.tx.QueryRowContext(ctx, `
		INSERT INTO transaction_sequences (store_id, business_day, last_value)
		VALUES ($1,$2,1)
		ON CONFLICT (store_id, business_day)
		DO UPDATE SET last_value = transaction_sequences.last_value + 1
		RETURNING last_value
	`, storeID, domain.BusinessDay(day)).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (u *unit) CreateTransaction(ctx context.Context, txn *domain.Transaction) error {
	if txn == nil || strings.TrimSpace(txn.ID) == "" {
		return store.ErrInvalidTransaction
	}
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, transaction_number, store_id, employee_id, customer_id, customer_discount_percentage,
			currency_id, decimal_places, status, checkout_at, subtotal, offer_discount, bundle_discount,
			minimum_spend_discount, customer_discount, manual_discount, tax_percentage, tax_inclusive,
			tax_amount, total, amount_paid, refund_amount, balance_due, change_amount,
			comments, void_reason, voided_at, created_by, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30)
	`, headerArgs(txn)...)
	if err != nil {
		return err
	}
	return u.replaceLines(ctx, txn)
}

func (u *unit) LockTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	return loadTransaction(ctx, u.tx, transactionID, true)
}

func (u *unit) SaveTransaction(ctx context.Context, txn *domain.Transaction) error {
	res, err := u.tx.ExecContext(ctx, `
		UPDATE transactions SET
			transaction_number = $2, store_id = $3, employee_id = $4, customer_id = $5,
			customer_discount_percentage = $6, currency_id = $7, decimal_places = $8, status = $9,
			checkout_at = $10, subtotal = $11, offer_discount = $12, bundle_discount = $13,
			minimum_spend_discount = $14, customer_discount = $15, manual_discount = $16,
			tax_percentage = $17, tax_inclusive = $18, tax_amount = $19, total = $20,
			amount_paid = $21, refund_amount = $22, balance_due = $23, change_amount = $24,
			comments = $25, void_reason = $26, voided_at = $27, created_by = $28,
			created_at = $29, updated_at = $30
		WHERE id = $1
	`, headerArgs(txn)...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return u.replaceLines(ctx, txn)
}

func (u *unit) replaceLines(ctx context.Context, txn *domain.Transaction) error {
	if _, err := u.tx.ExecContext(ctx, `DELETE FROM transaction_items WHERE transaction_id = $1`, txn.ID); err != nil {
		return err
	}
	if _, err := u.tx.ExecContext(ctx, `DELETE FROM transaction_payments WHERE transaction_id = $1`, txn.ID); err != nil {
		return err
	}

	for _, item := range txn.Items {
		var offerJSON any
		if item.Offer != nil {
			raw, err := json.Marshal(item.Offer)
			if err != nil {
				return err
			}
			offerJSON = raw
		}
		_, err := u.tx.ExecContext(ctx, `
			INSERT INTO transaction_items (
				id, transaction_id, product_id, quantity, refunded_quantity, unit_price, cost_price,
				price_source, offer, offer_discount, customer_discount_percentage, customer_discount,
				line_subtotal, line_discount, line_total, refunded_amount, is_refunded, refund_reason, sort_order
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		`, item.ID, txn.ID, item.ProductID, item.Quantity, item.RefundedQuantity, item.UnitPrice, item.CostPrice,
			item.PriceSource, offerJSON, item.OfferDiscount, item.CustomerDiscountPercentage, item.CustomerDiscount,
			item.LineSubtotal, item.LineDiscount, item.LineTotal, item.RefundedAmount, item.IsRefunded,
			nullIfEmpty(item.RefundReason), item.SortOrder)
		if err != nil {
			return err
		}
	}

	for _, p := range txn.Payments {
		var dataJSON any
		if len(p.PaymentData) > 0 {
			raw, err := json.Marshal(p.PaymentData)
			if err != nil {
				return err
			}
			dataJSON = raw
		}
		_, err := u.tx.ExecContext(ctx, `
			INSERT INTO transaction_payments (
				id, transaction_id, payment_mode_id, amount, payment_data, row_number,
				balance_after, recorded_by, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, p.ID, txn.ID, p.PaymentModeID, p.Amount, dataJSON, p.RowNumber, p.BalanceAfter, p.RecordedBy, p.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *unit) AdjustStock(ctx context.Context, storeID string, productID string, delta int) (int, error) {
	var qty int
	err := u.tx.QueryRowContext(ctx, `
		INSERT INTO inventory_stocks (store_id, product_id, quantity, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (store_id, product_id)
		DO UPDATE SET quantity = inventory_stocks.quantity + EXCLUDED.quantity, updated_at = now()
		RETURNING quantity
	`, storeID, productID, delta).Scan(&qty)
	if err != nil {
		return 0, err
	}
	return qty, nil
}

func (u *unit) InsertInventoryLog(ctx context.Context, entry domain.InventoryLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("invlog")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO inventory_logs (
			id, store_id, product_id, activity_code, quantity_in, quantity_out, current_quantity,
			transaction_id, stocktake_id, delivery_order_id, purchase_order_id, actor, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, entry.ID, entry.StoreID, entry.ProductID, entry.ActivityCode, entry.QuantityIn, entry.QuantityOut,
		entry.CurrentQuantity, nullIfEmpty(entry.TransactionID), nullIfEmpty(entry.StocktakeID),
		nullIfEmpty(entry.DeliveryOrderID), nullIfEmpty(entry.PurchaseOrderID), entry.Actor, entry.CreatedAt)
	return err
}

func (u *unit) NextVersionNumber(ctx context.Context, transactionID string) (int, error) {
	var next int
	err := u.tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version_number), 0) + 1
		FROM transaction_versions
		WHERE transaction_id = $1
	`, transactionID).Scan(&next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (u *unit) InsertVersion(ctx context.Context, v domain.TransactionVersion) error {
	itemsJSON, err := json.Marshal(nonNilItems(v.SnapshotItems))
	if err != nil {
		return err
	}
	paymentsJSON, err := json.Marshal(nonNilPayments(v.SnapshotPayments))
	if err != nil {
		return err
	}
	totalsJSON, err := json.Marshal(v.SnapshotTotals)
	if err != nil {
		return err
	}
	var diffJSON any
	if len(v.DiffData) > 0 {
		raw, err := json.Marshal(v.DiffData)
		if err != nil {
			return err
		}
		diffJSON = raw
	}
	if v.ID == "" {
		v.ID = xid.New("ver")
	}

	_, err = u.tx.ExecContext(ctx, `
		INSERT INTO transaction_versions (
			id, transaction_id, version_number, change_type, actor, change_summary,
			snapshot_status, snapshot_items, snapshot_payments, snapshot_totals, diff_data, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, v.ID, v.TransactionID, v.VersionNumber, v.ChangeType, v.Actor, v.ChangeSummary,
		v.SnapshotStatus, itemsJSON, paymentsJSON, totalsJSON, diffJSON, v.CreatedAt)
	return err
}

func headerArgs(txn *domain.Transaction) []any {
	var customerID any
	if txn.CustomerID != nil {
		customerID = *txn.CustomerID
	}
	return []any{
		txn.ID, txn.TransactionNumber, txn.StoreID, txn.EmployeeID, customerID, txn.CustomerDiscountPercentage,
		txn.CurrencyID, txn.DecimalPlaces, txn.Status, nullTime(txn.CheckoutAt), txn.Subtotal, txn.OfferDiscount,
		txn.BundleDiscount, txn.MinimumSpendDiscount, txn.CustomerDiscount, txn.ManualDiscount, txn.TaxPercentage,
		txn.TaxInclusive, txn.TaxAmount, txn.Total, txn.AmountPaid, txn.RefundAmount, txn.BalanceDue,
		txn.ChangeAmount, nullIfEmpty(txn.Comments), nullIfEmpty(txn.VoidReason), nullTime(txn.VoidedAt),
		txn.CreatedBy, txn.CreatedAt, txn.UpdatedAt,
	}
}

// mapError folds lock and serialization failures into store.ErrConflict so
// the caller can retry the whole unit.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "23505":
			return fmt.Errorf("%w: %s (%s)", store.ErrConflict, pgErr.Message, pgErr.Code)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nonNilItems(items []domain.TransactionItem) []domain.TransactionItem {
	if items == nil {
		return []domain.TransactionItem{}
	}
	return items
}

func nonNilPayments(payments []domain.TransactionPayment) []domain.TransactionPayment {
	if payments == nil {
		return []domain.TransactionPayment{}
	}
	return payments
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

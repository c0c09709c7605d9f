package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/xid"
)

const defaultLockTimeout = 5 * time.Second

type Store struct {
	mu              sync.RWMutex
	stores          map[string]domain.Store
	currencies      map[string]domain.Currency
	customers       map[string]domain.Customer
	products        map[string]domain.Product
	paymentModes    map[string]domain.PaymentMode
	basePrices      map[string]domain.ProductPrice
	storePrices     map[string]domain.StorePrice
	transactions    map[string]*domain.Transaction
	versions        map[string][]domain.TransactionVersion
	stock           map[string]int
	inventoryLogs   []domain.InventoryLog
	sequences       map[string]int
	usersByUsername map[string]domain.UserAccount

	locks       *rowLocks
	lockTimeout time.Duration
}

// New returns an empty store. Reference data is added with the Put helpers.
func New() *Store {
	return &Store{
		stores:          make(map[string]domain.Store),
		currencies:      make(map[string]domain.Currency),
		customers:       make(map[string]domain.Customer),
		products:        make(map[string]domain.Product),
		paymentModes:    make(map[string]domain.PaymentMode),
		basePrices:      make(map[string]domain.ProductPrice),
		storePrices:     make(map[string]domain.StorePrice),
		transactions:    make(map[string]*domain.Transaction),
		versions:        make(map[string][]domain.TransactionVersion),
		stock:           make(map[string]int),
		inventoryLogs:   make([]domain.InventoryLog, 0, 128),
		sequences:       make(map[string]int),
		usersByUsername: make(map[string]domain.UserAccount),
		locks:           newRowLocks(),
		lockTimeout:     defaultLockTimeout,
	}
}

// seedUsers builds the initial operator accounts for dev/demo mode.
// Credentials come from SEED_MANAGER_PASSWORD and SEED_CASHIER_PASSWORD;
// dev defaults are used with a warning when they are unset.
func seedUsers() map[string]domain.UserAccount {
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_MANAGER_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logrus.WithField("module", "memory-store").Warn("using default dev credentials, set SEED_MANAGER_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"manager", managerPwd, domain.RoleManager},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithField("module", "memory-store").Fatalf("failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func money(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

// NewSeeded returns a store with demo reference data: three stores (no tax,
// 7% exclusive, 7% inclusive), USD and JPY, four products stocked at 120 in
// every store, two customers and two payment modes.
func NewSeeded() *Store {
	s := New()

	s.PutCurrency(domain.Currency{ID: "usd", Code: "USD", DecimalPlaces: 2})
	s.PutCurrency(domain.Currency{ID: "jpy", Code: "JPY", DecimalPlaces: 0})

	s.PutStore(domain.Store{ID: "store-tst", Code: "TST", Name: "Test Store", TaxPercentage: decimal.Zero, CurrencyIDs: []string{"usd", "jpy"}})
	s.PutStore(domain.Store{ID: "store-exc", Code: "EXC", Name: "Exclusive Tax Store", TaxPercentage: money("7"), CurrencyIDs: []string{"usd"}})
	s.PutStore(domain.Store{ID: "store-inc", Code: "INC", Name: "Inclusive Tax Store", TaxPercentage: money("7"), TaxInclusive: true, CurrencyIDs: []string{"usd"}})

	for _, p := range []struct {
		product domain.Product
		usd     string
		cost    string
	}{
		{domain.Product{ID: "prod-coffee", SKU: "SKU-COFFEE-01", Name: "Coffee Beans 250g", Active: true}, "25.00", "10.00"},
		{domain.Product{ID: "prod-widget", SKU: "SKU-WIDGET-01", Name: "Widget", Active: true}, "100.00", "60.00"},
		{domain.Product{ID: "prod-premium", SKU: "SKU-PREMIUM-01", Name: "Premium Kettle", Active: true}, "107.00", "70.00"},
		{domain.Product{ID: "prod-tea", SKU: "SKU-TEA-01", Name: "Tea Bags", Active: true}, "8.00", "3.00"},
	} {
		s.PutProduct(p.product)
		s.PutBasePrice(domain.ProductPrice{ProductID: p.product.ID, CurrencyID: "usd", UnitPrice: money(p.usd), CostPrice: money(p.cost)})
		for _, storeID := range []string{"store-tst", "store-exc", "store-inc"} {
			s.SetStock(storeID, p.product.ID, 120)
		}
	}
	s.PutBasePrice(domain.ProductPrice{ProductID: "prod-coffee", CurrencyID: "jpy", UnitPrice: money("2500"), CostPrice: money("1000")})

	s.PutStorePrice(domain.StorePrice{ProductID: "prod-tea", StoreID: "store-exc", CurrencyID: "usd", UnitPrice: money("7.50"), CostPrice: money("3.00"), Active: true})
	s.PutStorePrice(domain.StorePrice{ProductID: "prod-coffee", StoreID: "store-exc", CurrencyID: "usd", UnitPrice: money("20.00"), CostPrice: money("10.00"), Active: false})

	s.PutCustomer(domain.Customer{ID: "cust-vip", Name: "VIP Member", DiscountPercentage: money("10")})
	s.PutCustomer(domain.Customer{ID: "cust-walkin", Name: "Walk-in", DiscountPercentage: decimal.Zero})

	s.PutPaymentMode(domain.PaymentMode{ID: "cash", Name: "Cash"})
	s.PutPaymentMode(domain.PaymentMode{ID: "card", Name: "Card"})

	s.usersByUsername = seedUsers()
	return s
}

func (s *Store) PutStore(st domain.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.CurrencyIDs = slices.Clone(st.CurrencyIDs)
	s.stores[st.ID] = st
}

func (s *Store) PutCurrency(c domain.Currency) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currencies[c.ID] = c
}

func (s *Store) PutCustomer(c domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.ID] = c
}

func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

func (s *Store) PutPaymentMode(m domain.PaymentMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paymentModes[m.ID] = m
}

func (s *Store) PutBasePrice(p domain.ProductPrice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.basePrices[basePriceKey(p.ProductID, p.CurrencyID)] = p
}

func (s *Store) PutStorePrice(p domain.StorePrice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storePrices[storePriceKey(p.ProductID, p.StoreID, p.CurrencyID)] = p
}

// SetStock overwrites a store-product quantity outside any unit of work.
func (s *Store) SetStock(storeID string, productID string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[stockKey(storeID, productID)] = qty
}

// SetLockTimeout bounds how long a unit of work waits for a row lock before
// failing with store.ErrConflict.
func (s *Store) SetLockTimeout(d time.Duration) {
	if d > 0 {
		s.lockTimeout = d
	}
}

func (s *Store) WithinTx(ctx context.Context, fn func(uow store.UnitOfWork) error) error {
	u := newUnit(s)
	defer u.releaseAll()

	if err := fn(u); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commit(u)
	return nil
}

func (s *Store) commit(u *unit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, seq := range u.sequences {
		s.sequences[key] = seq
	}
	for id, txn := range u.txns {
		s.transactions[id] = txn.Clone()
	}
	for key, qty := range u.stock {
		s.stock[key] = qty
	}
	s.inventoryLogs = append(s.inventoryLogs, u.logs...)
	for _, v := range u.versions {
		s.versions[v.TransactionID] = append(s.versions[v.TransactionID], cloneVersion(v))
	}
}

func (s *Store) FindTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txn, ok := s.transactions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return txn.Clone(), nil
}

func (s *Store) ListVersions(_ context.Context, transactionID string) ([]domain.TransactionVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.transactions[transactionID]; !ok {
		return nil, store.ErrNotFound
	}
	src := s.versions[transactionID]
	out := make([]domain.TransactionVersion, 0, len(src))
	for _, v := range src {
		out = append(out, cloneVersion(v))
	}
	slices.SortFunc(out, func(a, b domain.TransactionVersion) int {
		return a.VersionNumber - b.VersionNumber
	})
	return out, nil
}

func (s *Store) GetStock(_ context.Context, storeID string, productID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	qty, ok := s.stock[stockKey(storeID, productID)]
	if !ok {
		return 0, store.ErrNotFound
	}
	return qty, nil
}

func (s *Store) ListInventoryLogs(_ context.Context, transactionID string) ([]domain.InventoryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.InventoryLog, 0)
	for _, entry := range s.inventoryLogs {
		if entry.TransactionID == transactionID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("user %s already exists: %w", username, store.ErrConflict)
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

// unit stages every write until commit and holds its row locks until release.
type unit struct {
	s         *Store
	held      map[string]bool
	heldOrder []string

	txns      map[string]*domain.Transaction
	stock     map[string]int
	logs      []domain.InventoryLog
	versions  []domain.TransactionVersion
	sequences map[string]int
}

func newUnit(s *Store) *unit {
	return &unit{
		s:         s,
		held:      make(map[string]bool),
		txns:      make(map[string]*domain.Transaction),
		stock:     make(map[string]int),
		sequences: make(map[string]int),
	}
}

func (u *unit) lock(ctx context.Context, key string) error {
	if u.held[key] {
		return nil
	}
	if err := u.s.locks.acquire(ctx, key, u.s.lockTimeout); err != nil {
		return err
	}
	u.held[key] = true
	u.heldOrder = append(u.heldOrder, key)
	return nil
}

func (u *unit) releaseAll() {
	for i := len(u.heldOrder) - 1; i >= 0; i-- {
		u.s.locks.release(u.heldOrder[i])
	}
	u.heldOrder = nil
	u.held = map[string]bool{}
}

func (u *unit) GetStore(_ context.Context, storeID string) (*domain.Store, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()

	st, ok := u.s.stores[storeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	st.CurrencyIDs = slices.Clone(st.CurrencyIDs)
	return &st, nil
}

func (u *unit) GetCurrency(_ context.Context, currencyID string) (*domain.Currency, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()

	c, ok := u.s.currencies[currencyID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (u *unit) GetCustomer(_ context.Context, customerID string) (*domain.Customer, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()

	c, ok := u.s.customers[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (u *unit) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()

	p, ok := u.s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (u *unit) GetPaymentMode(_ context.Context, paymentModeID string) (*domain.PaymentMode, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()

	m, ok := u.s.paymentModes[paymentModeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &m, nil
}

func (u *unit) GetStorePrice(_ context.Context, productID string, storeID string, currencyID string) (*domain.StorePrice, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()

	p, ok := u.s.storePrices[storePriceKey(productID, storeID, currencyID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (u *unit) GetBasePrice(_ context.Context, productID string, currencyID string) (*domain.ProductPrice, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()

	p, ok := u.s.basePrices[basePriceKey(productID, currencyID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (u *unit) NextTransactionSequence(ctx context.Context, storeID string, day time.Time) (int, error) {
	key := storeID + "|" + domain.BusinessDay(day).Format("20060102")
	if err := u.lock(ctx, "seq:"+key); err != nil {
		return 0, err
	}
	current, staged := u.sequences[key]
	if !staged {
		u.s.mu.RLock()
		current = u.s.sequences[key]
		u.s.mu.RUnlock()
	}
	u.sequences[key] = current + 1
	return current + 1, nil
}

func (u *unit) CreateTransaction(ctx context.Context, txn *domain.Transaction) error {
	if txn == nil || strings.TrimSpace(txn.ID) == "" {
		return store.ErrInvalidTransaction
	}
	if err := u.lock(ctx, "txn:"+txn.ID); err != nil {
		return err
	}
	u.s.mu.RLock()
	_, exists := u.s.transactions[txn.ID]
	u.s.mu.RUnlock()
	if _, staged := u.txns[txn.ID]; exists || staged {
		return fmt.Errorf("transaction %s already exists: %w", txn.ID, store.ErrConflict)
	}
	u.txns[txn.ID] = txn.Clone()
	return nil
}

func (u *unit) LockTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	if err := u.lock(ctx, "txn:"+transactionID); err != nil {
		return nil, err
	}
	if staged, ok := u.txns[transactionID]; ok {
		return staged.Clone(), nil
	}
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()

	txn, ok := u.s.transactions[transactionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return txn.Clone(), nil
}

func (u *unit) SaveTransaction(_ context.Context, txn *domain.Transaction) error {
	if txn == nil || !u.held["txn:"+txn.ID] {
		return fmt.Errorf("save of unlocked transaction: %w", store.ErrInvalidTransaction)
	}
	u.txns[txn.ID] = txn.Clone()
	return nil
}

func (u *unit) AdjustStock(ctx context.Context, storeID string, productID string, delta int) (int, error) {
	key := stockKey(storeID, productID)
	if err := u.lock(ctx, "stock:"+key); err != nil {
		return 0, err
	}
	current, staged := u.stock[key]
	if !staged {
		u.s.mu.RLock()
		current = u.s.stock[key]
		u.s.mu.RUnlock()
	}
	u.stock[key] = current + delta
	return current + delta, nil
}

func (u *unit) InsertInventoryLog(_ context.Context, entry domain.InventoryLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("invlog")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	u.logs = append(u.logs, entry)
	return nil
}

func (u *unit) NextVersionNumber(_ context.Context, transactionID string) (int, error) {
	if !u.held["txn:"+transactionID] {
		return 0, fmt.Errorf("version number for unlocked transaction: %w", store.ErrInvalidTransaction)
	}
	highest := 0
	u.s.mu.RLock()
	for _, v := range u.s.versions[transactionID] {
		highest = max(highest, v.VersionNumber)
	}
	u.s.mu.RUnlock()
	for _, v := range u.versions {
		if v.TransactionID == transactionID {
			highest = max(highest, v.VersionNumber)
		}
	}
	return highest + 1, nil
}

func (u *unit) InsertVersion(ctx context.Context, version domain.TransactionVersion) error {
	next, err := u.NextVersionNumber(ctx, version.TransactionID)
	if err != nil {
		return err
	}
	if version.VersionNumber != next {
		return fmt.Errorf("version %d of %s is taken: %w", version.VersionNumber, version.TransactionID, store.ErrConflict)
	}
	u.versions = append(u.versions, cloneVersion(version))
	return nil
}

// rowLocks hands out one exclusive slot per key. A slot is a buffered channel
// so that waiting can give up on context cancellation or timeout.
type rowLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newRowLocks() *rowLocks {
	return &rowLocks{slots: make(map[string]chan struct{})}
}

func (l *rowLocks) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *rowLocks) acquire(ctx context.Context, key string, timeout time.Duration) error {
	ch := l.slot(key)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("row %s still locked after %s: %w", key, timeout, store.ErrConflict)
	}
}

func (l *rowLocks) release(key string) {
	<-l.slot(key)
}

func stockKey(storeID string, productID string) string {
	return storeID + "|" + productID
}

func basePriceKey(productID string, currencyID string) string {
	return productID + "|" + currencyID
}

func storePriceKey(productID string, storeID string, currencyID string) string {
	return productID + "|" + storeID + "|" + currencyID
}

func cloneVersion(v domain.TransactionVersion) domain.TransactionVersion {
	cp := v
	cp.SnapshotItems = domain.CloneItems(v.SnapshotItems)
	cp.SnapshotPayments = domain.ClonePayments(v.SnapshotPayments)
	if v.DiffData != nil {
		cp.DiffData = make(map[string]any, len(v.DiffData))
		for k, val := range v.DiffData {
			cp.DiffData[k] = val
		}
	}
	return cp
}

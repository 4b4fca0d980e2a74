package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/emilioale04/steam-clone-sub003/internal/models"
	"github.com/emilioale04/steam-clone-sub003/internal/store"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is intended for tests and local development.
// Transactions are serialised and rolled back from a snapshot on error.
type Store struct {
	txMu sync.Mutex

	mu           sync.RWMutex
	products     map[string]models.Product
	keys         map[string]models.LicenseKey
	fingerprints map[string]string
	wallets      map[string]models.Wallet
	transactions map[string]models.Transaction
	idempotency  map[string]string
	audits       []models.AuditLog

	atomicDisabled bool
	failures       map[string]error
}

var _ store.KeyStore = (*Store)(nil)
var _ store.LedgerStore = (*Store)(nil)
var _ store.AuditStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		products:     make(map[string]models.Product),
		keys:         make(map[string]models.LicenseKey),
		fingerprints: make(map[string]string),
		wallets:      make(map[string]models.Wallet),
		transactions: make(map[string]models.Transaction),
		idempotency:  make(map[string]string),
		failures:     make(map[string]error),
	}
}

type txKey struct{}

type snapshot struct {
	products     map[string]models.Product
	keys         map[string]models.LicenseKey
	fingerprints map[string]string
	wallets      map[string]models.Wallet
	transactions map[string]models.Transaction
	idempotency  map[string]string
	audits       []models.AuditLog
}

func cloneMap[K comparable, V any](src map[K]V) map[K]V {
	out := make(map[K]V, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func (s *Store) takeSnapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot{
		products:     cloneMap(s.products),
		keys:         cloneMap(s.keys),
		fingerprints: cloneMap(s.fingerprints),
		wallets:      cloneMap(s.wallets),
		transactions: cloneMap(s.transactions),
		idempotency:  cloneMap(s.idempotency),
		audits:       append([]models.AuditLog(nil), s.audits...),
	}
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products = snap.products
	s.keys = snap.keys
	s.fingerprints = snap.fingerprints
	s.wallets = snap.wallets
	s.transactions = snap.transactions
	s.idempotency = snap.idempotency
	s.audits = snap.audits
}

// WithTx serialises fn against other transactions and undoes its writes when
// it returns an error.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.takeSnapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// Test helpers -----------------------------------------------------------------

// AddProduct seeds a product.
func (s *Store) AddProduct(p models.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = cloneProduct(p)
	s.products[p.ID] = p
}

// PutWallet seeds or replaces a wallet.
func (s *Store) PutWallet(w models.Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w = cloneWallet(w)
	s.wallets[w.AccountID] = w
}

// PutKey seeds or replaces a license key.
func (s *Store) PutKey(k models.LicenseKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k = cloneKey(k)
	s.keys[k.ID] = k
	s.fingerprints[k.Fingerprint] = k.ID
}

// DisableAtomic makes ApplyBalanceDelta report ErrAtomicUnavailable, the way
// a database without the ledger_apply_change function does.
func (s *Store) DisableAtomic() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.atomicDisabled = true
}

// FailOn makes the named method return err until cleared with a nil err.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

// Transactions returns a copy of every transaction row.
func (s *Store) Transactions() []models.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Audits returns a copy of the recorded audit rows.
func (s *Store) Audits() []models.AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.AuditLog(nil), s.audits...)
}

// write serialises a write made outside WithTx against running
// transactions, so a rollback never discards it.
func (s *Store) write(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	s.txMu.Lock()
	return s.txMu.Unlock
}

func (s *Store) failure(method string) error {
	return s.failures[method]
}

// KeyStore implementation ---------------------------------------------------

func (s *Store) GetProduct(_ context.Context, productID string) (*models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("GetProduct"); err != nil {
		return nil, err
	}
	p, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) LockProduct(ctx context.Context, productID string) (*models.Product, error) {
	return s.GetProduct(ctx, productID)
}

func (s *Store) CountKeys(_ context.Context, productID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("CountKeys"); err != nil {
		return 0, err
	}
	var n int64
	for _, k := range s.keys {
		if k.ProductID == productID {
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateKey(ctx context.Context, key *models.LicenseKey) error {
	defer s.write(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("CreateKey"); err != nil {
		return err
	}
	if _, exists := s.fingerprints[key.Fingerprint]; exists {
		return store.ErrDuplicate
	}
	if _, exists := s.keys[key.ID]; exists {
		return store.ErrDuplicate
	}
	stored := cloneKey(*key)
	s.keys[stored.ID] = stored
	s.fingerprints[stored.Fingerprint] = stored.ID
	return nil
}

func (s *Store) ListKeys(_ context.Context, productID string) ([]models.LicenseKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("ListKeys"); err != nil {
		return nil, err
	}
	out := make([]models.LicenseKey, 0)
	for _, k := range s.keys {
		if k.ProductID == productID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].IssuedAt.After(out[j].IssuedAt)
	})
	return out, nil
}

func (s *Store) GetKey(_ context.Context, keyID string) (*models.LicenseKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("GetKey"); err != nil {
		return nil, err
	}
	k, ok := s.keys[keyID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &k, nil
}

func (s *Store) GetKeyByFingerprint(_ context.Context, fingerprint string) (*models.LicenseKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.fingerprints[fingerprint]
	if !ok {
		return nil, store.ErrNotFound
	}
	k := s.keys[id]
	return &k, nil
}

func (s *Store) DeactivateKey(ctx context.Context, keyID, reason string, at time.Time) error {
	defer s.write(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("DeactivateKey"); err != nil {
		return err
	}
	k, ok := s.keys[keyID]
	if !ok {
		return store.ErrNotFound
	}
	if k.State != models.KeyStateActive || k.RedeemedAt != nil {
		return store.ErrConflict
	}
	k.State = models.KeyStateDeactivated
	k.DeactivatedAt = &at
	k.DeactivationReason = cloneOpt(&reason)
	s.keys[keyID] = k
	return nil
}

// LedgerStore implementation ------------------------------------------------

func (s *Store) EnsureWallet(ctx context.Context, accountID string) error {
	defer s.write(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("EnsureWallet"); err != nil {
		return err
	}
	if _, ok := s.wallets[accountID]; ok {
		return nil
	}
	now := time.Now().UTC()
	accountID = strings.Clone(accountID)
	s.wallets[accountID] = models.Wallet{
		AccountID: accountID,
		Balance:   decimal.Zero,
		IsLimited: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func (s *Store) GetWallet(_ context.Context, accountID string) (*models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("GetWallet"); err != nil {
		return nil, err
	}
	w, ok := s.wallets[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &w, nil
}

func (s *Store) LockWallet(ctx context.Context, accountID string) (*models.Wallet, error) {
	return s.GetWallet(ctx, accountID)
}

func (s *Store) ApplyBalanceDelta(ctx context.Context, accountID string, delta decimal.Decimal) (decimal.Decimal, error) {
	defer s.write(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.atomicDisabled {
		return decimal.Zero, store.ErrAtomicUnavailable
	}
	if err := s.failure("ApplyBalanceDelta"); err != nil {
		return decimal.Zero, err
	}
	w, ok := s.wallets[accountID]
	if !ok {
		return decimal.Zero, store.ErrNotFound
	}
	next := w.Balance.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, store.ErrInsufficientBalance
	}
	w.Balance = next
	w.UpdatedAt = time.Now().UTC()
	s.wallets[accountID] = w
	return next, nil
}

func (s *Store) SetBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	defer s.write(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("SetBalance"); err != nil {
		return err
	}
	w, ok := s.wallets[accountID]
	if !ok {
		return store.ErrNotFound
	}
	w.Balance = balance
	w.UpdatedAt = time.Now().UTC()
	s.wallets[accountID] = w
	return nil
}

func (s *Store) SetLimited(ctx context.Context, accountID string, limited bool) error {
	defer s.write(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("SetLimited"); err != nil {
		return err
	}
	w, ok := s.wallets[accountID]
	if !ok {
		return store.ErrNotFound
	}
	w.IsLimited = limited
	s.wallets[accountID] = w
	return nil
}

func idemKey(accountID, key string) string {
	return accountID + "\x00" + key
}

func (s *Store) FindTransaction(_ context.Context, accountID, idempotencyKey string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("FindTransaction"); err != nil {
		return nil, err
	}
	id, ok := s.idempotency[idemKey(accountID, idempotencyKey)]
	if !ok {
		return nil, store.ErrNotFound
	}
	tx := s.transactions[id]
	return &tx, nil
}

func (s *Store) LockTransaction(_ context.Context, transactionID string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[transactionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &tx, nil
}

func (s *Store) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	defer s.write(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("CreateTransaction"); err != nil {
		return err
	}
	k := idemKey(tx.AccountID, tx.IdempotencyKey)
	if _, exists := s.idempotency[k]; exists {
		return store.ErrDuplicate
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = tx.CreatedAt
	}
	stored := cloneTransaction(*tx)
	s.transactions[stored.ID] = stored
	s.idempotency[k] = stored.ID
	return nil
}

func (s *Store) RestartTransaction(ctx context.Context, transactionID string, amount decimal.Decimal, at time.Time) error {
	defer s.write(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[transactionID]
	if !ok {
		return store.ErrNotFound
	}
	if tx.Status == models.TransactionStatusCompleted {
		return store.ErrConflict
	}
	tx.Status = models.TransactionStatusPending
	tx.Amount = amount
	tx.FailureReason = ""
	tx.UpdatedAt = at
	s.transactions[transactionID] = tx
	return nil
}

func (s *Store) CompleteTransaction(ctx context.Context, transactionID string, balanceAfter decimal.Decimal, at time.Time) error {
	defer s.write(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("CompleteTransaction"); err != nil {
		return err
	}
	tx, ok := s.transactions[transactionID]
	if !ok {
		return store.ErrNotFound
	}
	if tx.Status != models.TransactionStatusPending {
		return store.ErrConflict
	}
	tx.Status = models.TransactionStatusCompleted
	tx.BalanceAfter = decimal.NewNullDecimal(balanceAfter)
	tx.UpdatedAt = at
	tx.CompletedAt = &at
	s.transactions[transactionID] = tx
	return nil
}

func (s *Store) FailTransaction(ctx context.Context, transactionID, reason string, at time.Time) error {
	defer s.write(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[transactionID]
	if !ok {
		return store.ErrNotFound
	}
	if tx.Status != models.TransactionStatusPending {
		return store.ErrConflict
	}
	tx.Status = models.TransactionStatusFailed
	tx.FailureReason = strings.Clone(reason)
	tx.UpdatedAt = at
	s.transactions[transactionID] = tx
	return nil
}

func (s *Store) FailStalePending(ctx context.Context, before time.Time, reason string, at time.Time) (int64, error) {
	defer s.write(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("FailStalePending"); err != nil {
		return 0, err
	}
	var n int64
	for id, tx := range s.transactions {
		if tx.Status != models.TransactionStatusPending || !tx.UpdatedAt.Before(before) {
			continue
		}
		tx.Status = models.TransactionStatusFailed
		tx.FailureReason = strings.Clone(reason)
		tx.UpdatedAt = at
		s.transactions[id] = tx
		n++
	}
	return n, nil
}

func (s *Store) SumCompletedReloads(_ context.Context, accountID string, since time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("SumCompletedReloads"); err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, tx := range s.transactions {
		if tx.AccountID != accountID ||
			tx.Type != models.TransactionTypeReload ||
			tx.Status != models.TransactionStatusCompleted {
			continue
		}
		if !since.IsZero() && tx.CreatedAt.Before(since) {
			continue
		}
		total = total.Add(tx.Amount)
	}
	return total, nil
}

// AuditStore implementation -------------------------------------------------

func (s *Store) RecordAudit(ctx context.Context, entry *models.AuditLog) error {
	defer s.write(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("RecordAudit"); err != nil {
		return err
	}
	s.audits = append(s.audits, cloneAudit(*entry))
	return nil
}

package credits

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// stubStore is an in-memory Store with the same transactional contract
// as the real one: debits are conditional, transactions are atomic, and
// a failed transaction rolls back every write it made.
type stubStore struct {
	mu              sync.Mutex
	startingBalance int64
	accounts        map[string]int64
	creations       map[string]int
	entries         []AuditEntry
	payments        []Payment
	insertErr       error
	entrySeq        int
}

func newStubStore(startingBalance int64) *stubStore {
	return &stubStore{
		startingBalance: startingBalance,
		accounts:        make(map[string]int64),
		creations:       make(map[string]int),
	}
}

func (store *stubStore) setInsertError(err error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.insertErr = err
}

func (store *stubStore) entriesFor(userID string) []AuditEntry {
	store.mu.Lock()
	defer store.mu.Unlock()
	var out []AuditEntry
	for _, entry := range store.entries {
		if entry.UserID == userID {
			out = append(out, entry)
		}
	}
	return out
}

func (store *stubStore) paymentsFor(userID string) []Payment {
	store.mu.Lock()
	defer store.mu.Unlock()
	var out []Payment
	for _, payment := range store.payments {
		if payment.UserID == userID {
			out = append(out, payment)
		}
	}
	return out
}

func (store *stubStore) balanceFor(userID string) int64 {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.accounts[userID]
}

func (store *stubStore) creationCount(userID string) int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.creations[userID]
}

type stubSnapshot struct {
	accounts  map[string]int64
	creations map[string]int
	entries   []AuditEntry
	payments  []Payment
	entrySeq  int
}

func (store *stubStore) snapshotLocked() stubSnapshot {
	accounts := make(map[string]int64, len(store.accounts))
	for key, value := range store.accounts {
		accounts[key] = value
	}
	creations := make(map[string]int, len(store.creations))
	for key, value := range store.creations {
		creations[key] = value
	}
	return stubSnapshot{
		accounts:  accounts,
		creations: creations,
		entries:   append([]AuditEntry(nil), store.entries...),
		payments:  append([]Payment(nil), store.payments...),
		entrySeq:  store.entrySeq,
	}
}

func (store *stubStore) restoreLocked(snapshot stubSnapshot) {
	store.accounts = snapshot.accounts
	store.creations = snapshot.creations
	store.entries = snapshot.entries
	store.payments = snapshot.payments
	store.entrySeq = snapshot.entrySeq
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.snapshotLocked()
	if err := fn(ctx, &stubTx{store: store}); err != nil {
		store.restoreLocked(snapshot)
		return err
	}
	return nil
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, userID UserID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.getOrCreateLocked(userID)
}

func (store *stubStore) Debit(ctx context.Context, userID UserID, amount int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.debitLocked(userID, amount)
}

func (store *stubStore) Credit(ctx context.Context, userID UserID, amount int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.creditLocked(userID, amount)
}

func (store *stubStore) GetBalance(ctx context.Context, userID UserID) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, err := store.getOrCreateLocked(userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

func (store *stubStore) InsertAuditEntry(ctx context.Context, input AuditEntryInput) (AuditEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.insertEntryLocked(input)
}

func (store *stubStore) AttachTransactionRef(ctx context.Context, entryID string, txHash string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.attachRefLocked(entryID, txHash)
}

func (store *stubStore) ListAuditEntries(ctx context.Context, userID UserID, limit int, offset int) ([]AuditEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.listEntriesLocked(userID, limit, offset), nil
}

func (store *stubStore) CountAuditEntries(ctx context.Context, userID UserID) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var total int64
	for _, entry := range store.entries {
		if entry.UserID == userID.String() {
			total++
		}
	}
	return total, nil
}

func (store *stubStore) SpendSummary(ctx context.Context, userID UserID) (SpendTotals, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var totals SpendTotals
	for _, entry := range store.entries {
		if entry.UserID != userID.String() {
			continue
		}
		if entry.Cost > 0 {
			totals.TotalSpent += entry.Cost
		} else {
			totals.TotalPurchased += -entry.Cost
		}
	}
	return totals, nil
}

func (store *stubStore) ActionBreakdown(ctx context.Context, userID UserID) (map[ActionKind]ActionStats, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	breakdown := make(map[ActionKind]ActionStats)
	for _, entry := range store.entries {
		if entry.UserID != userID.String() {
			continue
		}
		stats := breakdown[entry.Action]
		stats.Count++
		stats.TotalCost += entry.Cost
		breakdown[entry.Action] = stats
	}
	return breakdown, nil
}

func (store *stubStore) InsertPayment(ctx context.Context, payment Payment) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.insertPaymentLocked(payment)
}

func (store *stubStore) getOrCreateLocked(userID UserID) (Account, error) {
	key := userID.String()
	if _, exists := store.accounts[key]; !exists {
		store.accounts[key] = store.startingBalance
		store.creations[key]++
	}
	return Account{UserID: key, Balance: store.accounts[key]}, nil
}

func (store *stubStore) debitLocked(userID UserID, amount int64) (int64, error) {
	key := userID.String()
	balance, exists := store.accounts[key]
	if !exists {
		return 0, ErrAccountNotFound
	}
	if balance < amount {
		return 0, ErrInsufficientFunds
	}
	store.accounts[key] = balance - amount
	return store.accounts[key], nil
}

func (store *stubStore) creditLocked(userID UserID, amount int64) (int64, error) {
	key := userID.String()
	if _, exists := store.accounts[key]; !exists {
		return 0, ErrAccountNotFound
	}
	store.accounts[key] += amount
	return store.accounts[key], nil
}

func (store *stubStore) insertEntryLocked(input AuditEntryInput) (AuditEntry, error) {
	if store.insertErr != nil {
		return AuditEntry{}, store.insertErr
	}
	store.entrySeq++
	entry := AuditEntry{
		EntryID:        fmt.Sprintf("entry-%d", store.entrySeq),
		UserID:         input.UserID,
		Action:         input.Action,
		Cost:           input.Cost,
		BalanceAfter:   input.BalanceAfter,
		MetadataJSON:   input.MetadataJSON,
		IPAddress:      input.IPAddress,
		UserAgent:      input.UserAgent,
		CreatedUnixUTC: input.CreatedUnixUTC,
	}
	store.entries = append(store.entries, entry)
	return entry, nil
}

func (store *stubStore) attachRefLocked(entryID string, txHash string) error {
	for index := range store.entries {
		if store.entries[index].EntryID == entryID {
			store.entries[index].TxRef = txHash
			return nil
		}
	}
	return fmt.Errorf("entry %s not found", entryID)
}

func (store *stubStore) listEntriesLocked(userID UserID, limit int, offset int) []AuditEntry {
	var matching []AuditEntry
	for index := len(store.entries) - 1; index >= 0; index-- {
		if store.entries[index].UserID == userID.String() {
			matching = append(matching, store.entries[index])
		}
	}
	if offset >= len(matching) {
		return nil
	}
	matching = matching[offset:]
	if limit < len(matching) {
		matching = matching[:limit]
	}
	return matching
}

func (store *stubStore) insertPaymentLocked(payment Payment) error {
	for _, existing := range store.payments {
		if existing.ProviderTransactionID == payment.ProviderTransactionID {
			return ErrDuplicatePayment
		}
	}
	store.payments = append(store.payments, payment)
	return nil
}

// stubTx delegates to the locked core; the enclosing WithTx holds the lock.
type stubTx struct {
	store *stubStore
}

func (tx *stubTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *stubTx) GetOrCreateAccount(ctx context.Context, userID UserID) (Account, error) {
	return tx.store.getOrCreateLocked(userID)
}

func (tx *stubTx) Debit(ctx context.Context, userID UserID, amount int64) (int64, error) {
	return tx.store.debitLocked(userID, amount)
}

func (tx *stubTx) Credit(ctx context.Context, userID UserID, amount int64) (int64, error) {
	return tx.store.creditLocked(userID, amount)
}

func (tx *stubTx) GetBalance(ctx context.Context, userID UserID) (int64, error) {
	account, err := tx.store.getOrCreateLocked(userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

func (tx *stubTx) InsertAuditEntry(ctx context.Context, input AuditEntryInput) (AuditEntry, error) {
	return tx.store.insertEntryLocked(input)
}

func (tx *stubTx) AttachTransactionRef(ctx context.Context, entryID string, txHash string) error {
	return tx.store.attachRefLocked(entryID, txHash)
}

func (tx *stubTx) ListAuditEntries(ctx context.Context, userID UserID, limit int, offset int) ([]AuditEntry, error) {
	return tx.store.listEntriesLocked(userID, limit, offset), nil
}

func (tx *stubTx) CountAuditEntries(ctx context.Context, userID UserID) (int64, error) {
	var total int64
	for _, entry := range tx.store.entries {
		if entry.UserID == userID.String() {
			total++
		}
	}
	return total, nil
}

func (tx *stubTx) SpendSummary(ctx context.Context, userID UserID) (SpendTotals, error) {
	var totals SpendTotals
	for _, entry := range tx.store.entries {
		if entry.UserID != userID.String() {
			continue
		}
		if entry.Cost > 0 {
			totals.TotalSpent += entry.Cost
		} else {
			totals.TotalPurchased += -entry.Cost
		}
	}
	return totals, nil
}

func (tx *stubTx) ActionBreakdown(ctx context.Context, userID UserID) (map[ActionKind]ActionStats, error) {
	breakdown := make(map[ActionKind]ActionStats)
	for _, entry := range tx.store.entries {
		if entry.UserID != userID.String() {
			continue
		}
		stats := breakdown[entry.Action]
		stats.Count++
		stats.TotalCost += entry.Cost
		breakdown[entry.Action] = stats
	}
	return breakdown, nil
}

func (tx *stubTx) InsertPayment(ctx context.Context, payment Payment) error {
	return tx.store.insertPaymentLocked(payment)
}

// recordingMirror captures submissions for assertions.
type recordingMirror struct {
	mu   sync.Mutex
	subs []Submission
}

func (mirror *recordingMirror) Enqueue(submission Submission) {
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	mirror.subs = append(mirror.subs, submission)
}

func (mirror *recordingMirror) submissions() []Submission {
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	return append([]Submission(nil), mirror.subs...)
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, NewCatalog(), func() int64 { return 100 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustCreditAmount(test *testing.T, raw int64) CreditAmount {
	test.Helper()
	value, err := NewCreditAmount(raw)
	if err != nil {
		test.Fatalf("credit amount: %v", err)
	}
	return value
}

package chain

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/6829nkhpas/Credit-Based-SaaS/pkg/credits"
)

// fakeTokenClient scripts the gateway responses.
type fakeTokenClient struct {
	mu            sync.Mutex
	decimals      int32
	decimalsErr   error
	decimalsCalls int
	transferErr   error
	transferred   []decimal.Decimal
	nextHash      string
	states        map[string]TransferState
	stateErr      error
}

func (client *fakeTokenClient) Decimals(ctx context.Context) (int32, error) {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.decimalsCalls++
	if client.decimalsErr != nil {
		return 0, client.decimalsErr
	}
	return client.decimals, nil
}

func (client *fakeTokenClient) Transfer(ctx context.Context, toAddr string, amount decimal.Decimal) (TransferReceipt, error) {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.transferErr != nil {
		return TransferReceipt{}, client.transferErr
	}
	client.transferred = append(client.transferred, amount)
	return TransferReceipt{TxHash: client.nextHash, FromAddr: "0xmaster"}, nil
}

func (client *fakeTokenClient) TransactionState(ctx context.Context, txHash string) (TransferState, error) {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.stateErr != nil {
		return TransferState{}, client.stateErr
	}
	return client.states[txHash], nil
}

// memoryChainStore is an in-memory Store for exercising the mirror's
// submission and confirmation paths directly.
type memoryChainStore struct {
	mu           sync.Mutex
	transactions map[string]Transaction
	refs         map[string]string
	insertErr    error
}

func newMemoryChainStore() *memoryChainStore {
	return &memoryChainStore{
		transactions: make(map[string]Transaction),
		refs:         make(map[string]string),
	}
}

func (store *memoryChainStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.insertErr != nil {
		return store.insertErr
	}
	store.transactions[transaction.TxHash] = transaction
	return nil
}

func (store *memoryChainStore) GetTransaction(ctx context.Context, txHash string) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	transaction, exists := store.transactions[txHash]
	if !exists {
		return Transaction{}, credits.ErrUnknownTransaction
	}
	return transaction, nil
}

func (store *memoryChainStore) ListTransactionsByStatus(ctx context.Context, status Status, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var matching []Transaction
	for _, transaction := range store.transactions {
		if transaction.Status == status && len(matching) < limit {
			matching = append(matching, transaction)
		}
	}
	return matching, nil
}

func (store *memoryChainStore) MarkTransactionStatus(ctx context.Context, txHash string, from Status, to Status, blockNumber *int64, confirmedUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	transaction, exists := store.transactions[txHash]
	if !exists {
		return credits.ErrUnknownTransaction
	}
	if transaction.Status != from {
		return credits.ErrTransactionNotPending
	}
	transaction.Status = to
	transaction.BlockNumber = blockNumber
	transaction.ConfirmedUnixUTC = confirmedUnixUTC
	store.transactions[txHash] = transaction
	return nil
}

func (store *memoryChainStore) AttachTransactionRef(ctx context.Context, entryID string, txHash string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.refs[entryID] = txHash
	return nil
}

func (store *memoryChainStore) refFor(entryID string) string {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.refs[entryID]
}

func (store *memoryChainStore) transaction(test *testing.T, txHash string) Transaction {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	transaction, exists := store.transactions[txHash]
	if !exists {
		test.Fatalf("transaction %s not stored", txHash)
	}
	return transaction
}

func newTestMirror(test *testing.T, client TokenClient, store Store) *Mirror {
	test.Helper()
	mirror, err := NewMirror(client, store, zap.NewNop(), MirrorConfig{SinkAddress: "0xsink"}, func() int64 { return 1700000000 })
	if err != nil {
		test.Fatalf("new mirror: %v", err)
	}
	return mirror
}

func TestSubmitRecordsPendingTransaction(test *testing.T) {
	test.Parallel()
	client := &fakeTokenClient{decimals: 6, nextHash: "0xaaa"}
	store := newMemoryChainStore()
	mirror := newTestMirror(test, client, store)

	mirror.submit(context.Background(), credits.Submission{EntryID: "entry-1", UserID: "user-1", Credits: 10})

	transaction := store.transaction(test, "0xaaa")
	if transaction.Status != StatusPending {
		test.Fatalf("expected pending, got %s", transaction.Status)
	}
	if transaction.ToAddr != "0xsink" || transaction.Credits != 10 {
		test.Fatalf("unexpected transaction: %+v", transaction)
	}
	want := decimal.NewFromInt(10).Shift(6)
	if !transaction.Amount.Equal(want) {
		test.Fatalf("expected scaled amount %s, got %s", want, transaction.Amount)
	}
	if store.refFor("entry-1") != "0xaaa" {
		test.Fatalf("tx ref not attached: %q", store.refFor("entry-1"))
	}
}

func TestSubmitCachesDecimals(test *testing.T) {
	test.Parallel()
	client := &fakeTokenClient{decimals: 18, nextHash: "0xbbb"}
	store := newMemoryChainStore()
	mirror := newTestMirror(test, client, store)

	mirror.submit(context.Background(), credits.Submission{EntryID: "e-1", UserID: "u", Credits: 1})
	client.nextHash = "0xccc"
	mirror.submit(context.Background(), credits.Submission{EntryID: "e-2", UserID: "u", Credits: 2})

	if client.decimalsCalls != 1 {
		test.Fatalf("decimals fetched %d times", client.decimalsCalls)
	}
	if len(client.transferred) != 2 {
		test.Fatalf("expected 2 transfers, got %d", len(client.transferred))
	}
}

func TestSubmitTransferFailureLeavesNoRow(test *testing.T) {
	test.Parallel()
	client := &fakeTokenClient{decimals: 6, transferErr: errors.New("rpc node down")}
	store := newMemoryChainStore()
	mirror := newTestMirror(test, client, store)

	mirror.submit(context.Background(), credits.Submission{EntryID: "entry-x", UserID: "user-x", Credits: 5})

	if len(store.transactions) != 0 {
		test.Fatalf("failed transfer stored %d transactions", len(store.transactions))
	}
	if store.refFor("entry-x") != "" {
		test.Fatalf("failed transfer attached a ref: %q", store.refFor("entry-x"))
	}
}

func TestSubmitPersistFailureSkipsAttach(test *testing.T) {
	test.Parallel()
	client := &fakeTokenClient{decimals: 6, nextHash: "0xddd"}
	store := newMemoryChainStore()
	store.insertErr = errors.New("database unavailable")
	mirror := newTestMirror(test, client, store)

	mirror.submit(context.Background(), credits.Submission{EntryID: "entry-y", UserID: "user-y", Credits: 5})

	if store.refFor("entry-y") != "" {
		test.Fatalf("unpersisted transaction attached a ref: %q", store.refFor("entry-y"))
	}
}

func TestConfirmPendingTransitions(test *testing.T) {
	test.Parallel()
	client := &fakeTokenClient{
		states: map[string]TransferState{
			"0xincluded": {Included: true, BlockNumber: 42, Confirmations: 3},
			"0xfailed":   {Failed: true},
			"0xwaiting":  {},
		},
	}
	store := newMemoryChainStore()
	for _, hash := range []string{"0xincluded", "0xfailed", "0xwaiting"} {
		store.transactions[hash] = Transaction{TxHash: hash, Status: StatusPending, Amount: decimal.Zero}
	}
	mirror := newTestMirror(test, client, store)

	mirror.confirmPending(context.Background())

	confirmed := store.transaction(test, "0xincluded")
	if confirmed.Status != StatusConfirmed {
		test.Fatalf("expected confirmed, got %s", confirmed.Status)
	}
	if confirmed.BlockNumber == nil || *confirmed.BlockNumber != 42 {
		test.Fatalf("block number not recorded: %+v", confirmed.BlockNumber)
	}
	if confirmed.ConfirmedUnixUTC != 1700000000 {
		test.Fatalf("confirmation time not recorded: %d", confirmed.ConfirmedUnixUTC)
	}
	if failed := store.transaction(test, "0xfailed"); failed.Status != StatusFailed {
		test.Fatalf("expected failed, got %s", failed.Status)
	}
	if waiting := store.transaction(test, "0xwaiting"); waiting.Status != StatusPending {
		test.Fatalf("unresolved transaction left pending state: %s", waiting.Status)
	}
}

func TestConfirmOneIsIdempotent(test *testing.T) {
	test.Parallel()
	client := &fakeTokenClient{
		states: map[string]TransferState{
			"0xonce": {Included: true, BlockNumber: 7},
		},
	}
	store := newMemoryChainStore()
	store.transactions["0xonce"] = Transaction{TxHash: "0xonce", Status: StatusPending, Amount: decimal.Zero}
	mirror := newTestMirror(test, client, store)

	transaction := store.transaction(test, "0xonce")
	mirror.confirmOne(context.Background(), transaction)
	// Second confirmation with the stale pending snapshot is a no-op.
	mirror.confirmOne(context.Background(), transaction)

	confirmed := store.transaction(test, "0xonce")
	if confirmed.Status != StatusConfirmed {
		test.Fatalf("expected confirmed, got %s", confirmed.Status)
	}
}

func TestEnqueueDropsWhenSaturated(test *testing.T) {
	test.Parallel()
	client := &fakeTokenClient{decimals: 6}
	store := newMemoryChainStore()
	mirror, err := NewMirror(client, store, zap.NewNop(), MirrorConfig{SinkAddress: "0xsink", QueueSize: 1}, nil)
	if err != nil {
		test.Fatalf("new mirror: %v", err)
	}

	// Worker not started; the second submission overflows the queue.
	mirror.Enqueue(credits.Submission{EntryID: "e-1", UserID: "u", Credits: 1})
	mirror.Enqueue(credits.Submission{EntryID: "e-2", UserID: "u", Credits: 1})

	if queued := len(mirror.queue); queued != 1 {
		test.Fatalf("expected 1 queued submission, got %d", queued)
	}
}

func TestResubmitValidation(test *testing.T) {
	test.Parallel()
	client := &fakeTokenClient{decimals: 6}
	store := newMemoryChainStore()
	mirror := newTestMirror(test, client, store)

	if err := mirror.Resubmit(credits.AuditEntry{EntryID: "e-1", Cost: -10}); err == nil {
		test.Fatal("expected rejection of credit addition")
	}
	if err := mirror.Resubmit(credits.AuditEntry{EntryID: "e-2", Cost: 10, TxRef: "0xdone"}); err == nil {
		test.Fatal("expected rejection of already-mirrored entry")
	}
	if err := mirror.Resubmit(credits.AuditEntry{EntryID: "e-3", UserID: "u", Cost: 10}); err != nil {
		test.Fatalf("valid resubmit rejected: %v", err)
	}
	if queued := len(mirror.queue); queued != 1 {
		test.Fatalf("expected 1 queued submission, got %d", queued)
	}
}

func TestStatusReportsLiveConfirmations(test *testing.T) {
	test.Parallel()
	client := &fakeTokenClient{
		states: map[string]TransferState{
			"0xlive": {Included: true, BlockNumber: 9, Confirmations: 12},
		},
	}
	store := newMemoryChainStore()
	store.transactions["0xlive"] = Transaction{TxHash: "0xlive", Status: StatusPending, Amount: decimal.Zero}
	mirror := newTestMirror(test, client, store)

	view, err := mirror.Status(context.Background(), "0xlive")
	if err != nil {
		test.Fatalf("status: %v", err)
	}
	if view.Status != StatusPending || view.Confirmations != 12 {
		test.Fatalf("unexpected view: %+v", view)
	}

	if _, err := mirror.Status(context.Background(), "0xmissing"); !errors.Is(err, credits.ErrUnknownTransaction) {
		test.Fatalf("expected ErrUnknownTransaction, got %v", err)
	}
}

func TestNewMirrorValidation(test *testing.T) {
	test.Parallel()
	client := &fakeTokenClient{}
	store := newMemoryChainStore()

	if _, err := NewMirror(nil, store, nil, MirrorConfig{SinkAddress: "0xsink"}, nil); err == nil {
		test.Fatal("expected error for missing client")
	}
	if _, err := NewMirror(client, nil, nil, MirrorConfig{SinkAddress: "0xsink"}, nil); err == nil {
		test.Fatal("expected error for missing store")
	}
	if _, err := NewMirror(client, store, nil, MirrorConfig{}, nil); err == nil {
		test.Fatal("expected error for missing sink address")
	}

	mirror, err := NewMirror(client, store, nil, MirrorConfig{SinkAddress: "0xsink"}, nil)
	if err != nil {
		test.Fatalf("new mirror: %v", err)
	}
	if mirror.cfg.PollInterval != defaultPollInterval || mirror.cfg.QueueSize != defaultQueueSize {
		test.Fatalf("defaults not applied: %+v", mirror.cfg)
	}
}

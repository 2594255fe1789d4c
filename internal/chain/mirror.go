package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/6829nkhpas/Credit-Based-SaaS/pkg/credits"
)

const (
	defaultSubmitTimeout    = 5 * time.Second
	defaultPollInterval     = 15 * time.Second
	defaultQueueSize        = 256
	defaultPendingBatchSize = 100
)

// MirrorConfig configures the asynchronous mirror.
type MirrorConfig struct {
	// SinkAddress is the fixed burn destination. The transfer exists as
	// an auditable record, not as fund movement to the user.
	SinkAddress      string
	SubmitTimeout    time.Duration
	PollInterval     time.Duration
	QueueSize        int
	PendingBatchSize int
}

// Mirror represents committed credit debits as on-chain token
// transfers. Submissions flow through a single worker goroutine: the
// master sending account is one shared resource, and serializing here
// avoids nonce collisions at the signer.
type Mirror struct {
	client TokenClient
	store  Store
	logger *zap.Logger
	cfg    MirrorConfig
	nowFn  func() int64

	queue       chan credits.Submission
	stopChan    chan struct{}
	workerDone  chan struct{}
	confirmDone chan struct{}

	// decimals is read and written only by the worker goroutine.
	decimals      int32
	decimalsKnown bool
}

// NewMirror wires a Mirror.
func NewMirror(client TokenClient, store Store, logger *zap.Logger, cfg MirrorConfig, now func() int64) (*Mirror, error) {
	if client == nil {
		return nil, fmt.Errorf("token client is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.SinkAddress == "" {
		return nil, fmt.Errorf("sink address is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = func() int64 { return time.Now().UTC().Unix() }
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.PendingBatchSize <= 0 {
		cfg.PendingBatchSize = defaultPendingBatchSize
	}
	return &Mirror{
		client:      client,
		store:       store,
		logger:      logger,
		cfg:         cfg,
		nowFn:       now,
		queue:       make(chan credits.Submission, cfg.QueueSize),
		stopChan:    make(chan struct{}),
		workerDone:  make(chan struct{}),
		confirmDone: make(chan struct{}),
	}, nil
}

// Start launches the submission worker and the confirmation poller.
// Rows still pending from a previous process are adopted by the first
// confirmation pass.
func (mirror *Mirror) Start(ctx context.Context) {
	go mirror.workerLoop(ctx)
	go mirror.confirmLoop(ctx)
	mirror.logger.Info("blockchain mirror started",
		zap.String("sink_address", mirror.cfg.SinkAddress),
		zap.Duration("poll_interval", mirror.cfg.PollInterval))
}

// Stop drains the loops and waits for them to exit.
func (mirror *Mirror) Stop() {
	close(mirror.stopChan)
	<-mirror.workerDone
	<-mirror.confirmDone
	mirror.logger.Info("blockchain mirror stopped")
}

// Enqueue accepts a submission without blocking. When the queue is
// saturated the submission is dropped with a warning; the audit entry
// keeps a null transaction reference and Resubmit can retry it later.
func (mirror *Mirror) Enqueue(submission credits.Submission) {
	select {
	case mirror.queue <- submission:
	default:
		mirror.logger.Warn("mirror queue full, dropping submission",
			zap.String("entry_id", submission.EntryID),
			zap.String("user_id", submission.UserID),
			zap.Int64("credits", submission.Credits))
	}
}

// Resubmit re-enqueues a mirror transfer from a stored audit entry.
// This is the hook for the out-of-band reconciliation job that retries
// entries left without a transaction reference.
func (mirror *Mirror) Resubmit(entry credits.AuditEntry) error {
	if entry.Cost <= 0 {
		return fmt.Errorf("entry %s is not a debit", entry.EntryID)
	}
	if entry.TxRef != "" {
		return fmt.Errorf("entry %s already has transaction %s", entry.EntryID, entry.TxRef)
	}
	mirror.Enqueue(credits.Submission{
		EntryID: entry.EntryID,
		UserID:  entry.UserID,
		Credits: entry.Cost,
	})
	return nil
}

// Status returns the stored transaction state, refreshed with live
// confirmation depth while the transaction is still pending.
func (mirror *Mirror) Status(ctx context.Context, txHash string) (StatusView, error) {
	transaction, err := mirror.store.GetTransaction(ctx, txHash)
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{
		TxHash:      transaction.TxHash,
		Status:      transaction.Status,
		BlockNumber: transaction.BlockNumber,
	}
	state, stateErr := mirror.client.TransactionState(ctx, txHash)
	if stateErr == nil {
		view.Confirmations = state.Confirmations
	}
	return view, nil
}

func (mirror *Mirror) workerLoop(ctx context.Context) {
	defer close(mirror.workerDone)
	for {
		select {
		case submission := <-mirror.queue:
			mirror.submit(ctx, submission)
		case <-mirror.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// submit performs one transfer. Failures are logged and absorbed: the
// ledger debit stays committed regardless, so a faulted chain can never
// be used to farm refunds.
func (mirror *Mirror) submit(ctx context.Context, submission credits.Submission) {
	submitCtx, cancel := context.WithTimeout(ctx, mirror.cfg.SubmitTimeout)
	defer cancel()

	if !mirror.decimalsKnown {
		decimals, err := mirror.client.Decimals(submitCtx)
		if err != nil {
			mirror.logger.Warn("token decimals lookup failed, submission skipped",
				zap.String("entry_id", submission.EntryID),
				zap.Error(err))
			return
		}
		mirror.decimals = decimals
		mirror.decimalsKnown = true
	}

	tokenAmount := decimal.NewFromInt(submission.Credits).Shift(mirror.decimals)
	receipt, err := mirror.client.Transfer(submitCtx, mirror.cfg.SinkAddress, tokenAmount)
	if err != nil {
		mirror.logger.Warn("mirror submission failed",
			zap.String("entry_id", submission.EntryID),
			zap.String("user_id", submission.UserID),
			zap.Int64("credits", submission.Credits),
			zap.Error(err))
		return
	}

	transaction := Transaction{
		TxHash:         receipt.TxHash,
		FromAddr:       receipt.FromAddr,
		ToAddr:         mirror.cfg.SinkAddress,
		Amount:         tokenAmount,
		Credits:        submission.Credits,
		UserID:         submission.UserID,
		Status:         StatusPending,
		CreatedUnixUTC: mirror.nowFn(),
	}
	if err := mirror.store.InsertTransaction(ctx, transaction); err != nil {
		mirror.logger.Error("mirror transaction persist failed",
			zap.String("tx_hash", receipt.TxHash),
			zap.Error(err))
		return
	}
	if err := mirror.store.AttachTransactionRef(ctx, submission.EntryID, receipt.TxHash); err != nil {
		mirror.logger.Warn("audit entry tx ref attach failed",
			zap.String("entry_id", submission.EntryID),
			zap.String("tx_hash", receipt.TxHash),
			zap.Error(err))
	}
	mirror.logger.Info("mirror submission accepted",
		zap.String("entry_id", submission.EntryID),
		zap.String("tx_hash", receipt.TxHash),
		zap.Int64("credits", submission.Credits))
}

func (mirror *Mirror) confirmLoop(ctx context.Context) {
	defer close(mirror.confirmDone)
	ticker := time.NewTicker(mirror.cfg.PollInterval)
	defer ticker.Stop()

	mirror.confirmPending(ctx)

	for {
		select {
		case <-ticker.C:
			mirror.confirmPending(ctx)
		case <-mirror.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (mirror *Mirror) confirmPending(ctx context.Context) {
	pending, err := mirror.store.ListTransactionsByStatus(ctx, StatusPending, mirror.cfg.PendingBatchSize)
	if err != nil {
		mirror.logger.Error("pending transaction list failed", zap.Error(err))
		return
	}
	for _, transaction := range pending {
		mirror.confirmOne(ctx, transaction)
	}
}

// confirmOne transitions a pending row to its terminal status. The
// guarded update makes the transition idempotent: confirming twice is a
// no-op once the status is terminal.
func (mirror *Mirror) confirmOne(ctx context.Context, transaction Transaction) {
	stateCtx, cancel := context.WithTimeout(ctx, mirror.cfg.SubmitTimeout)
	defer cancel()

	state, err := mirror.client.TransactionState(stateCtx, transaction.TxHash)
	if err != nil {
		mirror.logger.Warn("transaction state poll failed",
			zap.String("tx_hash", transaction.TxHash),
			zap.Error(err))
		return
	}
	switch {
	case state.Included:
		blockNumber := state.BlockNumber
		err = mirror.store.MarkTransactionStatus(ctx, transaction.TxHash, StatusPending, StatusConfirmed, &blockNumber, mirror.nowFn())
		if err == nil {
			mirror.logger.Info("mirror transaction confirmed",
				zap.String("tx_hash", transaction.TxHash),
				zap.Int64("block_number", blockNumber))
		}
	case state.Failed:
		err = mirror.store.MarkTransactionStatus(ctx, transaction.TxHash, StatusPending, StatusFailed, nil, mirror.nowFn())
		if err == nil {
			mirror.logger.Warn("mirror transaction failed on chain",
				zap.String("tx_hash", transaction.TxHash))
		}
	default:
		return
	}
	if err != nil && !errors.Is(err, credits.ErrTransactionNotPending) {
		mirror.logger.Error("transaction status update failed",
			zap.String("tx_hash", transaction.TxHash),
			zap.Error(err))
	}
}

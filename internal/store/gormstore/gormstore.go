package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/6829nkhpas/Credit-Based-SaaS/internal/chain"
	"github.com/6829nkhpas/Credit-Based-SaaS/pkg/credits"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectAudit     = "audit"
	errorSubjectPayment   = "payment"
	errorSubjectChainTx   = "chain_tx"
	errorCodeCreate       = "create"
	errorCodeDebit        = "debit"
	errorCodeCredit       = "credit"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeCount        = "count"
	errorCodeSummarize    = "summarize"
	errorCodeBreakdown    = "breakdown"
	errorCodeAttach       = "attach_tx_ref"
	errorCodeMarkStatus   = "mark_status"
)

// Store implements credits.Store and chain.Store using GORM.
type Store struct {
	db              *gorm.DB
	startingBalance int64
}

// New returns a Store backed by gorm.DB. New accounts are seeded with
// startingBalance on first reference.
func New(db *gorm.DB, startingBalance int64) *Store {
	if startingBalance < 0 {
		startingBalance = 0
	}
	return &Store{db: db, startingBalance: startingBalance}
}

// Migrate creates the schema. Production postgres deployments run
// managed migrations instead; this path serves sqlite and tests.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&Account{}, &AuditEntry{}, &BlockchainTransaction{}, &Payment{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, startingBalance: store.startingBalance})
	})
}

// GetOrCreateAccount provisions the account exactly once. A losing
// concurrent insert hits the primary-key conflict, does nothing, and
// reads the winner's row, so an initialized balance is never reset.
func (store *Store) GetOrCreateAccount(ctx context.Context, userID credits.UserID) (credits.Account, error) {
	account := Account{UserID: userID.String(), Balance: store.startingBalance}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&account).Error
	if err != nil && !isUniqueViolation(err) {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	var row Account
	if err := store.db.WithContext(ctx).Take(&row, "user_id = ?", userID.String()).Error; err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return credits.Account{UserID: row.UserID, Balance: row.Balance}, nil
}

// Debit decrements the balance with a single conditional update: the
// WHERE clause is the serialization point that rejects overdrafts under
// concurrent debits for the same account.
func (store *Store) Debit(ctx context.Context, userID credits.UserID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeInvalid, credits.ErrInvalidCreditAmount)
	}
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ? AND balance >= ?", userID.String(), amount).
		UpdateColumn("balance", gorm.Expr("balance - ?", amount))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		var row Account
		err := store.db.WithContext(ctx).Take(&row, "user_id = ?", userID.String()).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, wrapStoreError(errorSubjectAccount, errorCodeDebit, credits.ErrAccountNotFound)
		}
		if err != nil {
			return 0, wrapStoreError(errorSubjectAccount, errorCodeDebit, err)
		}
		return 0, credits.ErrInsufficientFunds
	}
	return store.readBalance(ctx, userID)
}

// Credit increments the balance unconditionally.
func (store *Store) Credit(ctx context.Context, userID credits.UserID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeInvalid, credits.ErrInvalidCreditAmount)
	}
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID.String()).
		UpdateColumn("balance", gorm.Expr("balance + ?", amount))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeCredit, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeCredit, credits.ErrAccountNotFound)
	}
	return store.readBalance(ctx, userID)
}

// GetBalance reads the balance, provisioning on first reference.
func (store *Store) GetBalance(ctx context.Context, userID credits.UserID) (int64, error) {
	account, err := store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

func (store *Store) readBalance(ctx context.Context, userID credits.UserID) (int64, error) {
	var row Account
	if err := store.db.WithContext(ctx).Take(&row, "user_id = ?", userID.String()).Error; err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return row.Balance, nil
}

func (store *Store) InsertAuditEntry(ctx context.Context, input credits.AuditEntryInput) (credits.AuditEntry, error) {
	row := AuditEntry{
		UserID:       input.UserID,
		Action:       input.Action.String(),
		Cost:         input.Cost,
		BalanceAfter: input.BalanceAfter,
		Metadata:     datatypesJSON(input.MetadataJSON),
		IPAddress:    input.IPAddress,
		UserAgent:    input.UserAgent,
		CreatedAt:    time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() || input.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return credits.AuditEntry{}, wrapStoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	return mapAuditEntry(row), nil
}

// AttachTransactionRef links an audit entry to an accepted mirror
// transaction. Best effort: the caller logs failures and moves on.
func (store *Store) AttachTransactionRef(ctx context.Context, entryID string, txHash string) error {
	result := store.db.WithContext(ctx).
		Model(&AuditEntry{}).
		Where("entry_id = ?", entryID).
		Update("tx_ref", txHash)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeAttach, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAudit, errorCodeAttach, gorm.ErrRecordNotFound)
	}
	return nil
}

func (store *Store) ListAuditEntries(ctx context.Context, userID credits.UserID, limit int, offset int) ([]credits.AuditEntry, error) {
	var rows []AuditEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAudit, errorCodeList, err)
	}
	entries := make([]credits.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapAuditEntry(row))
	}
	return entries, nil
}

func (store *Store) CountAuditEntries(ctx context.Context, userID credits.UserID) (int64, error) {
	var total int64
	err := store.db.WithContext(ctx).
		Model(&AuditEntry{}).
		Where("user_id = ?", userID.String()).
		Count(&total).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectAudit, errorCodeCount, err)
	}
	return total, nil
}

// SpendSummary aggregates in SQL; history is unbounded.
func (store *Store) SpendSummary(ctx context.Context, userID credits.UserID) (credits.SpendTotals, error) {
	var sums struct {
		Spent     int64
		Purchased int64
	}
	err := store.db.WithContext(ctx).
		Model(&AuditEntry{}).
		Select("coalesce(sum(case when cost > 0 then cost else 0 end),0) as spent, coalesce(sum(case when cost < 0 then -cost else 0 end),0) as purchased").
		Where("user_id = ?", userID.String()).
		Scan(&sums).Error
	if err != nil {
		return credits.SpendTotals{}, wrapStoreError(errorSubjectAudit, errorCodeSummarize, err)
	}
	return credits.SpendTotals{TotalSpent: sums.Spent, TotalPurchased: sums.Purchased}, nil
}

func (store *Store) ActionBreakdown(ctx context.Context, userID credits.UserID) (map[credits.ActionKind]credits.ActionStats, error) {
	var rows []struct {
		Action    string
		Count     int64
		TotalCost int64
	}
	err := store.db.WithContext(ctx).
		Model(&AuditEntry{}).
		Select("action, count(*) as count, coalesce(sum(cost),0) as total_cost").
		Where("user_id = ?", userID.String()).
		Group("action").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAudit, errorCodeBreakdown, err)
	}
	breakdown := make(map[credits.ActionKind]credits.ActionStats, len(rows))
	for _, row := range rows {
		breakdown[credits.ActionKind(row.Action)] = credits.ActionStats{Count: row.Count, TotalCost: row.TotalCost}
	}
	return breakdown, nil
}

func (store *Store) InsertPayment(ctx context.Context, payment credits.Payment) error {
	row := Payment{
		PaymentID:             payment.PaymentID,
		UserID:                payment.UserID,
		Amount:                payment.Amount.String(),
		Currency:              payment.Currency,
		Credits:               payment.Credits,
		Provider:              payment.Provider,
		ProviderTransactionID: payment.ProviderTransactionID,
		Status:                payment.Status,
		CompletedAt:           time.Unix(payment.CompletedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPayment, errorCodeDuplicate, credits.ErrDuplicatePayment)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction chain.Transaction) error {
	row := BlockchainTransaction{
		TxHash:      transaction.TxHash,
		FromAddr:    transaction.FromAddr,
		ToAddr:      transaction.ToAddr,
		Amount:      transaction.Amount.String(),
		Credits:     transaction.Credits,
		UserID:      transaction.UserID,
		Status:      transaction.Status.String(),
		BlockNumber: transaction.BlockNumber,
		CreatedAt:   time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectChainTx, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, txHash string) (chain.Transaction, error) {
	var row BlockchainTransaction
	err := store.db.WithContext(ctx).Take(&row, "tx_hash = ?", txHash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chain.Transaction{}, wrapStoreError(errorSubjectChainTx, errorCodeGet, credits.ErrUnknownTransaction)
	}
	if err != nil {
		return chain.Transaction{}, wrapStoreError(errorSubjectChainTx, errorCodeGet, err)
	}
	return mapTransaction(row)
}

func (store *Store) ListTransactionsByStatus(ctx context.Context, status chain.Status, limit int) ([]chain.Transaction, error) {
	var rows []BlockchainTransaction
	err := store.db.WithContext(ctx).
		Where("status = ?", status.String()).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectChainTx, errorCodeList, err)
	}
	transactions := make([]chain.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, mapErr := mapTransaction(row)
		if mapErr != nil {
			return nil, mapErr
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// MarkTransactionStatus performs the guarded pending-to-terminal
// transition. A row already moved to a terminal status matches zero
// rows, which callers treat as a no-op.
func (store *Store) MarkTransactionStatus(ctx context.Context, txHash string, from chain.Status, to chain.Status, blockNumber *int64, confirmedUnixUTC int64) error {
	updates := map[string]interface{}{"status": to.String()}
	if blockNumber != nil {
		updates["block_number"] = *blockNumber
	}
	if to == chain.StatusConfirmed {
		confirmedAt := time.Unix(confirmedUnixUTC, 0).UTC()
		updates["confirmed_at"] = confirmedAt
	}
	result := store.db.WithContext(ctx).
		Model(&BlockchainTransaction{}).
		Where("tx_hash = ? AND status = ?", txHash, from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectChainTx, errorCodeMarkStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		var row BlockchainTransaction
		err := store.db.WithContext(ctx).Take(&row, "tx_hash = ?", txHash).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wrapStoreError(errorSubjectChainTx, errorCodeMarkStatus, credits.ErrUnknownTransaction)
		}
		if err != nil {
			return wrapStoreError(errorSubjectChainTx, errorCodeMarkStatus, err)
		}
		return wrapStoreError(errorSubjectChainTx, errorCodeMarkStatus, credits.ErrTransactionNotPending)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func mapAuditEntry(row AuditEntry) credits.AuditEntry {
	txRef := ""
	if row.TxRef != nil {
		txRef = *row.TxRef
	}
	return credits.AuditEntry{
		EntryID:        row.EntryID,
		UserID:         row.UserID,
		Action:         credits.ActionKind(row.Action),
		Cost:           row.Cost,
		BalanceAfter:   row.BalanceAfter,
		TxRef:          txRef,
		MetadataJSON:   string(row.Metadata),
		IPAddress:      row.IPAddress,
		UserAgent:      row.UserAgent,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
}

func mapTransaction(row BlockchainTransaction) (chain.Transaction, error) {
	amount, err := decimal.NewFromString(row.Amount)
	if err != nil {
		return chain.Transaction{}, wrapStoreError(errorSubjectChainTx, errorCodeInvalid, err)
	}
	transaction := chain.Transaction{
		TxHash:         row.TxHash,
		FromAddr:       row.FromAddr,
		ToAddr:         row.ToAddr,
		Amount:         amount,
		Credits:        row.Credits,
		UserID:         row.UserID,
		Status:         chain.Status(row.Status),
		BlockNumber:    row.BlockNumber,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
	if row.ConfirmedAt != nil {
		transaction.ConfirmedUnixUTC = row.ConfirmedAt.Unix()
	}
	return transaction, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

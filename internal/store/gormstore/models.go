package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balance is the materialized
// credit balance; the check constraint backs the non-negativity
// invariant behind the conditional debit.
type Account struct {
	UserID    string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;check:balance >= 0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// AuditEntry mirrors the audit_entries table. ID is the commit-time
// sequence used for per-user history ordering.
type AuditEntry struct {
	ID           int64          `gorm:"primaryKey;autoIncrement"`
	EntryID      string         `gorm:"type:uuid;not null;uniqueIndex"`
	UserID       string         `gorm:"not null;index:idx_audit_user_created,priority:1"`
	Action       string         `gorm:"not null"`
	Cost         int64          `gorm:"not null"`
	BalanceAfter int64          `gorm:"not null"`
	TxRef        *string        `gorm:"index"`
	Metadata     datatypes.JSON `gorm:"not null"`
	IPAddress    string         `gorm:""`
	UserAgent    string         `gorm:""`
	CreatedAt    time.Time      `gorm:"not null;index:idx_audit_user_created,priority:2"`
}

func (AuditEntry) TableName() string { return "audit_entries" }

func (entry *AuditEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// BlockchainTransaction mirrors the blockchain_transactions table.
type BlockchainTransaction struct {
	TxHash      string     `gorm:"primaryKey"`
	FromAddr    string     `gorm:"not null"`
	ToAddr      string     `gorm:"not null"`
	Amount      string     `gorm:"not null"`
	Credits     int64      `gorm:"not null"`
	UserID      string     `gorm:"not null;index"`
	Status      string     `gorm:"not null;index"`
	BlockNumber *int64     `gorm:""`
	CreatedAt   time.Time  `gorm:"not null"`
	ConfirmedAt *time.Time `gorm:""`
}

func (BlockchainTransaction) TableName() string { return "blockchain_transactions" }

// Payment mirrors the payments table. Provider transaction ids are
// unique so a replayed confirmation cannot credit twice.
type Payment struct {
	PaymentID             string    `gorm:"type:uuid;primaryKey"`
	UserID                string    `gorm:"not null;index"`
	Amount                string    `gorm:"not null"`
	Currency              string    `gorm:"not null"`
	Credits               int64     `gorm:"not null"`
	Provider              string    `gorm:"not null"`
	ProviderTransactionID string    `gorm:"not null;uniqueIndex"`
	Status                string    `gorm:"not null"`
	CompletedAt           time.Time `gorm:"not null"`
	CreatedAt             time.Time `gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

func (payment *Payment) BeforeCreate(tx *gorm.DB) error {
	if payment.PaymentID == "" {
		payment.PaymentID = uuid.NewString()
	}
	return nil
}

package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// UserID identifies an account owner. The value is issued by the
// authentication collaborator; the ledger treats it as opaque.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// CreditAmount is a strictly positive amount of credits supplied by a caller.
type CreditAmount int64

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw amount.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// ActionKind enumerates the paid and free actions the ledger gates.
type ActionKind string

const (
	ActionUploadFile     ActionKind = "upload_file"
	ActionGenerateReport ActionKind = "generate_report"
	ActionExportReport   ActionKind = "export_report"
	ActionAPIKey         ActionKind = "api_key_action"
	ActionListResources  ActionKind = "list_resources"
	ActionCreditPurchase ActionKind = "credit_purchase"
	ActionCreditAdminAdd ActionKind = "credit_admin_add"
)

// ParseActionKind validates a raw action name.
func ParseActionKind(raw string) (ActionKind, error) {
	action := ActionKind(strings.TrimSpace(raw))
	switch action {
	case ActionUploadFile, ActionGenerateReport, ActionExportReport,
		ActionAPIKey, ActionListResources, ActionCreditPurchase, ActionCreditAdminAdd:
		return action, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
}

// String returns the wire name of the action.
func (action ActionKind) String() string {
	return string(action)
}

// MetadataJSON stores arbitrary request metadata describing the
// triggering action (file id, report id, upload size, ...).
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates a metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// NewMetadataFromMap marshals a string-keyed map into MetadataJSON.
func NewMetadataFromMap(fields map[string]any) (MetadataJSON, error) {
	if len(fields) == 0 {
		return NewMetadataJSON("")
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return MetadataJSON{value: string(raw)}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// RequestContext carries request provenance recorded on audit entries.
type RequestContext struct {
	IPAddress string
	UserAgent string
}

// Account is the durable balance record for one user.
type Account struct {
	UserID  string
	Balance int64
}

// AuditEntry is one immutable line in the audit log. Cost is signed:
// positive values are debits, negative values are credit additions, so
// summation yields net spend directly.
type AuditEntry struct {
	EntryID        string
	UserID         string
	Action         ActionKind
	Cost           int64
	BalanceAfter   int64
	TxRef          string
	MetadataJSON   string
	IPAddress      string
	UserAgent      string
	CreatedUnixUTC int64
}

// AuditEntryInput is the insert shape for a new audit entry.
type AuditEntryInput struct {
	UserID         string
	Action         ActionKind
	Cost           int64
	BalanceAfter   int64
	MetadataJSON   string
	IPAddress      string
	UserAgent      string
	CreatedUnixUTC int64
}

// Payment records a confirmed top-up from the payment collaborator.
type Payment struct {
	PaymentID             string
	UserID                string
	Amount                decimal.Decimal
	Currency              string
	Credits               int64
	Provider              string
	ProviderTransactionID string
	Status                string
	CompletedUnixUTC      int64
}

// Receipt is the caller-visible outcome of a deduction.
type Receipt struct {
	RemainingBalance int64
	EntryID          string
}

// SpendTotals are aggregate sums over the audit log.
type SpendTotals struct {
	TotalSpent     int64
	TotalPurchased int64
}

// Summary combines spend totals with the live balance.
type Summary struct {
	TotalSpent     int64
	TotalPurchased int64
	CurrentBalance int64
}

// History is a page of audit entries plus totals.
type History struct {
	Entries []AuditEntry
	Total   int64
	Summary Summary
}

// ActionStats aggregates audit entries for one action kind.
type ActionStats struct {
	Count     int64
	TotalCost int64
}

// Statistics is the per-user usage view.
type Statistics struct {
	Summary   Summary
	Breakdown map[ActionKind]ActionStats
}

// Submission asks the blockchain mirror to represent a committed debit
// as an on-chain transfer.
type Submission struct {
	EntryID string
	UserID  string
	Credits int64
}

// Mirror accepts submissions without blocking the requesting caller.
// Enqueue must never wait on chain I/O.
type Mirror interface {
	Enqueue(submission Submission)
}

// Store is the persistence contract used by Service. Debit must be a
// single atomic conditional update: callers for the same account
// serialize at this boundary, callers for different accounts do not.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, userID UserID) (Account, error)
	Debit(ctx context.Context, userID UserID, amount int64) (int64, error)
	Credit(ctx context.Context, userID UserID, amount int64) (int64, error)
	GetBalance(ctx context.Context, userID UserID) (int64, error)
	InsertAuditEntry(ctx context.Context, input AuditEntryInput) (AuditEntry, error)
	AttachTransactionRef(ctx context.Context, entryID string, txHash string) error
	ListAuditEntries(ctx context.Context, userID UserID, limit int, offset int) ([]AuditEntry, error)
	CountAuditEntries(ctx context.Context, userID UserID) (int64, error)
	SpendSummary(ctx context.Context, userID UserID) (SpendTotals, error)
	ActionBreakdown(ctx context.Context, userID UserID) (map[ActionKind]ActionStats, error)
	InsertPayment(ctx context.Context, payment Payment) error
}

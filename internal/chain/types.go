package chain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle of a mirror transaction. Transitions are
// pending -> confirmed or pending -> failed, exactly once.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// String returns the stored status value.
func (status Status) String() string {
	return string(status)
}

// Transaction is one submitted mirror transfer.
type Transaction struct {
	TxHash           string
	FromAddr         string
	ToAddr           string
	Amount           decimal.Decimal
	Credits          int64
	UserID           string
	Status           Status
	BlockNumber      *int64
	CreatedUnixUTC   int64
	ConfirmedUnixUTC int64
}

// StatusView is the read-only view served to dashboards.
type StatusView struct {
	TxHash        string
	Status        Status
	Confirmations int64
	BlockNumber   *int64
}

// TransferReceipt is returned by the token client once the chain RPC
// node accepts a submission. Acceptance is not confirmation.
type TransferReceipt struct {
	TxHash   string
	FromAddr string
}

// TransferState is the client's view of a submitted transaction.
type TransferState struct {
	Included      bool
	Failed        bool
	BlockNumber   int64
	Confirmations int64
}

// TokenClient abstracts the deployed token contract: a decimals
// accessor and a transfer call signed by the backend-held master
// account. Implementations own the signing credential.
type TokenClient interface {
	Decimals(ctx context.Context) (int32, error)
	Transfer(ctx context.Context, toAddr string, amount decimal.Decimal) (TransferReceipt, error)
	TransactionState(ctx context.Context, txHash string) (TransferState, error)
}

// Store persists mirror transactions and links them to audit entries.
type Store interface {
	InsertTransaction(ctx context.Context, transaction Transaction) error
	GetTransaction(ctx context.Context, txHash string) (Transaction, error)
	ListTransactionsByStatus(ctx context.Context, status Status, limit int) ([]Transaction, error)
	MarkTransactionStatus(ctx context.Context, txHash string, from Status, to Status, blockNumber *int64, confirmedUnixUTC int64) error
	AttachTransactionRef(ctx context.Context, entryID string, txHash string) error
}

package credits

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Service contains the credit-ledger domain logic over a Store.
type Service struct {
	store   Store
	catalog *Catalog
	nowFn   func() int64
	mirror  Mirror
	logger  OperationLogger
}

// NewService wires a Service.
func NewService(store Store, catalog *Catalog, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, catalog: catalog, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// DeductForAction verifies the user can afford an action, debits the
// cost, and records the audit entry in one transaction. Zero-cost
// actions bypass the ledger entirely and return the current balance.
//
// Once the debit commits the call is committed to succeed: the mirror
// submission runs out of band and its failures are absorbed, never
// surfaced as an action failure.
func (service *Service) DeductForAction(ctx context.Context, userID UserID, action ActionKind, metadata MetadataJSON, requestContext RequestContext) (Receipt, error) {
	cost, err := service.catalog.CostOf(action)
	if err != nil {
		return Receipt{}, err
	}
	if cost == 0 {
		balance, balanceErr := service.store.GetBalance(ctx, userID)
		if balanceErr != nil {
			return Receipt{}, balanceErr
		}
		return Receipt{RemainingBalance: balance}, nil
	}

	var entry AuditEntry
	var remainingBalance int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateAccount(ctx, userID); err != nil {
			return err
		}
		newBalance, err := transactionStore.Debit(ctx, userID, cost)
		if err != nil {
			return err
		}
		remainingBalance = newBalance
		entry, err = transactionStore.InsertAuditEntry(ctx, AuditEntryInput{
			UserID:         userID.String(),
			Action:         action,
			Cost:           cost,
			BalanceAfter:   newBalance,
			MetadataJSON:   metadata.String(),
			IPAddress:      requestContext.IPAddress,
			UserAgent:      requestContext.UserAgent,
			CreatedUnixUTC: service.nowFn(),
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDeduct,
		UserID:    userID,
		Action:    action,
		Amount:    cost,
		Metadata:  metadata,
		Error:     operationError,
	})
	if operationError != nil {
		return Receipt{}, operationError
	}

	if service.mirror != nil {
		service.mirror.Enqueue(Submission{
			EntryID: entry.EntryID,
			UserID:  userID.String(),
			Credits: cost,
		})
	}
	return Receipt{RemainingBalance: remainingBalance, EntryID: entry.EntryID}, nil
}

// AddCredits applies an unconditional admin top-up. The addition is
// recorded with the negative-cost convention under credit_admin_add.
// Additions are not mirrored on chain: the mirror exists to make spend
// auditable, and top-ups already leave an admin-action record.
func (service *Service) AddCredits(ctx context.Context, userID UserID, amount CreditAmount, actorID string, reason string) (int64, error) {
	metadata, err := NewMetadataFromMap(map[string]any{
		"actor_id": actorID,
		"reason":   reason,
	})
	if err != nil {
		return 0, err
	}
	var newBalance int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateAccount(ctx, userID); err != nil {
			return err
		}
		balance, err := transactionStore.Credit(ctx, userID, amount.Int64())
		if err != nil {
			return err
		}
		newBalance = balance
		_, err = transactionStore.InsertAuditEntry(ctx, AuditEntryInput{
			UserID:         userID.String(),
			Action:         ActionCreditAdminAdd,
			Cost:           -amount.Int64(),
			BalanceAfter:   balance,
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: service.nowFn(),
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAddCredits,
		UserID:    userID,
		Action:    ActionCreditAdminAdd,
		Amount:    amount.Int64(),
		Metadata:  metadata,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return newBalance, nil
}

// PurchaseCredits credits a confirmed top-up and writes the Payment
// record atomically with the balance change and audit entry. Webhook
// validation happened upstream; the tuple arrives already trusted.
func (service *Service) PurchaseCredits(ctx context.Context, userID UserID, fiatAmount decimal.Decimal, currency string, amount CreditAmount, providerTxID string, provider string) (int64, error) {
	if provider == "" || providerTxID == "" {
		return 0, fmt.Errorf("%w: provider and provider transaction id are required", ErrInvalidPaymentProvider)
	}
	if fiatAmount.IsNegative() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPaymentAmount, fiatAmount)
	}
	metadata, err := NewMetadataFromMap(map[string]any{
		"provider":                provider,
		"provider_transaction_id": providerTxID,
		"fiat_amount":             fiatAmount.String(),
		"currency":                currency,
	})
	if err != nil {
		return 0, err
	}
	var newBalance int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateAccount(ctx, userID); err != nil {
			return err
		}
		balance, err := transactionStore.Credit(ctx, userID, amount.Int64())
		if err != nil {
			return err
		}
		newBalance = balance
		if _, err := transactionStore.InsertAuditEntry(ctx, AuditEntryInput{
			UserID:         userID.String(),
			Action:         ActionCreditPurchase,
			Cost:           -amount.Int64(),
			BalanceAfter:   balance,
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		return transactionStore.InsertPayment(ctx, Payment{
			UserID:                userID.String(),
			Amount:                fiatAmount,
			Currency:              currency,
			Credits:               amount.Int64(),
			Provider:              provider,
			ProviderTransactionID: providerTxID,
			Status:                paymentStatusCompleted,
			CompletedUnixUTC:      service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationPurchase,
		UserID:    userID,
		Action:    ActionCreditPurchase,
		Amount:    amount.Int64(),
		Metadata:  metadata,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return newBalance, nil
}

// GetBalance returns the current balance, provisioning the account on
// first reference.
func (service *Service) GetBalance(ctx context.Context, userID UserID) (int64, error) {
	return service.store.GetBalance(ctx, userID)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

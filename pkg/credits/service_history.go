package credits

import (
	"context"
	"fmt"
)

// GetHistory returns a page of audit entries (newest first) plus the
// total count and the spend summary. Limit defaults to
// DefaultHistoryLimit and is capped at MaxHistoryLimit.
func (service *Service) GetHistory(ctx context.Context, userID UserID, limit int, offset int) (History, error) {
	normalizedLimit, err := normalizeHistoryLimit(limit)
	if err != nil {
		return History{}, err
	}
	if offset < 0 {
		return History{}, fmt.Errorf("%w: negative offset", ErrInvalidHistoryLimit)
	}
	entries, err := service.store.ListAuditEntries(ctx, userID, normalizedLimit, offset)
	if err != nil {
		return History{}, err
	}
	total, err := service.store.CountAuditEntries(ctx, userID)
	if err != nil {
		return History{}, err
	}
	summary, err := service.summarize(ctx, userID)
	if err != nil {
		return History{}, err
	}
	return History{Entries: entries, Total: total, Summary: summary}, nil
}

// GetStatistics returns the spend summary plus the per-action breakdown.
func (service *Service) GetStatistics(ctx context.Context, userID UserID) (Statistics, error) {
	summary, err := service.summarize(ctx, userID)
	if err != nil {
		return Statistics{}, err
	}
	breakdown, err := service.store.ActionBreakdown(ctx, userID)
	if err != nil {
		return Statistics{}, err
	}
	return Statistics{Summary: summary, Breakdown: breakdown}, nil
}

// summarize aggregates in the store; history is unbounded, so totals
// are never computed by loading entries.
func (service *Service) summarize(ctx context.Context, userID UserID) (Summary, error) {
	totals, err := service.store.SpendSummary(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	balance, err := service.store.GetBalance(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		TotalSpent:     totals.TotalSpent,
		TotalPurchased: totals.TotalPurchased,
		CurrentBalance: balance,
	}, nil
}

func normalizeHistoryLimit(limit int) (int, error) {
	if limit <= 0 {
		return DefaultHistoryLimit, nil
	}
	if limit > MaxHistoryLimit {
		return 0, fmt.Errorf("%w: %d exceeds maximum %d", ErrInvalidHistoryLimit, limit, MaxHistoryLimit)
	}
	return limit, nil
}

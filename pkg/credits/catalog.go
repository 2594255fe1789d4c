package credits

import "fmt"

// Catalog maps every action kind to its fixed credit cost. It exists as
// its own component so that cost changes never touch ledger or
// orchestration code, and so tests can assert the full table at once.
type Catalog struct {
	costs map[ActionKind]int64
}

// NewCatalog returns the default cost table.
func NewCatalog() *Catalog {
	return &Catalog{costs: map[ActionKind]int64{
		ActionUploadFile:     10,
		ActionGenerateReport: 25,
		ActionExportReport:   5,
		ActionAPIKey:         1,
		ActionListResources:  0,
		ActionCreditPurchase: 0,
		ActionCreditAdminAdd: 0,
	}}
}

// NewCatalogWithCosts overlays the default table with caller-supplied costs.
func NewCatalogWithCosts(overrides map[ActionKind]int64) (*Catalog, error) {
	catalog := NewCatalog()
	for action, cost := range overrides {
		if _, known := catalog.costs[action]; !known {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
		}
		if cost < 0 {
			return nil, fmt.Errorf("%w: %s cost %d", ErrInvalidActionCost, action, cost)
		}
		catalog.costs[action] = cost
	}
	return catalog, nil
}

// CostOf returns the credit cost of an action, zero for free actions.
func (catalog *Catalog) CostOf(action ActionKind) (int64, error) {
	cost, known := catalog.costs[action]
	if !known {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return cost, nil
}

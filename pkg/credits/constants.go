package credits

const (
	operationDeduct     = "deduct"
	operationAddCredits = "add_credits"
	operationPurchase   = "purchase_credits"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// DefaultHistoryLimit is applied when a caller omits the page size.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps the page size a caller may request.
	MaxHistoryLimit = 100

	// DefaultStartingBalance seeds an account on first reference.
	DefaultStartingBalance = 50

	paymentStatusCompleted = "completed"
)

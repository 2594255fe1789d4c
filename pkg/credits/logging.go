package credits

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	Action    ActionKind
	Amount    int64
	Metadata  MetadataJSON
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithMirror wires the asynchronous blockchain mirror. Without a mirror
// the service still commits debits; audit entries simply keep a null
// transaction reference.
func WithMirror(mirror Mirror) ServiceOption {
	return func(service *Service) {
		service.mirror = mirror
	}
}

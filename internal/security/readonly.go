package security

import (
	"context"
	"fmt"
	"sync"
)

// OperationType classifies broker operations for access control.
type OperationType string

const (
	OpRead         OperationType = "READ"
	OpPlaceOrder   OperationType = "PLACE_ORDER"
	OpModifyOrder  OperationType = "MODIFY_ORDER"
	OpCancelOrder  OperationType = "CANCEL_ORDER"
	OpModifyConfig OperationType = "MODIFY_CONFIG"
)

// mutations lists the operations blocked while read-only mode is on.
var mutations = map[OperationType]bool{
	OpPlaceOrder:   true,
	OpModifyOrder:  true,
	OpCancelOrder:  true,
	OpModifyConfig: true,
}

// ReadOnlyError is returned for a mutation attempted in read-only
// mode.
type ReadOnlyError struct {
	Operation OperationType
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("operation %s blocked: read-only mode is enabled", e.Operation)
}

// AccessController gates mutations behind the read-only flag. Blocked
// attempts land in the audit trail when a logger is attached.
type AccessController struct {
	mu       sync.RWMutex
	readOnly bool
	audit    *AuditLogger
}

// NewAccessController builds a controller; auditLogger may be nil.
func NewAccessController(readOnly bool, auditLogger *AuditLogger) *AccessController {
	return &AccessController{
		readOnly: readOnly,
		audit:    auditLogger,
	}
}

// IsReadOnly reports whether mutations are currently blocked.
func (ac *AccessController) IsReadOnly() bool {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.readOnly
}

// SetReadOnly flips the read-only flag at runtime.
func (ac *AccessController) SetReadOnly(readOnly bool) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.readOnly = readOnly
}

// CheckPermission allows reads always and mutations only outside
// read-only mode. A denial is audited and returned as *ReadOnlyError.
func (ac *AccessController) CheckPermission(ctx context.Context, op OperationType) error {
	ac.mu.RLock()
	defer ac.mu.RUnlock()

	if !ac.readOnly || !mutations[op] {
		return nil
	}
	if ac.audit != nil {
		ac.audit.LogReadOnlyViolation(ctx, string(op))
	}
	return &ReadOnlyError{Operation: op}
}

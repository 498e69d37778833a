package security

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Audit event types, one per operator-visible action.
const (
	auditLogin             = "LOGIN"
	auditAuthFailed        = "AUTH_FAILED"
	auditLogout            = "LOGOUT"
	auditOrderPlaced       = "ORDER_PLACED"
	auditOrderRejected     = "ORDER_REJECTED"
	auditOrderCancelled    = "ORDER_CANCELLED"
	auditReadOnlyViolation = "READ_ONLY_VIOLATION"
	auditInputValidation   = "INPUT_VALIDATION"
)

// auditEvent is one JSONL record in the audit log. Details pass
// through LogWithoutCredentials before serialization, so a sloppy
// caller cannot write a secret here.
type auditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	RunID     string         `json:"run_id"`
	Broker    string         `json:"broker,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Symbol    string         `json:"symbol,omitempty"`
	OrderID   string         `json:"order_id,omitempty"`
	Action    string         `json:"action,omitempty"`
	Success   bool           `json:"success"`
	ErrorMsg  string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditConfig tunes where the audit trail lives and how it rotates.
type AuditConfig struct {
	LogDir     string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// DefaultAuditConfig keeps a year of compressed audit logs under the
// standard config directory. Trading audit trails outlive ordinary
// logs; a year covers an Indian tax assessment cycle.
func DefaultAuditConfig() AuditConfig {
	home, _ := os.UserHomeDir()
	return AuditConfig{
		LogDir:     filepath.Join(home, ".config", "mcube", "audit"),
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     365,
		Compress:   true,
	}
}

// AuditLogger appends trading actions to a rotated JSONL file. Every
// event carries a run id tying together the actions of one process.
type AuditLogger struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
	runID  string
}

// NewAuditLogger opens the audit trail, creating its directory with
// owner-only permissions.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	return &AuditLogger{
		writer: &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, "audit.log"),
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		},
		runID: uuid.NewString(),
	}, nil
}

func (al *AuditLogger) write(event auditEvent) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	event.Timestamp = time.Now().UTC()
	event.RunID = al.runID
	if event.Details != nil {
		event.Details = LogWithoutCredentials(event.Details)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	if _, err := al.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

// LogLogin records a broker login attempt.
func (al *AuditLogger) LogLogin(_ context.Context, broker, userID string, success bool, errorMsg string) error {
	eventType := auditLogin
	if !success {
		eventType = auditAuthFailed
	}
	return al.write(auditEvent{
		EventType: eventType,
		Broker:    broker,
		UserID:    userID,
		Success:   success,
		ErrorMsg:  errorMsg,
	})
}

// LogLogout records an explicit logout.
func (al *AuditLogger) LogLogout(_ context.Context, broker, userID string) error {
	return al.write(auditEvent{
		EventType: auditLogout,
		Broker:    broker,
		UserID:    userID,
		Success:   true,
	})
}

// LogOrderPlaced records an order placement attempt. The price arrives
// as a string so decimal amounts survive the JSON round trip exactly.
func (al *AuditLogger) LogOrderPlaced(_ context.Context, broker, orderID, symbol, side string, qty int, price, orderType, product string, success bool, errorMsg string) error {
	eventType := auditOrderPlaced
	if !success {
		eventType = auditOrderRejected
	}
	return al.write(auditEvent{
		EventType: eventType,
		Broker:    broker,
		OrderID:   orderID,
		Symbol:    symbol,
		Action:    side,
		Success:   success,
		ErrorMsg:  errorMsg,
		Details: map[string]any{
			"quantity":   qty,
			"price":      price,
			"order_type": orderType,
			"product":    product,
		},
	})
}

// LogOrderCancelled records an order cancellation attempt.
func (al *AuditLogger) LogOrderCancelled(_ context.Context, broker, orderID, symbol string, success bool, errorMsg string) error {
	return al.write(auditEvent{
		EventType: auditOrderCancelled,
		Broker:    broker,
		OrderID:   orderID,
		Symbol:    symbol,
		Success:   success,
		ErrorMsg:  errorMsg,
	})
}

// LogReadOnlyViolation records a blocked write attempt.
func (al *AuditLogger) LogReadOnlyViolation(_ context.Context, operation string) error {
	return al.write(auditEvent{
		EventType: auditReadOnlyViolation,
		Action:    operation,
		Success:   false,
		ErrorMsg:  "operation blocked: read-only mode enabled",
	})
}

// LogInputValidation records rejected raw input. The value is masked;
// rejected input is untrusted and may itself be a probing attempt.
func (al *AuditLogger) LogInputValidation(_ context.Context, field, value, reason string) error {
	return al.write(auditEvent{
		EventType: auditInputValidation,
		Success:   false,
		ErrorMsg:  reason,
		Details: map[string]any{
			"field": field,
			"value": MaskSensitive(value),
		},
	})
}

// Close flushes and closes the underlying log file.
func (al *AuditLogger) Close() error {
	return al.writer.Close()
}

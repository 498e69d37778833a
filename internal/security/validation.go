package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

var (
	// NSE/BSE tradingsymbols are upper-case alphanumerics plus & and -
	// (M&M, BAJAJ-AUTO).
	symbolPattern = regexp.MustCompile(`^[A-Z0-9&-]{1,25}$`)

	// Broker order ids across Kite and Motilal are alphanumeric with
	// underscores and dashes.
	orderIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

	// injectionPatterns screen free-text input in strict mode. Symbols
	// and order ids end up in shell-adjacent logs and SQL parameters,
	// so anything shaped like either attack is rejected outright.
	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(union\s+select|select\s+\*|drop\s+table|insert\s+into|delete\s+from|update\s+.*\s+set)`),
		regexp.MustCompile(`(?i)(--|;|'|"|\\x00|\\n|\\r)`),
		regexp.MustCompile(`(?i)(or\s+1\s*=\s*1|and\s+1\s*=\s*1)`),
		regexp.MustCompile("[;&|$`]"),
		regexp.MustCompile(`(?i)(rm\s+-rf|wget|curl|bash|sh\s+-c|eval|exec)`),
	}
)

// ValidationError reports rejected raw input with the offending field.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// InputValidator checks raw CLI input before it is promoted into typed
// requests. Strict mode additionally screens for injection patterns.
type InputValidator struct {
	strict bool
}

// NewInputValidator returns a validator; strictMode enables injection
// screening on top of the format checks.
func NewInputValidator(strictMode bool) *InputValidator {
	return &InputValidator{strict: strictMode}
}

// ValidateSymbol checks a trading symbol after upper-casing it.
func (v *InputValidator) ValidateSymbol(symbol string) error {
	symbol = strings.TrimSpace(strings.ToUpper(symbol))
	switch {
	case symbol == "":
		return &ValidationError{Field: "symbol", Value: symbol, Message: "symbol cannot be empty"}
	case len(symbol) > 25:
		return &ValidationError{Field: "symbol", Value: symbol, Message: "symbol too long (max 25 characters)"}
	case !symbolPattern.MatchString(symbol):
		return &ValidationError{Field: "symbol", Value: symbol, Message: "invalid symbol format"}
	}
	if v.strict && looksLikeInjection(symbol) {
		return &ValidationError{Field: "symbol", Value: symbol, Message: "invalid characters detected"}
	}
	return nil
}

// ValidateOrderID checks a broker order id.
func (v *InputValidator) ValidateOrderID(orderID string) error {
	orderID = strings.TrimSpace(orderID)
	switch {
	case orderID == "":
		return &ValidationError{Field: "order_id", Value: orderID, Message: "order ID cannot be empty"}
	case len(orderID) > 50:
		return &ValidationError{Field: "order_id", Value: orderID, Message: "order ID too long (max 50 characters)"}
	case !orderIDPattern.MatchString(orderID):
		return &ValidationError{Field: "order_id", Value: orderID, Message: "invalid order ID format"}
	}
	return nil
}

// ValidateQuantity checks a trade quantity. The ceiling of one crore
// shares catches fat-fingered input long before any exchange limit.
func (v *InputValidator) ValidateQuantity(qty int) error {
	if qty <= 0 {
		return &ValidationError{Field: "quantity", Value: fmt.Sprintf("%d", qty), Message: "quantity must be positive"}
	}
	if qty > 10000000 {
		return &ValidationError{Field: "quantity", Value: fmt.Sprintf("%d", qty), Message: "quantity exceeds maximum allowed"}
	}
	return nil
}

// ValidatePrice checks a price value.
func (v *InputValidator) ValidatePrice(price decimal.Decimal) error {
	if price.IsNegative() {
		return &ValidationError{Field: "price", Value: price.String(), Message: "price cannot be negative"}
	}
	if price.GreaterThan(decimal.NewFromInt(1000000000)) {
		return &ValidationError{Field: "price", Value: price.String(), Message: "price exceeds maximum allowed"}
	}
	return nil
}

func looksLikeInjection(input string) bool {
	for _, re := range injectionPatterns {
		if re.MatchString(input) {
			return true
		}
	}
	return false
}

// SanitizeSymbol upper-cases a symbol and strips every character a
// tradingsymbol cannot contain. Used for display, not validation.
func SanitizeSymbol(symbol string) string {
	symbol = strings.TrimSpace(strings.ToUpper(symbol))
	var b strings.Builder
	for _, r := range symbol {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '&' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

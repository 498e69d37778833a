package trading

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Anupamvm/mCube-ai-sub004/internal/config"
	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
)

// RiskLimits are the pre-trade gates applied to every order before it
// reaches an adapter. Zero values disable the respective cap.
type RiskLimits struct {
	// ReadOnly blocks every mutating operation while set.
	ReadOnly bool
	// MaxQuantity caps the per-order quantity.
	MaxQuantity int
	// MaxOrderValue caps price × quantity for priced orders. Market
	// orders carry no price and bypass this check.
	MaxOrderValue decimal.Decimal
	// DailyLossLimit blocks new orders once the day's realized loss
	// reaches it.
	DailyLossLimit decimal.Decimal
}

// RiskLimitsFromConfig lifts the configured float limits into decimals.
func RiskLimitsFromConfig(cfg *config.Config) RiskLimits {
	return RiskLimits{
		ReadOnly:       cfg.Security.ReadOnlyMode,
		MaxQuantity:    cfg.Risk.MaxQuantityPerOrder,
		MaxOrderValue:  decimal.NewFromFloat(cfg.Risk.MaxOrderValue),
		DailyLossLimit: decimal.NewFromFloat(cfg.Risk.DailyLossLimit),
	}
}

// RiskState is the mutable side of risk checking, fed by whoever
// tracks fills. Losses are positive numbers.
type RiskState struct {
	RealizedLossToday decimal.Decimal
}

// RiskResult reports the checks an order passed and the one that
// blocked it.
type RiskResult struct {
	Allowed      bool
	BlockReason  string
	ChecksPassed []string
	ChecksFailed []string
}

// RiskChecker evaluates orders against the configured limits. Checks
// run in a fixed order; the first failure blocks the order.
type RiskChecker struct {
	limits RiskLimits
}

// NewRiskChecker creates a checker with the given limits.
func NewRiskChecker(limits RiskLimits) *RiskChecker {
	return &RiskChecker{limits: limits}
}

// ReadOnly reports whether mutating operations are blocked outright.
func (r *RiskChecker) ReadOnly() bool {
	return r.limits.ReadOnly
}

// Check evaluates one order against the limits and the current state.
func (r *RiskChecker) Check(req *models.OrderRequest, state RiskState) RiskResult {
	result := RiskResult{Allowed: true}
	checks := []struct {
		name string
		run  func() (bool, string)
	}{
		{"read_only", r.checkReadOnly},
		{"quantity_limit", func() (bool, string) { return r.checkQuantity(req) }},
		{"order_value_limit", func() (bool, string) { return r.checkOrderValue(req) }},
		{"daily_loss_limit", func() (bool, string) { return r.checkDailyLoss(state) }},
	}
	for _, check := range checks {
		ok, reason := check.run()
		if !ok {
			result.Allowed = false
			result.BlockReason = reason
			result.ChecksFailed = append(result.ChecksFailed, check.name)
			return result
		}
		result.ChecksPassed = append(result.ChecksPassed, check.name)
	}
	return result
}

func (r *RiskChecker) checkReadOnly() (bool, string) {
	if r.limits.ReadOnly {
		return false, "read-only mode is active"
	}
	return true, ""
}

func (r *RiskChecker) checkQuantity(req *models.OrderRequest) (bool, string) {
	if r.limits.MaxQuantity > 0 && req.Quantity > r.limits.MaxQuantity {
		return false, fmt.Sprintf("quantity %d exceeds limit %d", req.Quantity, r.limits.MaxQuantity)
	}
	return true, ""
}

func (r *RiskChecker) checkOrderValue(req *models.OrderRequest) (bool, string) {
	if r.limits.MaxOrderValue.IsPositive() && req.Price.IsPositive() {
		value := req.Price.Mul(decimal.NewFromInt(int64(req.Quantity)))
		if value.GreaterThan(r.limits.MaxOrderValue) {
			return false, fmt.Sprintf("order value %s exceeds limit %s",
				value.StringFixed(2), r.limits.MaxOrderValue.StringFixed(2))
		}
	}
	return true, ""
}

func (r *RiskChecker) checkDailyLoss(state RiskState) (bool, string) {
	if r.limits.DailyLossLimit.IsPositive() && state.RealizedLossToday.GreaterThanOrEqual(r.limits.DailyLossLimit) {
		return false, fmt.Sprintf("daily loss %s has reached limit %s",
			state.RealizedLossToday.StringFixed(2), r.limits.DailyLossLimit.StringFixed(2))
	}
	return true, ""
}

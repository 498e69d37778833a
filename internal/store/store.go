// Package store persists execution outcomes and account snapshots to
// sqlite for operator review. It implements trading.Recorder; the
// trading core itself never touches the database.
package store

import (
	"time"

	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
)

// OrderRecord is one persisted placement outcome.
type OrderRecord struct {
	ID         int64
	Account    string
	Result     models.OrderResult
	RecordedAt time.Time
}

// OrderFilter narrows OrderResults queries. Zero-valued fields are
// ignored.
type OrderFilter struct {
	Account string
	Broker  models.BrokerID
	Symbol  string
	// Success filters on outcome when set; nil returns both.
	Success *bool
	Since   time.Time
	Until   time.Time
	Limit   int
}

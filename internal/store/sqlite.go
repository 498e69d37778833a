package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
	"github.com/Anupamvm/mCube-ai-sub004/internal/trading"
)

// SQLiteStore records order results and position/margin snapshots.
// Monetary values are stored as decimal strings, never floats, so the
// figures read back digit for digit.
type SQLiteStore struct {
	db *sql.DB
}

var _ trading.Recorder = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	-- One row per placement attempt, success or failure
	CREATE TABLE IF NOT EXISTS order_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account TEXT NOT NULL,
		broker TEXT NOT NULL,
		order_id TEXT,
		success INTEGER NOT NULL,
		message TEXT,
		error TEXT,
		symbol TEXT,
		quantity INTEGER NOT NULL DEFAULT 0,
		price TEXT NOT NULL DEFAULT '0',
		placed_at DATETIME NOT NULL,
		raw TEXT,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Each sync writes one batch; an empty batch records a flat book
	CREATE TABLE IF NOT EXISTS position_batches (
		batch_id TEXT PRIMARY KEY,
		account TEXT NOT NULL,
		taken_at DATETIME NOT NULL,
		position_count INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS position_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id TEXT NOT NULL,
		account TEXT NOT NULL,
		broker TEXT NOT NULL,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		product TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		buy_qty INTEGER NOT NULL,
		sell_qty INTEGER NOT NULL,
		average_price TEXT NOT NULL,
		ltp TEXT NOT NULL,
		buy_value TEXT NOT NULL,
		sell_value TEXT NOT NULL,
		unrealized_pnl TEXT NOT NULL,
		realized_pnl TEXT NOT NULL,
		multiplier INTEGER NOT NULL DEFAULT 1,
		FOREIGN KEY (batch_id) REFERENCES position_batches(batch_id)
	);

	CREATE TABLE IF NOT EXISTS margin_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account TEXT NOT NULL,
		broker TEXT NOT NULL,
		available TEXT NOT NULL,
		used TEXT NOT NULL,
		total TEXT NOT NULL,
		exposure_fo TEXT NOT NULL,
		collateral TEXT NOT NULL,
		fetched_at DATETIME NOT NULL,
		raw TEXT,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_order_results_account ON order_results(account);
	CREATE INDEX IF NOT EXISTS idx_order_results_symbol ON order_results(symbol);
	CREATE INDEX IF NOT EXISTS idx_order_results_placed ON order_results(placed_at);
	CREATE INDEX IF NOT EXISTS idx_position_batches_account ON position_batches(account, taken_at);
	CREATE INDEX IF NOT EXISTS idx_position_snapshots_batch ON position_snapshots(batch_id);
	CREATE INDEX IF NOT EXISTS idx_margin_snapshots_account ON margin_snapshots(account, fetched_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordOrderResult persists one placement outcome.
func (s *SQLiteStore) RecordOrderResult(ctx context.Context, account string, result *models.OrderResult) error {
	if result == nil {
		return nil
	}
	success := 0
	if result.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_results (account, broker, order_id, success, message, error, symbol, quantity, price, placed_at, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, account, string(result.Broker), result.OrderID, success, result.Message, result.Error,
		result.Symbol, result.Quantity, result.Price.String(), result.PlacedAt, string(result.Raw))
	if err != nil {
		return fmt.Errorf("failed to record order result: %w", err)
	}
	return nil
}

// RecordPositions persists one position book as a batch. An empty book
// still writes the batch row, so a fully squared-off account is
// distinguishable from one that was never synced.
func (s *SQLiteStore) RecordPositions(ctx context.Context, account string, positions []models.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	batchID := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO position_batches (batch_id, account, taken_at, position_count)
		VALUES (?, ?, ?, ?)
	`, batchID, account, time.Now(), len(positions))
	if err != nil {
		return fmt.Errorf("failed to record position batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO position_snapshots (batch_id, account, broker, symbol, exchange, product, quantity, buy_qty, sell_qty, average_price, ltp, buy_value, sell_value, unrealized_pnl, realized_pnl, multiplier)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range positions {
		_, err := stmt.ExecContext(ctx, batchID, account, string(p.Broker), p.Symbol, string(p.Exchange),
			string(p.Product), p.Quantity, p.BuyQty, p.SellQty, p.AveragePrice.String(), p.LTP.String(),
			p.BuyValue.String(), p.SellValue.String(), p.UnrealizedPnL.String(), p.RealizedPnL.String(), p.Multiplier)
		if err != nil {
			return fmt.Errorf("failed to record position: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordMargin persists one margin snapshot.
func (s *SQLiteStore) RecordMargin(ctx context.Context, account string, margin *models.Margin) error {
	if margin == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO margin_snapshots (account, broker, available, used, total, exposure_fo, collateral, fetched_at, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, account, string(margin.Broker), margin.Available.String(), margin.Used.String(), margin.Total.String(),
		margin.ExposureFO.String(), margin.Collateral.String(), margin.FetchedAt, string(margin.Raw))
	if err != nil {
		return fmt.Errorf("failed to record margin: %w", err)
	}
	return nil
}

// OrderResults retrieves recorded placement outcomes, newest first.
func (s *SQLiteStore) OrderResults(ctx context.Context, filter OrderFilter) ([]OrderRecord, error) {
	query := `SELECT id, account, broker, order_id, success, message, error, symbol, quantity, price, placed_at, raw, recorded_at FROM order_results WHERE 1=1`
	args := []interface{}{}

	if filter.Account != "" {
		query += " AND account = ?"
		args = append(args, filter.Account)
	}
	if filter.Broker != "" {
		query += " AND broker = ?"
		args = append(args, string(filter.Broker))
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Success != nil {
		success := 0
		if *filter.Success {
			success = 1
		}
		query += " AND success = ?"
		args = append(args, success)
	}
	if !filter.Since.IsZero() {
		query += " AND placed_at >= ?"
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		query += " AND placed_at <= ?"
		args = append(args, filter.Until)
	}

	query += " ORDER BY placed_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query order results: %w", err)
	}
	defer rows.Close()

	var records []OrderRecord
	for rows.Next() {
		var rec OrderRecord
		var broker, price, raw string
		var success int
		if err := rows.Scan(&rec.ID, &rec.Account, &broker, &rec.Result.OrderID, &success,
			&rec.Result.Message, &rec.Result.Error, &rec.Result.Symbol, &rec.Result.Quantity,
			&price, &rec.Result.PlacedAt, &raw, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order result: %w", err)
		}
		rec.Result.Broker = models.BrokerID(broker)
		rec.Result.Success = success == 1
		if raw != "" {
			rec.Result.Raw = json.RawMessage(raw)
		}
		if rec.Result.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("failed to parse stored price %q: %w", price, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LatestPositions returns the most recent position book recorded for
// the account and when it was taken. A never-synced account returns a
// nil book and zero time.
func (s *SQLiteStore) LatestPositions(ctx context.Context, account string) ([]models.Position, time.Time, error) {
	var batchID string
	var takenAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT batch_id, taken_at FROM position_batches
		WHERE account = ? ORDER BY taken_at DESC, rowid DESC LIMIT 1
	`, account).Scan(&batchID, &takenAt)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to query position batch: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT broker, symbol, exchange, product, quantity, buy_qty, sell_qty, average_price, ltp, buy_value, sell_value, unrealized_pnl, realized_pnl, multiplier
		FROM position_snapshots WHERE batch_id = ? ORDER BY id ASC
	`, batchID)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		var p models.Position
		var broker, exchange, product string
		var avg, ltp, buyVal, sellVal, upnl, rpnl string
		if err := rows.Scan(&broker, &p.Symbol, &exchange, &product, &p.Quantity, &p.BuyQty, &p.SellQty,
			&avg, &ltp, &buyVal, &sellVal, &upnl, &rpnl, &p.Multiplier); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to scan position: %w", err)
		}
		p.Broker = models.BrokerID(broker)
		p.Exchange = models.Exchange(exchange)
		p.Product = models.ProductType(product)
		for _, f := range []decimalField{
			{avg, &p.AveragePrice}, {ltp, &p.LTP}, {buyVal, &p.BuyValue},
			{sellVal, &p.SellValue}, {upnl, &p.UnrealizedPnL}, {rpnl, &p.RealizedPnL},
		} {
			if err := f.parse(); err != nil {
				return nil, time.Time{}, err
			}
		}
		positions = append(positions, p)
	}
	return positions, takenAt, rows.Err()
}

// LatestMargin returns the most recent margin snapshot for the account,
// nil if none was ever recorded.
func (s *SQLiteStore) LatestMargin(ctx context.Context, account string) (*models.Margin, error) {
	var m models.Margin
	var broker, available, used, total, exposure, collateral, raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT broker, available, used, total, exposure_fo, collateral, fetched_at, raw
		FROM margin_snapshots WHERE account = ? ORDER BY fetched_at DESC, id DESC LIMIT 1
	`, account).Scan(&broker, &available, &used, &total, &exposure, &collateral, &m.FetchedAt, &raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query margin: %w", err)
	}

	m.Broker = models.BrokerID(broker)
	if raw != "" {
		m.Raw = json.RawMessage(raw)
	}
	for _, f := range []decimalField{
		{available, &m.Available}, {used, &m.Used}, {total, &m.Total},
		{exposure, &m.ExposureFO}, {collateral, &m.Collateral},
	} {
		if err := f.parse(); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// decimalField pairs a stored decimal string with its destination.
type decimalField struct {
	text string
	dst  *decimal.Decimal
}

func (f decimalField) parse() error {
	d, err := decimal.NewFromString(f.text)
	if err != nil {
		return fmt.Errorf("failed to parse stored decimal %q: %w", f.text, err)
	}
	*f.dst = d
	return nil
}

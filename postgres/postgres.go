package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"payments-gateway/model"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type DB struct {
	Pool *sql.DB
}

// Connect to PostgreSQL with a connection pool
func NewDB(host string, port int, user, password, dbname string) (*DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	log.Println("Connected to PostgreSQL")
	return &DB{Pool: db}, nil
}

// Migrate creates the ledger table, retrying while the database warms up.
func (db *DB) Migrate(ctx context.Context) error {
	const ddl = `
        CREATE TABLE IF NOT EXISTS payments (
            id           UUID PRIMARY KEY,
            amount       NUMERIC(18,2) NOT NULL,
            processor    TEXT,
            status       TEXT NOT NULL DEFAULT 'pending',
            submitted_at TIMESTAMPTZ NOT NULL,
            processed_at TIMESTAMPTZ,
            attempts     INT NOT NULL DEFAULT 0
        )`
	var err error
	for i := 0; i < 5; i++ {
		if _, err = db.Pool.ExecContext(ctx, ddl); err == nil {
			return nil
		}
		log.Printf("Attempt %d: could not ensure payments table: %v", i+1, err)
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	return err
}

func (db *DB) Ping(ctx context.Context) error {
	if err := db.Pool.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return nil
}

// Exists reports whether any record, pending or terminal, holds the
// correlation id.
func (db *DB) Exists(ctx context.Context, correlationID string) (bool, error) {
	var found bool
	err := db.Pool.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)`, correlationID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return found, nil
}

// InsertPending claims a correlation id with a pending row. Returns
// false when a row already exists, whatever its status; the terminal
// writes below stay conditional so that case is always safe.
func (db *DB) InsertPending(ctx context.Context, task model.QueueTask) (bool, error) {
	res, err := db.Pool.ExecContext(ctx, `
        INSERT INTO payments (id, amount, status, submitted_at)
        VALUES ($1, $2, 'pending', $3)
        ON CONFLICT (id) DO NOTHING`,
		task.CorrelationID, task.Amount, task.SubmittedAt)
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return n == 1, nil
}

// MarkSucceeded commits the terminal success. The status guard makes
// it a no-op once any terminal row exists, so duplicate delivery of the
// same task cannot double count.
func (db *DB) MarkSucceeded(ctx context.Context, correlationID string, processor model.Processor, processedAt time.Time, attempts int) (bool, error) {
	return db.markTerminal(ctx, correlationID, processor, model.StatusSucceeded, processedAt, attempts)
}

// MarkFailed commits the terminal failure after the retry budget is
// spent or the processor rejected the payment outright.
func (db *DB) MarkFailed(ctx context.Context, correlationID string, processor model.Processor, processedAt time.Time, attempts int) (bool, error) {
	return db.markTerminal(ctx, correlationID, processor, model.StatusFailed, processedAt, attempts)
}

func (db *DB) markTerminal(ctx context.Context, correlationID string, processor model.Processor, status model.Status, processedAt time.Time, attempts int) (bool, error) {
	res, err := db.Pool.ExecContext(ctx, `
        UPDATE payments
        SET status = $2, processor = $3, processed_at = $4, attempts = $5
        WHERE id = $1 AND status = 'pending'`,
		correlationID, string(status), string(processor), processedAt, attempts)
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return n == 1, nil
}

// GetSummary aggregates succeeded records with processed_at in range,
// grouped by processor, zero-filled for processors with no rows.
func (db *DB) GetSummary(ctx context.Context, from, to time.Time) (model.SummaryResponse, error) {
	summary := model.ZeroSummary()

	rows, err := db.Pool.QueryContext(ctx, `
        SELECT processor, COUNT(*) AS total_requests, COALESCE(SUM(amount), 0) AS total_amount
        FROM payments
        WHERE status = 'succeeded' AND processed_at BETWEEN $1 AND $2
        GROUP BY processor`, from, to)
	if err != nil {
		return summary, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var processor string
		var totalRequests int64
		var totalAmount decimal.Decimal
		if err := rows.Scan(&processor, &totalRequests, &totalAmount); err != nil {
			return summary, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
		}
		entry := model.Summary{TotalRequests: totalRequests, TotalAmount: totalAmount}
		switch model.Processor(processor) {
		case model.ProcessorDefault:
			summary.Default = entry
		case model.ProcessorFallback:
			summary.Fallback = entry
		}
	}
	if err := rows.Err(); err != nil {
		return summary, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return summary, nil
}

// PurgePayments empties the ledger. Test harness helper.
func (db *DB) PurgePayments(ctx context.Context) error {
	if _, err := db.Pool.ExecContext(ctx, `DELETE FROM payments`); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return nil
}

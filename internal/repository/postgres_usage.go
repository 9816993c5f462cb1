package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/MikkoParkkola/translate-gateway/internal/cost"
)

// PostgresUsageRepository is the durable cost.Tracker.
type PostgresUsageRepository struct {
	db *sql.DB
}

func NewPostgresUsageRepository(db *sql.DB) *PostgresUsageRepository {
	return &PostgresUsageRepository{db: db}
}

// Open connects and verifies the database is reachable.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func (r *PostgresUsageRepository) Record(ctx context.Context, record cost.UsageRecord) error {
	query := `
		INSERT INTO usage_records (request_id, provider, source_lang, target_lang, characters, cost_usd, cached, latency_ms, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		record.RequestID,
		record.Provider,
		record.SourceLang,
		record.TargetLang,
		record.Characters,
		record.CostUSD,
		record.Cached,
		record.LatencyMs,
		record.Success,
		record.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}

func (r *PostgresUsageRepository) GetProviderUsage(ctx context.Context, provider string, since time.Time) ([]cost.UsageRecord, error) {
	query := `
		SELECT request_id, provider, source_lang, target_lang, characters, cost_usd, cached, latency_ms, success, created_at
		FROM usage_records
		WHERE provider = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, provider, since)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []cost.UsageRecord
	for rows.Next() {
		var record cost.UsageRecord
		err := rows.Scan(
			&record.RequestID,
			&record.Provider,
			&record.SourceLang,
			&record.TargetLang,
			&record.Characters,
			&record.CostUSD,
			&record.Cached,
			&record.LatencyMs,
			&record.Success,
			&record.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

func (r *PostgresUsageRepository) GetProviderTotalCost(ctx context.Context, provider string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE provider = $1 AND created_at >= $2
	`

	var total float64
	err := r.db.QueryRowContext(ctx, query, provider, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query total cost: %w", err)
	}

	return total, nil
}

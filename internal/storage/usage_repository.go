package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"costguardian/internal/models"
)

// defaultQueryLimit caps a single query page so unbounded histories are
// paged instead of materialized.
const defaultQueryLimit = 500

// UsageRepository is the only writer of the append-only usage log.
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository.
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

type usageRow struct {
	ID               int64  `db:"id"`
	Identity         string `db:"identity"`
	Model            string `db:"model"`
	PromptTokens     int64  `db:"prompt_tokens"`
	CompletionTokens int64  `db:"completion_tokens"`
	TotalTokens      int64  `db:"total_tokens"`
	CostNanos        int64  `db:"cost_nanos"`
	TS               string `db:"ts"`
}

func (r usageRow) toModel() (*models.UsageRecord, error) {
	ts, err := parseTime(r.TS)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp for usage record %d: %w", r.ID, err)
	}
	return &models.UsageRecord{
		ID:               r.ID,
		Identity:         r.Identity,
		Model:            r.Model,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		TotalTokens:      r.TotalTokens,
		CostNanos:        r.CostNanos,
		Timestamp:        ts,
	}, nil
}

// Append validates and stores one usage fact. The total is always recomputed
// from the two counts; a caller-supplied total is never trusted. A zero
// timestamp is replaced with the ingestion time. An identical fact (same
// identity, timestamp and counts) fails with ErrDuplicateUsage.
func (r *UsageRepository) Append(ctx context.Context, sub models.UsageSubmission, costNanos int64) (*models.UsageRecord, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if costNanos < 0 {
		return nil, fmt.Errorf("cost must be non-negative")
	}

	ts := sub.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	record := &models.UsageRecord{
		Identity:         sub.Identity,
		Model:            sub.Model,
		PromptTokens:     sub.PromptTokens,
		CompletionTokens: sub.CompletionTokens,
		TotalTokens:      sub.PromptTokens + sub.CompletionTokens,
		CostNanos:        costNanos,
		Timestamp:        ts.UTC(),
	}

	var dup int
	err := r.db.conn.GetContext(ctx, &dup, r.db.rebind(`
		SELECT COUNT(*) FROM usage_log
		WHERE identity = ? AND ts = ? AND prompt_tokens = ? AND completion_tokens = ?
	`), record.Identity, formatTime(record.Timestamp), record.PromptTokens, record.CompletionTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to check for duplicate usage: %w", err)
	}
	if dup > 0 {
		return nil, ErrDuplicateUsage
	}

	if r.db.driver == DriverPostgres {
		err = r.db.conn.QueryRowxContext(ctx, r.db.rebind(`
			INSERT INTO usage_log (identity, model, prompt_tokens, completion_tokens, total_tokens, cost_nanos, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id
		`), record.Identity, record.Model, record.PromptTokens, record.CompletionTokens,
			record.TotalTokens, record.CostNanos, formatTime(record.Timestamp)).Scan(&record.ID)
	} else {
		var res sql.Result
		res, err = r.db.conn.ExecContext(ctx, r.db.rebind(`
			INSERT INTO usage_log (identity, model, prompt_tokens, completion_tokens, total_tokens, cost_nanos, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`), record.Identity, record.Model, record.PromptTokens, record.CompletionTokens,
			record.TotalTokens, record.CostNanos, formatTime(record.Timestamp))
		if err == nil {
			record.ID, err = res.LastInsertId()
		}
	}
	if err != nil {
		// The unique dedupe index backstops the pre-check under concurrency.
		if isUniqueViolation(err) {
			return nil, ErrDuplicateUsage
		}
		return nil, fmt.Errorf("failed to append usage record: %w", err)
	}

	return record, nil
}

// Query returns one page of usage records matching the filter, ordered by
// timestamp ascending. Page through large histories with AfterID.
func (r *UsageRepository) Query(ctx context.Context, f models.UsageFilter) ([]*models.UsageRecord, error) {
	where, args := buildUsageWhere(f)

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	args = append(args, limit)

	query := r.db.rebind(`
		SELECT id, identity, model, prompt_tokens, completion_tokens, total_tokens, cost_nanos, ts
		FROM usage_log` + where + `
		ORDER BY ts ASC, id ASC
		LIMIT ?
	`)

	var rows []usageRow
	if err := r.db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}

	records := make([]*models.UsageRecord, 0, len(rows))
	for _, row := range rows {
		record, err := row.toModel()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Aggregate computes totals over exactly the rows Query would return for the
// same filter (ignoring pagination), so the two can never drift apart.
func (r *UsageRepository) Aggregate(ctx context.Context, f models.UsageFilter) (*models.UsageAggregate, error) {
	f.AfterID = 0
	where, args := buildUsageWhere(f)

	query := r.db.rebind(`
		SELECT
			COUNT(*) AS row_count,
			COALESCE(SUM(prompt_tokens), 0) AS total_prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) AS total_completion_tokens,
			COALESCE(SUM(total_tokens), 0) AS total_tokens,
			COALESCE(SUM(cost_nanos), 0) AS total_cost_nanos
		FROM usage_log` + where)

	var agg models.UsageAggregate
	if err := r.db.conn.GetContext(ctx, &agg, query, args...); err != nil {
		return nil, fmt.Errorf("failed to aggregate usage records: %w", err)
	}
	return &agg, nil
}

// Reset clears the entire usage log. Irreversible; callers must gate it
// behind explicit authorization.
func (r *UsageRepository) Reset(ctx context.Context) error {
	if _, err := r.db.conn.ExecContext(ctx, `DELETE FROM usage_log`); err != nil {
		return fmt.Errorf("failed to reset usage log: %w", err)
	}
	return nil
}

// LastUsageAt returns the timestamp of the newest record, or nil for an
// empty log.
func (r *UsageRepository) LastUsageAt(ctx context.Context) (*time.Time, error) {
	var last sql.NullString
	if err := r.db.conn.GetContext(ctx, &last, `SELECT MAX(ts) FROM usage_log`); err != nil {
		return nil, fmt.Errorf("failed to read last usage timestamp: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}
	t, err := parseTime(last.String)
	if err != nil {
		return nil, fmt.Errorf("invalid usage timestamp: %w", err)
	}
	return &t, nil
}

// Count returns the total number of records in the log.
func (r *UsageRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.conn.GetContext(ctx, &n, `SELECT COUNT(*) FROM usage_log`); err != nil {
		return 0, fmt.Errorf("failed to count usage records: %w", err)
	}
	return n, nil
}

// CountIdentities returns the number of distinct identities in the log.
func (r *UsageRepository) CountIdentities(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.conn.GetContext(ctx, &n, `SELECT COUNT(DISTINCT identity) FROM usage_log`); err != nil {
		return 0, fmt.Errorf("failed to count identities: %w", err)
	}
	return n, nil
}

func buildUsageWhere(f models.UsageFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if f.Identity != "" {
		conds = append(conds, "identity = ?")
		args = append(args, f.Identity)
	}
	if f.Model != "" {
		conds = append(conds, "model = ?")
		args = append(args, f.Model)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "ts < ?")
		args = append(args, formatTime(f.Until))
	}
	if f.AfterID > 0 {
		conds = append(conds, "id > ?")
		args = append(args, f.AfterID)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// isUniqueViolation matches the dialect-specific unique constraint errors
// without depending on driver error types.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // modernc sqlite
		strings.Contains(msg, "duplicate key value") // lib/pq
}

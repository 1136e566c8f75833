package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/verigate/api-gate/internal/models"
)

// Bucket layouts for the time-keyed stats tables. Both sort lexically.
const (
	dayLayout  = "2006-01-02"
	hourLayout = "2006-01-02 15"
)

// StatBucket is one counter window of the day or hour table.
type StatBucket struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

// StatsSnapshot is a read-only export of the running totals plus both
// bucket maps, for dashboards to aggregate over.
type StatsSnapshot struct {
	TotalRequests      int64                 `json:"total_requests"`
	SuccessfulRequests int64                 `json:"successful_requests"`
	FailedRequests     int64                 `json:"failed_requests"`
	Daily              map[string]StatBucket `json:"daily_stats"`
	Hourly             map[string]StatBucket `json:"hourly_stats"`
}

// UsageStats maintains the request counters: one running total plus
// per-day and per-hour buckets, all moved together in one transaction.
type UsageStats struct {
	db  *sql.DB
	now func() time.Time
}

// NewUsageStats creates the stats accessor backed by the store.
func NewUsageStats(s *Store) *UsageStats {
	return &UsageStats{db: s.db, now: time.Now}
}

// RecordOutcome counts one gated request as successful or failed in the
// totals and in the current day and hour buckets. Challenge-fetch
// requests are not counted; they would drown the dashboards.
func (u *UsageStats) RecordOutcome(ctx context.Context, success bool, endpoint string) error {
	if endpoint == models.EventChallengeFetch {
		return nil
	}

	now := u.now()
	day := now.Format(dayLayout)
	hour := now.Format(hourLayout)

	okDelta, failDelta := int64(1), int64(0)
	if !success {
		okDelta, failDelta = 0, 1
	}

	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin stats transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
UPDATE stats SET
	total_requests = total_requests + 1,
	successful_requests = successful_requests + ?,
	failed_requests = failed_requests + ?
WHERE id = 1`, okDelta, failDelta); err != nil {
		return fmt.Errorf("failed to update totals: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO daily_stats (day, total, successful, failed) VALUES (?, 1, ?, ?)
ON CONFLICT(day) DO UPDATE SET
	total = total + 1,
	successful = successful + excluded.successful,
	failed = failed + excluded.failed`, day, okDelta, failDelta); err != nil {
		return fmt.Errorf("failed to update daily bucket: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO hourly_stats (hour, total, successful, failed) VALUES (?, 1, ?, ?)
ON CONFLICT(hour) DO UPDATE SET
	total = total + 1,
	successful = successful + excluded.successful,
	failed = failed + excluded.failed`, hour, okDelta, failDelta); err != nil {
		return fmt.Errorf("failed to update hourly bucket: %w", err)
	}

	return tx.Commit()
}

// Snapshot reads the totals and both bucket maps.
func (u *UsageStats) Snapshot(ctx context.Context) (*StatsSnapshot, error) {
	snap := &StatsSnapshot{
		Daily:  make(map[string]StatBucket),
		Hourly: make(map[string]StatBucket),
	}

	if err := u.db.QueryRowContext(ctx,
		`SELECT total_requests, successful_requests, failed_requests FROM stats WHERE id = 1`).
		Scan(&snap.TotalRequests, &snap.SuccessfulRequests, &snap.FailedRequests); err != nil {
		return nil, fmt.Errorf("failed to read totals: %w", err)
	}

	if err := u.readBuckets(ctx, `SELECT day, total, successful, failed FROM daily_stats`, snap.Daily); err != nil {
		return nil, err
	}
	if err := u.readBuckets(ctx, `SELECT hour, total, successful, failed FROM hourly_stats`, snap.Hourly); err != nil {
		return nil, err
	}
	return snap, nil
}

func (u *UsageStats) readBuckets(ctx context.Context, query string, dst map[string]StatBucket) error {
	rows, err := u.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to read stat buckets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var b StatBucket
		if err := rows.Scan(&key, &b.Total, &b.Successful, &b.Failed); err != nil {
			return err
		}
		dst[key] = b
	}
	return rows.Err()
}

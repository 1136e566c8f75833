package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/verigate/api-gate/internal/models"
)

// SuppressedID is returned by Append when the entry was intentionally not
// written. Real ids start at 1.
const SuppressedID int64 = 0

const activityTimeLayout = "2006-01-02 03:04:05 PM"

// ActivityLog is the append-only audit trail of request outcomes.
type ActivityLog struct {
	db  *sql.DB
	now func() time.Time
}

// NewActivityLog creates the activity log backed by the store.
func NewActivityLog(s *Store) *ActivityLog {
	return &ActivityLog{db: s.db, now: time.Now}
}

// Append writes one activity entry and returns its id. Entries with no
// audit value are suppressed and SuppressedID is returned: anything on the
// challenge-fetch endpoint, and successes whose detail carries no subject
// name. Failures are always kept (challenge fetches aside).
func (l *ActivityLog) Append(ctx context.Context, apiKey, eventType string, detail models.ActivityDetail, success bool, sourceAddr string) (int64, error) {
	if eventType == models.EventChallengeFetch || detail.Endpoint == models.EventChallengeFetch {
		return SuppressedID, nil
	}
	if success && detail.SubjectName == "" {
		return SuppressedID, nil
	}

	payload, err := json.Marshal(detail)
	if err != nil {
		return SuppressedID, fmt.Errorf("failed to marshal activity detail: %w", err)
	}

	res, err := l.db.ExecContext(ctx, `
INSERT INTO activity (timestamp, api_key, event_type, detail, success, source_addr)
VALUES (?, ?, ?, ?, ?, ?)`,
		l.now().Format(activityTimeLayout), apiKey, eventType, string(payload), success, sourceAddr)
	if err != nil {
		return SuppressedID, fmt.Errorf("failed to append activity: %w", err)
	}
	return res.LastInsertId()
}

// Page returns one page of entries in descending-id order plus the true
// total count. Pages are 1-based; an out-of-range page yields an empty
// slice, never an error.
func (l *ActivityLog) Page(ctx context.Context, page, size int) ([]models.ActivityEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}

	var total int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activity`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count activity: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, `
SELECT id, timestamp, api_key, event_type, detail, success, source_addr
FROM activity ORDER BY id DESC LIMIT ? OFFSET ?`, size, (page-1)*size)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to page activity: %w", err)
	}
	defer rows.Close()

	entries := []models.ActivityEntry{}
	for rows.Next() {
		var e models.ActivityEntry
		var payload string
		var sourceAddr sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.APIKey, &e.EventType, &payload, &e.Success, &sourceAddr); err != nil {
			return nil, 0, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Detail); err != nil {
			return nil, 0, fmt.Errorf("failed to decode detail of activity %d: %w", e.ID, err)
		}
		e.SourceAddr = sourceAddr.String
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// DeleteOne removes a single entry. Returns false if no such id existed.
func (l *ActivityLog) DeleteOne(ctx context.Context, id int64) (bool, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM activity WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete activity %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteMany removes the given entries, or every entry when ids is empty.
func (l *ActivityLog) DeleteMany(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		if _, err := l.db.ExecContext(ctx, `DELETE FROM activity`); err != nil {
			return fmt.Errorf("failed to clear activity: %w", err)
		}
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM activity WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete activities: %w", err)
	}
	return nil
}

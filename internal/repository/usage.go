package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CountScreenshotsFromDate sums the screenshot bucket counts recorded for
// an account's projects from the given instant to now. This is the usage
// figure the subscription resolver meters against plan quotas; it is a pure
// read, webhook processing never touches buckets.
func (q *Queries) CountScreenshotsFromDate(ctx context.Context, accountID uuid.UUID, from time.Time) (int64, error) {
	var total sql.NullInt64
	err := q.db.QueryRowContext(ctx, `
		SELECT SUM(sb.screenshot_count)
		FROM screenshot_buckets sb
		JOIN projects pr ON pr.id = sb.project_id
		WHERE pr.account_id = $1
		  AND sb.created_at >= $2`,
		accountID, from,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count screenshots: %w", err)
	}
	if !total.Valid {
		return 0, nil
	}
	return total.Int64, nil
}

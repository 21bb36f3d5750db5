package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/argos-ci/argos/internal/domain"
)

// CreateScreenshot records one named capture inside a bucket.
func (q *Queries) CreateScreenshot(ctx context.Context, bucketID uuid.UUID, name, storageKey string) (*domain.Screenshot, error) {
	var s domain.Screenshot
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO screenshots (screenshot_bucket_id, name, storage_key)
		VALUES ($1, $2, $3)
		RETURNING id, screenshot_bucket_id, name, storage_key, created_at`,
		bucketID, name, storageKey,
	).Scan(&s.ID, &s.ScreenshotBucketID, &s.Name, &s.StorageKey, &s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create screenshot: %w", err)
	}
	return &s, nil
}

// ListScreenshotsForBuild returns all screenshots uploaded for a build,
// across its buckets, ordered by name.
func (q *Queries) ListScreenshotsForBuild(ctx context.Context, buildID uuid.UUID) ([]domain.Screenshot, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT s.id, s.screenshot_bucket_id, s.name, s.storage_key, s.created_at
		FROM screenshots s
		JOIN screenshot_buckets sb ON sb.id = s.screenshot_bucket_id
		WHERE sb.build_id = $1
		ORDER BY s.name`,
		buildID)
	if err != nil {
		return nil, fmt.Errorf("list screenshots for build: %w", err)
	}
	defer rows.Close()

	var screenshots []domain.Screenshot
	for rows.Next() {
		var s domain.Screenshot
		if err := rows.Scan(&s.ID, &s.ScreenshotBucketID, &s.Name, &s.StorageKey, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan screenshot: %w", err)
		}
		screenshots = append(screenshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list screenshots for build: %w", err)
	}
	return screenshots, nil
}

// FindBaselineBuild returns the most recent completed build of the project
// created before the given build, or nil when the project has none. It is
// the reference a new build's screenshots are compared against.
func (q *Queries) FindBaselineBuild(ctx context.Context, projectID, beforeBuildID uuid.UUID) (*domain.Build, error) {
	var b domain.Build
	err := q.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, status, created_at
		FROM builds
		WHERE project_id = $1
		  AND status = 'completed'
		  AND created_at < (SELECT created_at FROM builds WHERE id = $2)
		ORDER BY created_at DESC
		LIMIT 1`,
		projectID, beforeBuildID,
	).Scan(&b.ID, &b.ProjectID, &b.Name, &b.Status, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find baseline build: %w", err)
	}
	return &b, nil
}

// CreateScreenshotDiffParams holds the fields for recording a comparison
// outcome.
type CreateScreenshotDiffParams struct {
	BuildID          uuid.UUID
	Name             string
	BaseScreenshotID *uuid.UUID
	HeadScreenshotID uuid.UUID
	Changed          bool
	DiffRatio        float64
	DiffStorageKey   string
}

// CreateScreenshotDiff records the comparison outcome for one capture.
func (q *Queries) CreateScreenshotDiff(ctx context.Context, params CreateScreenshotDiffParams) (*domain.ScreenshotDiff, error) {
	var d domain.ScreenshotDiff
	var baseID uuid.NullUUID
	var diffKey sql.NullString

	err := q.db.QueryRowContext(ctx, `
		INSERT INTO screenshot_diffs
		    (build_id, name, base_screenshot_id, head_screenshot_id, changed, diff_ratio, diff_storage_key)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		RETURNING id, build_id, name, base_screenshot_id, head_screenshot_id,
		          changed, diff_ratio, diff_storage_key, created_at`,
		params.BuildID, params.Name, params.BaseScreenshotID, params.HeadScreenshotID,
		params.Changed, params.DiffRatio, params.DiffStorageKey,
	).Scan(&d.ID, &d.BuildID, &d.Name, &baseID, &d.HeadScreenshotID,
		&d.Changed, &d.DiffRatio, &diffKey, &d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create screenshot diff: %w", err)
	}
	if baseID.Valid {
		d.BaseScreenshotID = &baseID.UUID
	}
	d.DiffStorageKey = diffKey.String
	return &d, nil
}

// ListDiffsForBuild returns the recorded comparison outcomes of a build,
// ordered by name.
func (q *Queries) ListDiffsForBuild(ctx context.Context, buildID uuid.UUID) ([]domain.ScreenshotDiff, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, build_id, name, base_screenshot_id, head_screenshot_id,
		       changed, diff_ratio, diff_storage_key, created_at
		FROM screenshot_diffs
		WHERE build_id = $1
		ORDER BY name`,
		buildID)
	if err != nil {
		return nil, fmt.Errorf("list diffs for build: %w", err)
	}
	defer rows.Close()

	var diffs []domain.ScreenshotDiff
	for rows.Next() {
		var d domain.ScreenshotDiff
		var baseID uuid.NullUUID
		var diffKey sql.NullString
		if err := rows.Scan(&d.ID, &d.BuildID, &d.Name, &baseID, &d.HeadScreenshotID,
			&d.Changed, &d.DiffRatio, &diffKey, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan screenshot diff: %w", err)
		}
		if baseID.Valid {
			d.BaseScreenshotID = &baseID.UUID
		}
		d.DiffStorageKey = diffKey.String
		diffs = append(diffs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list diffs for build: %w", err)
	}
	return diffs, nil
}

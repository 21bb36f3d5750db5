package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/argos-ci/argos/internal/domain"
)

// GetProject retrieves a project by ID.
func (q *Queries) GetProject(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	var p domain.Project
	err := q.db.QueryRowContext(ctx,
		`SELECT id, account_id, name FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.AccountID, &p.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("project.get", "project", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// CreateBuild inserts a new pending build for a project.
func (q *Queries) CreateBuild(ctx context.Context, projectID uuid.UUID, name string) (*domain.Build, error) {
	var b domain.Build
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO builds (project_id, name)
		VALUES ($1, $2)
		RETURNING id, project_id, name, status, created_at`,
		projectID, name,
	).Scan(&b.ID, &b.ProjectID, &b.Name, &b.Status, &b.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}
	return &b, nil
}

// GetBuild retrieves a build by ID.
func (q *Queries) GetBuild(ctx context.Context, id uuid.UUID) (*domain.Build, error) {
	var b domain.Build
	err := q.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, status, created_at FROM builds WHERE id = $1`, id,
	).Scan(&b.ID, &b.ProjectID, &b.Name, &b.Status, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("build.get", "build", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}
	return &b, nil
}

// ClaimBuildForUpload transitions a build from pending to uploaded and
// reports whether this caller won the transition. A build accepts exactly
// one screenshot upload; a replayed or concurrent upload finds the build
// already claimed.
func (q *Queries) ClaimBuildForUpload(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE builds
		SET status = 'uploaded', updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("claim build for upload: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim build for upload: %w", err)
	}
	return n > 0, nil
}

// UpdateBuildStatus transitions a build to the given status.
func (q *Queries) UpdateBuildStatus(ctx context.Context, id uuid.UUID, status domain.BuildStatus) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE builds SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update build status: %w", err)
	}
	return nil
}

// CreateScreenshotBucket records an uploaded batch of screenshots.
// The count feeds the usage counter for the project's account.
func (q *Queries) CreateScreenshotBucket(ctx context.Context, projectID, buildID uuid.UUID, count int64) (*domain.ScreenshotBucket, error) {
	var sb domain.ScreenshotBucket
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO screenshot_buckets (project_id, build_id, screenshot_count)
		VALUES ($1, $2, $3)
		RETURNING id, project_id, build_id, screenshot_count, created_at`,
		projectID, buildID, count,
	).Scan(&sb.ID, &sb.ProjectID, &sb.BuildID, &sb.ScreenshotCount, &sb.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create screenshot bucket: %w", err)
	}
	return &sb, nil
}

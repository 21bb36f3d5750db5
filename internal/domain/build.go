// Package domain contains core business types and interfaces.
//
// This file defines the build and screenshot bucket types produced by
// screenshot ingestion. Bucket screenshot counts are the billable events the
// subscription resolver meters against plan quotas.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// BuildStatus tracks a build through diff processing.
type BuildStatus string

const (
	BuildStatusPending    BuildStatus = "pending"
	BuildStatusUploaded   BuildStatus = "uploaded"
	BuildStatusProcessing BuildStatus = "processing"
	BuildStatusCompleted  BuildStatus = "completed"
	BuildStatusFailed     BuildStatus = "failed"
)

// Build is one screenshot comparison run for a project.
type Build struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	Name      string
	Status    BuildStatus
	CreatedAt time.Time
}

// ScreenshotBucket groups the screenshots uploaded for a build.
// Its ScreenshotCount feeds the usage counter.
type ScreenshotBucket struct {
	ID              uuid.UUID
	ProjectID       uuid.UUID
	BuildID         uuid.UUID
	ScreenshotCount int64
	CreatedAt       time.Time
}

// Screenshot is one named capture inside a bucket. The name identifies the
// same capture across builds, which is how baselines pair up with new
// captures.
type Screenshot struct {
	ID                 uuid.UUID
	ScreenshotBucketID uuid.UUID
	Name               string
	StorageKey         string
	CreatedAt          time.Time
}

// ScreenshotDiff records the comparison outcome for one named capture of a
// build against its baseline. A nil BaseScreenshotID marks a new capture
// with no baseline counterpart.
type ScreenshotDiff struct {
	ID               uuid.UUID
	BuildID          uuid.UUID
	Name             string
	BaseScreenshotID *uuid.UUID
	HeadScreenshotID uuid.UUID
	Changed          bool
	DiffRatio        float64
	DiffStorageKey   string
	CreatedAt        time.Time
}

// Project ties builds and screenshot buckets to the account billed for them.
type Project struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Name      string
}

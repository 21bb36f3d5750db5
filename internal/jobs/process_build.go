// Package jobs implements the background job handlers.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/argos-ci/argos/internal/domain"
	"github.com/argos-ci/argos/internal/repository"
	"github.com/argos-ci/argos/internal/service"
	"github.com/argos-ci/argos/internal/storage"
	"github.com/argos-ci/argos/internal/worker"
)

// maxConcurrentDiffs limits concurrent image comparisons; diffing large
// captures is memory-heavy.
const maxConcurrentDiffs = 4

// Thumbnail bounds for the previews the build API serves.
const (
	thumbnailMaxWidth  = 400
	thumbnailMaxHeight = 300
)

// ProcessBuildHandler diffs a finalized build's screenshots against the
// project's baseline build and records the outcomes.
type ProcessBuildHandler struct {
	queries *repository.Queries
	differ  service.DiffProcessor
	storage storage.Storage
	logger  *slog.Logger
}

// NewProcessBuildHandler creates a handler for build processing jobs.
func NewProcessBuildHandler(
	queries *repository.Queries,
	differ service.DiffProcessor,
	storage storage.Storage,
	logger *slog.Logger,
) *ProcessBuildHandler {
	return &ProcessBuildHandler{
		queries: queries,
		differ:  differ,
		storage: storage,
		logger:  logger,
	}
}

// Type returns the job type identifier.
func (h *ProcessBuildHandler) Type() string {
	return worker.JobTypeProcessBuild
}

// Handle executes one build processing job.
//
// The baseline is the project's most recent completed build. Captures
// present in both builds are pixel-diffed; captures new to this build are
// recorded as changed with no baseline reference. A project's first build
// has no baseline and completes with every capture marked new.
func (h *ProcessBuildHandler) Handle(ctx context.Context, payload []byte) error {
	var p worker.ProcessBuildPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return worker.NewPermanentError(fmt.Errorf("invalid payload: %w", err))
	}

	logger := h.logger.With("build_id", p.BuildID)
	logger.Info("processing build")

	build, err := h.queries.GetBuild(ctx, p.BuildID)
	if err != nil {
		if domain.ErrorCode(err) == domain.ENOTFOUND {
			return worker.NewPermanentError(fmt.Errorf("build not found: %w", err))
		}
		return fmt.Errorf("fetch build: %w", err)
	}

	switch build.Status {
	case domain.BuildStatusUploaded, domain.BuildStatusProcessing:
		// A retried job may find the build already in processing.
	default:
		return worker.NewPermanentError(fmt.Errorf("invalid build status: %s", build.Status))
	}

	if err := h.queries.UpdateBuildStatus(ctx, build.ID, domain.BuildStatusProcessing); err != nil {
		return fmt.Errorf("update build status to processing: %w", err)
	}

	if err := h.diffBuild(ctx, build, logger); err != nil {
		if statusErr := h.queries.UpdateBuildStatus(ctx, build.ID, domain.BuildStatusFailed); statusErr != nil {
			logger.Error("failed to mark build as failed", "error", statusErr)
		}
		return err
	}

	if err := h.queries.UpdateBuildStatus(ctx, build.ID, domain.BuildStatusCompleted); err != nil {
		return fmt.Errorf("update build status to completed: %w", err)
	}
	logger.Info("build completed")
	return nil
}

func (h *ProcessBuildHandler) diffBuild(ctx context.Context, build *domain.Build, logger *slog.Logger) error {
	headScreenshots, err := h.queries.ListScreenshotsForBuild(ctx, build.ID)
	if err != nil {
		return fmt.Errorf("list head screenshots: %w", err)
	}

	baseline, err := h.queries.FindBaselineBuild(ctx, build.ProjectID, build.ID)
	if err != nil {
		return fmt.Errorf("find baseline build: %w", err)
	}

	baseByName := make(map[string]domain.Screenshot)
	if baseline != nil {
		baseScreenshots, err := h.queries.ListScreenshotsForBuild(ctx, baseline.ID)
		if err != nil {
			return fmt.Errorf("list baseline screenshots: %w", err)
		}
		for _, s := range baseScreenshots {
			baseByName[s.Name] = s
		}
		logger.Info("comparing against baseline",
			"baseline_build_id", baseline.ID, "baseline_screenshots", len(baseByName))
	} else {
		logger.Info("no baseline build, all captures are new")
	}

	var failCount atomic.Int32
	sem := make(chan struct{}, maxConcurrentDiffs)
	var wg sync.WaitGroup

	for _, head := range headScreenshots {
		wg.Add(1)
		sem <- struct{}{}

		go func(head domain.Screenshot) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := h.diffScreenshot(ctx, build, head, baseByName); err != nil {
				logger.Error("screenshot diff failed", "name", head.Name, "error", err)
				failCount.Add(1)
			}
		}(head)
	}
	wg.Wait()

	if n := failCount.Load(); n > 0 {
		return fmt.Errorf("%d of %d screenshot diffs failed", n, len(headScreenshots))
	}
	return nil
}

// diffScreenshot compares one named capture against its baseline counterpart
// and records the outcome.
func (h *ProcessBuildHandler) diffScreenshot(
	ctx context.Context,
	build *domain.Build,
	head domain.Screenshot,
	baseByName map[string]domain.Screenshot,
) error {
	headData, err := h.fetchScreenshot(ctx, head.StorageKey)
	if err != nil {
		return fmt.Errorf("fetch head: %w", err)
	}
	if err := h.storeThumbnail(ctx, head, headData); err != nil {
		return fmt.Errorf("store thumbnail: %w", err)
	}

	base, ok := baseByName[head.Name]
	if !ok {
		// New capture: nothing to compare, record it as changed so the
		// build surfaces it for review.
		_, err := h.queries.CreateScreenshotDiff(ctx, repository.CreateScreenshotDiffParams{
			BuildID:          build.ID,
			Name:             head.Name,
			HeadScreenshotID: head.ID,
			Changed:          true,
			DiffRatio:        1,
		})
		return err
	}

	baseData, err := h.fetchScreenshot(ctx, base.StorageKey)
	if err != nil {
		return fmt.Errorf("fetch baseline: %w", err)
	}

	diff, err := h.differ.Compare(bytes.NewReader(baseData), bytes.NewReader(headData))
	if err != nil {
		return fmt.Errorf("compare: %w", err)
	}

	var diffKey string
	if diff.Changed && diff.Image != nil {
		diffKey = storage.DiffKey(build.ID)
		err := h.storage.Put(ctx, diffKey, bytes.NewReader(diff.Image), storage.PutOptions{
			ContentType: "image/png",
		})
		if err != nil {
			return fmt.Errorf("store diff image: %w", err)
		}
	}

	_, err = h.queries.CreateScreenshotDiff(ctx, repository.CreateScreenshotDiffParams{
		BuildID:          build.ID,
		Name:             head.Name,
		BaseScreenshotID: &base.ID,
		HeadScreenshotID: head.ID,
		Changed:          diff.Changed,
		DiffRatio:        diff.Ratio,
		DiffStorageKey:   diffKey,
	})
	return err
}

// storeThumbnail renders and stores the JPEG preview for a capture.
// Overwrite keeps retried jobs idempotent.
func (h *ProcessBuildHandler) storeThumbnail(ctx context.Context, head domain.Screenshot, data []byte) error {
	thumb, err := h.differ.Thumbnail(bytes.NewReader(data), thumbnailMaxWidth, thumbnailMaxHeight)
	if err != nil {
		return err
	}
	return h.storage.Put(ctx, storage.ThumbnailKey(head.ID), bytes.NewReader(thumb), storage.PutOptions{
		ContentType: "image/jpeg",
		Overwrite:   true,
	})
}

func (h *ProcessBuildHandler) fetchScreenshot(ctx context.Context, key string) ([]byte, error) {
	reader, _, err := h.storage.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// This file implements build and screenshot ingestion.
//
// Routes:
//   - POST /builds                        -> CreateBuild
//   - POST /builds/{id}/screenshots       -> UploadScreenshots
//   - GET  /builds/{id}                   -> GetBuild
//
// CI runners create a build, upload its screenshots in one multipart
// request, and poll the build until diffing completes.
package handler

import (
	"context"
	"database/sql"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/argos-ci/argos/internal/domain"
	"github.com/argos-ci/argos/internal/metrics"
	"github.com/argos-ci/argos/internal/repository"
	"github.com/argos-ci/argos/internal/service"
	"github.com/argos-ci/argos/internal/storage"
	"github.com/argos-ci/argos/internal/worker"
)

// maxUploadSize caps a screenshot upload request at 100MB.
const maxUploadSize = 100 << 20

// thumbnailURLTTL is how long a presigned thumbnail link stays valid.
const thumbnailURLTTL = 15 * time.Minute

// BuildHandler handles build creation and screenshot ingestion.
type BuildHandler struct {
	db            *sql.DB
	queries       *repository.Queries
	subscriptions *service.SubscriptionService
	store         storage.Storage
	logger        *slog.Logger
}

// NewBuildHandler creates a new BuildHandler. Screenshot ingestion finalizes
// uploads in a single transaction, so it takes the database handle directly.
func NewBuildHandler(db *sql.DB, subscriptions *service.SubscriptionService, store storage.Storage, logger *slog.Logger) *BuildHandler {
	return &BuildHandler{
		db:            db,
		queries:       repository.New(db),
		subscriptions: subscriptions,
		store:         store,
		logger:        logger,
	}
}

// RegisterRoutes registers build routes on the provided mux.
func (h *BuildHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /builds", h.CreateBuild)
	mux.HandleFunc("POST /builds/{id}/screenshots", h.UploadScreenshots)
	mux.HandleFunc("GET /builds/{id}", h.GetBuild)
}

type createBuildRequest struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

type buildResponse struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateBuild opens a new build for a project. The project's account must
// have screenshot capacity left in its current billing period; accounts
// over quota get a 402 and no build.
func (h *BuildHandler) CreateBuild(w http.ResponseWriter, r *http.Request) {
	const op = "handler.create_build"
	ctx := r.Context()

	var req createBuildRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if req.Name == "" {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "name is required"))
		return
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "project_id must be a valid UUID"))
		return
	}

	project, err := h.queries.GetProject(ctx, projectID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	account, err := h.queries.GetAccount(ctx, project.AccountID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	sub := h.subscriptions.Resolve(account)
	outOfCapacity, err := sub.IsOutOfCapacity(ctx)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if outOfCapacity {
		ErrorResponse(w, r, h.logger, domain.OutOfCapacity(op, account.Slug))
		return
	}

	build, err := h.queries.CreateBuild(ctx, project.ID, req.Name)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	metrics.BuildsCreated.Inc()

	h.logger.Info("build created",
		"build_id", build.ID, "project_id", project.ID, "name", build.Name)
	writeJSON(w, http.StatusCreated, toBuildResponse(build))
}

// UploadScreenshots ingests a build's screenshots from a multipart form.
// Each file part's form name is the capture name used to pair it with the
// baseline.
//
// Files go to object storage first; only once every file is stored does one
// transaction claim the build, record the screenshot bucket that meters
// usage and enqueue diff processing. A failed upload therefore never leaves
// metered rows behind, and a replayed upload (a CI retry) gets a 409 instead
// of a second bucket.
func (h *BuildHandler) UploadScreenshots(w http.ResponseWriter, r *http.Request) {
	const op = "handler.upload_screenshots"
	ctx := r.Context()

	buildID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "build id must be a valid UUID"))
		return
	}

	build, err := h.queries.GetBuild(ctx, buildID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if build.Status != domain.BuildStatusPending {
		ErrorResponse(w, r, h.logger,
			domain.Conflict(op, "screenshots were already uploaded for this build"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "malformed multipart upload"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	var uploads []screenshotUpload
	for name, headers := range r.MultipartForm.File {
		if len(headers) == 0 {
			continue
		}
		uploads = append(uploads, screenshotUpload{name: name, header: headers[0]})
	}
	if len(uploads) == 0 {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "upload contains no screenshot files"))
		return
	}

	stored := make([]storedScreenshot, 0, len(uploads))
	for _, up := range uploads {
		s, err := h.putScreenshot(ctx, op, build.ID, up)
		if err != nil {
			ErrorResponse(w, r, h.logger, err)
			return
		}
		stored = append(stored, s)
	}

	err = repository.InTx(ctx, h.db, func(q *repository.Queries) error {
		claimed, err := q.ClaimBuildForUpload(ctx, build.ID)
		if err != nil {
			return err
		}
		if !claimed {
			return domain.Conflict(op, "screenshots were already uploaded for this build")
		}

		bucket, err := q.CreateScreenshotBucket(ctx, build.ProjectID, build.ID, int64(len(stored)))
		if err != nil {
			return err
		}
		for _, s := range stored {
			if _, err := q.CreateScreenshot(ctx, bucket.ID, s.name, s.key); err != nil {
				return err
			}
		}

		_, err = worker.EnqueueProcessBuild(ctx, q, build.ID)
		return err
	})
	if err != nil {
		// The rollback leaves orphaned objects in storage; they meter
		// nothing and a retried upload stores fresh keys.
		ErrorResponse(w, r, h.logger, err)
		return
	}
	metrics.ScreenshotsUploaded.Add(float64(len(stored)))

	h.logger.Info("screenshots uploaded",
		"build_id", build.ID, "count", len(stored))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"build_id":         build.ID,
		"screenshot_count": len(stored),
	})
}

type screenshotUpload struct {
	name   string
	header *multipart.FileHeader
}

// storedScreenshot is a capture whose file made it to object storage.
type storedScreenshot struct {
	name string
	key  string
}

func (h *BuildHandler) putScreenshot(ctx context.Context, op string, buildID uuid.UUID, up screenshotUpload) (storedScreenshot, error) {
	contentType := up.header.Header.Get("Content-Type")
	if !storage.IsAllowedScreenshotType(contentType) {
		return storedScreenshot{}, domain.Invalid(op, "unsupported screenshot content type "+contentType)
	}

	file, err := up.header.Open()
	if err != nil {
		return storedScreenshot{}, domain.Internal(err, op, "failed to read uploaded file")
	}
	defer file.Close()

	key := storage.ScreenshotKey(buildID, up.header.Filename)
	if err := h.store.Put(ctx, key, file, storage.PutOptions{
		ContentType: contentType,
		MaxSize:     storage.MaxScreenshotSize,
	}); err != nil {
		return storedScreenshot{}, domain.Internal(err, op, "failed to store screenshot")
	}
	return storedScreenshot{name: up.name, key: key}, nil
}

type diffResponse struct {
	Name         string    `json:"name"`
	Changed      bool      `json:"changed"`
	DiffRatio    float64   `json:"diff_ratio"`
	New          bool      `json:"new"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// GetBuild returns a build's status and, once diff processing has run, the
// per-capture comparison results.
func (h *BuildHandler) GetBuild(w http.ResponseWriter, r *http.Request) {
	const op = "handler.get_build"
	ctx := r.Context()

	buildID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "build id must be a valid UUID"))
		return
	}

	build, err := h.queries.GetBuild(ctx, buildID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	diffs, err := h.queries.ListDiffsForBuild(ctx, build.ID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	diffBodies := make([]diffResponse, 0, len(diffs))
	for _, d := range diffs {
		thumbURL, err := h.store.URL(ctx, storage.ThumbnailKey(d.HeadScreenshotID), thumbnailURLTTL)
		if err != nil {
			h.logger.Warn("thumbnail URL unavailable",
				"build_id", build.ID, "screenshot_id", d.HeadScreenshotID, "error", err)
		}
		diffBodies = append(diffBodies, diffResponse{
			Name:         d.Name,
			Changed:      d.Changed,
			DiffRatio:    d.DiffRatio,
			New:          d.BaseScreenshotID == nil,
			ThumbnailURL: thumbURL,
			CreatedAt:    d.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"build": toBuildResponse(build),
		"diffs": diffBodies,
	})
}

func toBuildResponse(build *domain.Build) buildResponse {
	return buildResponse{
		ID:        build.ID,
		ProjectID: build.ProjectID,
		Name:      build.Name,
		Status:    string(build.Status),
		CreatedAt: build.CreatedAt,
	}
}

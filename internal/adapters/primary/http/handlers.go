// Package http adapts ports.SessionService onto a Fiber HTTP surface
// (spec §6.2): upload, status, compact status, download and cancellation.
package http

import (
	"mime/multipart"

	"github.com/gofiber/fiber/v2"

	"extraction-worker/internal/core/domain"
	"extraction-worker/internal/core/ports"
	pkgerrors "extraction-worker/pkg/errors"
	"extraction-worker/pkg/validator"
)

// SessionHandler handles HTTP requests for the session pipeline.
type SessionHandler struct {
	sessions ports.SessionService
	validate *validator.Validator
	validCfg *validator.Config
}

func NewSessionHandler(sessions ports.SessionService, validCfg *validator.Config) *SessionHandler {
	if validCfg == nil {
		validCfg = validator.DefaultConfig()
	}
	return &SessionHandler{sessions: sessions, validate: validator.New(validCfg), validCfg: validCfg}
}

// Upload handles POST /sessions/upload (spec §6.2).
func (h *SessionHandler) Upload(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid multipart form", "details": err.Error()})
	}

	fileHeaders := form.File["files"]
	if err := h.validate.ValidateUploadCount(len(fileHeaders), h.validCfg); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	for _, fh := range fileHeaders {
		if err := h.validate.ValidateFile(fh, h.validCfg); err != nil {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{"error": err.Error()})
		}
	}

	modelID := c.FormValue("modelId")

	files := make([]ports.UploadedFile, 0, len(fileHeaders))
	for _, fh := range fileHeaders {
		fh := fh
		files = append(files, ports.UploadedFile{
			Name: fh.Filename,
			Size: fh.Size,
			Open: func() (multipart.File, error) { return fh.Open() },
		})
	}

	session, jobs, err := h.sessions.Create(c.Context(), userIDFromRequest(c), files, modelID)
	if err != nil {
		return writeAppError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"sessionId":  session.ID,
		"totalFiles": session.TotalFiles,
		"totalPages": session.TotalPages,
		"jobs":       jobSummaries(jobs),
	})
}

// GetStatus handles GET /sessions/{id} (full status view).
func (h *SessionHandler) GetStatus(c *fiber.Ctx) error {
	id := c.Params("id")
	view, err := h.sessions.GetStatus(c.Context(), id)
	if err != nil {
		return writeAppError(c, err)
	}
	return c.JSON(fiber.Map{
		"sessionId":      view.Session.ID,
		"status":         view.Session.Status,
		"totalFiles":     view.Session.TotalFiles,
		"totalPages":     view.Session.TotalPages,
		"processedPages": view.Session.ProcessedPages,
		"progress":       view.Progress,
		"completedJobs":  view.CompletedJobs,
		"failedJobs":     view.FailedJobs,
		"userCredits":    view.UserCredits,
		"jobs":           jobSummaries(view.Jobs),
		"createdAt":      view.Session.CreatedAt,
		"expiresAt":      view.Session.ExpiresAt,
	})
}

// GetCompactStatus handles GET /sessions/{id}/status (compact polling view).
func (h *SessionHandler) GetCompactStatus(c *fiber.Ctx) error {
	id := c.Params("id")
	view, err := h.sessions.GetStatus(c.Context(), id)
	if err != nil {
		return writeAppError(c, err)
	}
	return c.JSON(fiber.Map{
		"sessionId": view.Session.ID,
		"status":    view.Session.Status,
		"progress":  view.Progress,
	})
}

// Download handles GET /sessions/{id}/download (spec §6.2).
func (h *SessionHandler) Download(c *fiber.Ctx) error {
	id := c.Params("id")
	r, filename, err := h.sessions.Download(c.Context(), id)
	if err != nil {
		return writeAppError(c, err)
	}
	c.Set(fiber.HeaderContentType, "application/zip")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+filename+`"`)
	return c.SendStream(r)
}

// Cancel handles DELETE /sessions/{id} (idempotent after EXPIRED/COMPLETED).
func (h *SessionHandler) Cancel(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.sessions.Cancel(c.Context(), id); err != nil {
		if pkgerrors.Is(err, pkgerrors.InvalidInput) {
			return c.SendStatus(fiber.StatusNoContent) // already terminal: idempotent
		}
		return writeAppError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func jobSummaries(jobs []*domain.Job) []fiber.Map {
	out := make([]fiber.Map, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, fiber.Map{
			"jobId":           j.ID,
			"parentJobId":     j.ParentJobID,
			"fileName":        j.FileName,
			"splitPageNumber": j.SplitPageNumber,
			"status":          j.Status,
			"newFileName":     j.NewFileName,
			"error":           j.Error,
		})
	}
	return out
}

func writeAppError(c *fiber.Ctx, err error) error {
	appErr, ok := err.(*pkgerrors.AppError)
	if !ok {
		appErr = pkgerrors.Wrap(err, pkgerrors.StorageUnavailable, "REQUEST_FAILED", err.Error())
	}
	return c.Status(appErr.HTTPStatus).JSON(pkgerrors.NewErrorResponse(appErr))
}

// userIDFromRequest resolves the caller's identity. Authentication itself
// is out of scope; this reads a header a front door would have set.
func userIDFromRequest(c *fiber.Ctx) string {
	if uid := c.Get("X-User-Id"); uid != "" {
		return uid
	}
	return "anonymous"
}

package http

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"extraction-worker/internal/core/domain"
	"extraction-worker/internal/core/ports"
	pkgerrors "extraction-worker/pkg/errors"
)

// fakeSessionService is a hand-rolled ports.SessionService double; no mocking
// library appears anywhere in the pack for this shape.
type fakeSessionService struct {
	session     *domain.Session
	jobs        []*domain.Job
	getErr      error
	cancelErr   error
	downloadErr error
}

func (f *fakeSessionService) Create(_ context.Context, _ string, _ []ports.UploadedFile, _ string) (*domain.Session, []*domain.Job, error) {
	return f.session, f.jobs, f.getErr
}

func (f *fakeSessionService) GetStatus(_ context.Context, _ string) (*ports.SessionStatusView, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &ports.SessionStatusView{
		Session:       f.session,
		Progress:      f.session.Progress(),
		CompletedJobs: 1,
		FailedJobs:    0,
		UserCredits:   10,
		Jobs:          f.jobs,
	}, nil
}

func (f *fakeSessionService) Cancel(_ context.Context, _ string) error {
	return f.cancelErr
}

func (f *fakeSessionService) Download(_ context.Context, _ string) (io.Reader, string, error) {
	if f.downloadErr != nil {
		return nil, "", f.downloadErr
	}
	return bytes.NewReader([]byte("PK\x03\x04")), "session.zip", nil
}

var _ ports.SessionService = (*fakeSessionService)(nil)

func TestGetStatusNotFound(t *testing.T) {
	svc := &fakeSessionService{getErr: pkgerrors.NewNotFound("session x")}
	h := NewSessionHandler(svc, nil)
	app := fiber.New()
	app.Get("/sessions/:id", h.GetStatus)

	req := httptest.NewRequest("GET", "/sessions/missing", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestGetStatusSuccess(t *testing.T) {
	svc := &fakeSessionService{
		session: &domain.Session{ID: "s1", Status: domain.SessionCompleted, TotalPages: 4, ProcessedPages: 4},
		jobs:    []*domain.Job{{ID: "j1", ParentJobID: "p1", Status: domain.JobCompleted}},
	}
	h := NewSessionHandler(svc, nil)
	app := fiber.New()
	app.Get("/sessions/:id", h.GetStatus)

	req := httptest.NewRequest("GET", "/sessions/s1", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestGetCompactStatusSuccess(t *testing.T) {
	svc := &fakeSessionService{
		session: &domain.Session{ID: "s1", Status: domain.SessionProcessing, TotalPages: 4, ProcessedPages: 2},
	}
	h := NewSessionHandler(svc, nil)
	app := fiber.New()
	app.Get("/sessions/:id/status", h.GetCompactStatus)

	req := httptest.NewRequest("GET", "/sessions/s1/status", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestCancelIdempotentAfterTerminal(t *testing.T) {
	svc := &fakeSessionService{cancelErr: pkgerrors.NewInvalidInput("session already in a terminal state")}
	h := NewSessionHandler(svc, nil)
	app := fiber.New()
	app.Delete("/sessions/:id", h.Cancel)

	req := httptest.NewRequest("DELETE", "/sessions/s1", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
}

func TestCancelPropagatesOtherErrors(t *testing.T) {
	svc := &fakeSessionService{cancelErr: pkgerrors.NewNotFound("session x")}
	h := NewSessionHandler(svc, nil)
	app := fiber.New()
	app.Delete("/sessions/:id", h.Cancel)

	req := httptest.NewRequest("DELETE", "/sessions/s1", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestDownloadReturnsGoneWhenExpired(t *testing.T) {
	svc := &fakeSessionService{downloadErr: pkgerrors.NewSessionExpired("s1")}
	h := NewSessionHandler(svc, nil)
	app := fiber.New()
	app.Get("/sessions/:id/download", h.Download)

	req := httptest.NewRequest("GET", "/sessions/s1/download", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusGone, resp.StatusCode)
}

func TestUploadRejectsNoFiles(t *testing.T) {
	svc := &fakeSessionService{}
	h := NewSessionHandler(svc, nil)
	app := fiber.New()
	app.Post("/sessions/upload", h.Upload)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.Close())

	req := httptest.NewRequest("POST", "/sessions/upload", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestUserIDFromRequestDefaultsAnonymous(t *testing.T) {
	app := fiber.New()
	var captured string
	app.Get("/", func(c *fiber.Ctx) error {
		captured = userIDFromRequest(c)
		return c.SendString("ok")
	})
	req := httptest.NewRequest("GET", "/", nil)
	_, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", captured)

	app2 := fiber.New()
	app2.Get("/", func(c *fiber.Ctx) error {
		captured = userIDFromRequest(c)
		return c.SendString("ok")
	})
	req2 := httptest.NewRequest("GET", "/", nil)
	req2.Header.Set("X-User-Id", "user-42")
	_, err = app2.Test(req2)
	require.NoError(t, err)
	assert.Equal(t, "user-42", captured)
}

package builds

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptsmith/backend/internal/auth"
	"github.com/promptsmith/backend/internal/middleware"
	"github.com/promptsmith/backend/internal/models"
)

func newMux(h *Handler, userID uuid.UUID) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/builds", h.Submit)
	mux.HandleFunc("GET /api/v1/builds", h.List)
	mux.HandleFunc("GET /api/v1/builds/{id}", h.Get)
	mux.HandleFunc("GET /api/v1/builds/{id}/poll", h.Poll)
	mux.HandleFunc("GET /api/v1/builds/{id}/events", h.Events)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r.WithContext(middleware.WithIdentity(r.Context(), auth.Identity{UserID: userID})))
	})
}

func TestHandler_SubmitAndGet(t *testing.T) {
	f := newFixture(models.PlanFree, 1)
	userID := uuid.New()
	srv := newMux(NewHandler(f.svc, nil), userID)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/builds", strings.NewReader(`{"bot":"writer","request":"a poem"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var created BuildResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "queued", created.Status)
	assert.Nil(t, created.Result)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/builds/"+created.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/builds", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list []BuildResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/builds", strings.NewReader(`{"bot":"writer","request":"again"}`)))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.JSONEq(t, `{"error":"insufficient_credit"}`, rec.Body.String())
}

func TestHandler_SubmitInvalidBody(t *testing.T) {
	f := newFixture(models.PlanFree, 1)
	srv := newMux(NewHandler(f.svc, nil), uuid.New())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/builds", strings.NewReader(`{"bot":""}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1, f.credits.balance())
}

func TestHandler_GetNotFound(t *testing.T) {
	f := newFixture(models.PlanFree, 1)
	srv := newMux(NewHandler(f.svc, nil), uuid.New())

	for _, path := range []string{"/api/v1/builds/not-a-uuid", "/api/v1/builds/" + uuid.NewString()} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestHandler_PollValidation(t *testing.T) {
	f := newFixture(models.PlanFree, 1)
	userID := uuid.New()
	srv := newMux(NewHandler(f.svc, nil), userID)
	b, _ := f.svc.Submit(context.Background(), userID, "writer", "x")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/builds/"+b.ID.String()+"/poll?since=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/builds/"+b.ID.String()+"/poll?since=queued&wait=40ms", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got BuildResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "queued", got.Status)
}

func TestHandler_EventsStream(t *testing.T) {
	f := newFixture(models.PlanFree, 1)
	userID := uuid.New()
	srv := httptest.NewServer(newMux(NewHandler(f.svc, nil), userID))
	defer srv.Close()
	b, _ := f.svc.Submit(context.Background(), userID, "writer", "x")

	go func() {
		time.Sleep(40 * time.Millisecond)
		_, _ = f.svc.MarkInProgress(context.Background(), b.ID)
		_, _ = f.svc.MarkComplete(context.Background(), b.ID, "done")
	}()

	resp, err := http.Get(srv.URL + "/api/v1/builds/" + b.ID.String() + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := string(raw)
	assert.Contains(t, out, "event: status")
	assert.Contains(t, out, `"status":"queued"`)
	assert.Contains(t, out, `"status":"complete"`)
	assert.Contains(t, out, `"result":"done"`)
}

package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/promptsmith/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type recordingBuilds struct {
	mu          sync.Mutex
	inProgress  int
	completed   *string
	failReason  string
	progressErr error
	stalled     int
}

func (r *recordingBuilds) MarkInProgress(_ context.Context, id uuid.UUID) (*models.Build, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.progressErr != nil {
		return nil, r.progressErr
	}
	r.inProgress++
	return &models.Build{ID: id, Status: models.BuildStatusInProgress}, nil
}

func (r *recordingBuilds) MarkComplete(_ context.Context, id uuid.UUID, result string) (*models.Build, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = &result
	return &models.Build{ID: id, Status: models.BuildStatusComplete, Result: &result}, nil
}

func (r *recordingBuilds) MarkFailed(_ context.Context, id uuid.UUID, reason string) (*models.Build, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failReason = reason
	return &models.Build{ID: id, Status: models.BuildStatusFailed, FailureReason: &reason}, nil
}

func (r *recordingBuilds) FailStalled(context.Context, time.Duration) (int, error) {
	return r.stalled, nil
}

func newJob(attempt, maxAttempts int) *river.Job[GenerateBuildArgs] {
	return &river.Job[GenerateBuildArgs]{
		JobRow: &rivertype.JobRow{ID: 1, Attempt: attempt, MaxAttempts: maxAttempts},
		Args:   GenerateBuildArgs{BuildID: uuid.New(), UserID: uuid.New(), Bot: "writer", Request: "a limerick"},
	}
}

func newWorker(t *testing.T, builds BuildService, url string) *GenerateBuildWorker {
	t.Helper()
	w, err := NewGenerateBuildWorker(builds, url, nil)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}

func generator(status int, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestWork_Success(t *testing.T) {
	var got generatorRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"result":"There once was a gopher..."}`)
	}))
	defer srv.Close()

	builds := &recordingBuilds{}
	job := newJob(1, 5)
	if err := newWorker(t, builds, srv.URL).Work(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if builds.inProgress != 1 {
		t.Fatalf("expected MarkInProgress once, got %d", builds.inProgress)
	}
	if builds.completed == nil || *builds.completed != "There once was a gopher..." {
		t.Fatalf("unexpected result %v", builds.completed)
	}
	if got.BuildID != job.Args.BuildID.String() || got.Bot != "writer" || got.Request != "a limerick" {
		t.Fatalf("unexpected generator request %+v", got)
	}
}

func TestWork_GeneratorReportsError(t *testing.T) {
	srv := generator(http.StatusOK, `{"error":{"code":"refused","message":"cannot do that"}}`)
	defer srv.Close()

	builds := &recordingBuilds{}
	if err := newWorker(t, builds, srv.URL).Work(context.Background(), newJob(1, 5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if builds.failReason != models.FailureWorkerError {
		t.Fatalf("expected worker_error, got %q", builds.failReason)
	}
	if builds.completed != nil {
		t.Fatal("failed build must not be completed")
	}
}

func TestWork_InvalidOutput(t *testing.T) {
	for _, body := range []string{`{"answer":"x"}`, `{"result":""}`, `{"result":42}`, `not json`, `{"result":"x","error":{"message":"y"}}`} {
		srv := generator(http.StatusOK, body)
		builds := &recordingBuilds{}
		if err := newWorker(t, builds, srv.URL).Work(context.Background(), newJob(1, 5)); err != nil {
			t.Fatalf("%s: unexpected error: %v", body, err)
		}
		if builds.failReason != models.FailureInvalidOutput {
			t.Fatalf("%s: expected invalid_output, got %q", body, builds.failReason)
		}
		srv.Close()
	}
}

func TestWork_ClientErrorFailsImmediately(t *testing.T) {
	srv := generator(http.StatusBadRequest, `{}`)
	defer srv.Close()

	builds := &recordingBuilds{}
	if err := newWorker(t, builds, srv.URL).Work(context.Background(), newJob(1, 5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if builds.failReason != models.FailureWorkerError {
		t.Fatalf("expected worker_error, got %q", builds.failReason)
	}
}

func TestWork_ServerErrorRetriesThenFails(t *testing.T) {
	srv := generator(http.StatusServiceUnavailable, `{}`)
	defer srv.Close()

	builds := &recordingBuilds{}
	w := newWorker(t, builds, srv.URL)
	if err := w.Work(context.Background(), newJob(1, 5)); err == nil {
		t.Fatal("expected an error so River retries")
	}
	if builds.failReason != "" {
		t.Fatalf("build must stay open while retries remain, got %q", builds.failReason)
	}
	if err := w.Work(context.Background(), newJob(5, 5)); err != nil {
		t.Fatalf("last attempt should fail the build, got %v", err)
	}
	if builds.failReason != models.FailureUnreachable {
		t.Fatalf("expected worker_unreachable, got %q", builds.failReason)
	}
}

func TestWork_UnreachableGenerator(t *testing.T) {
	srv := generator(http.StatusOK, `{}`)
	url := srv.URL
	srv.Close()

	builds := &recordingBuilds{}
	if err := newWorker(t, builds, url).Work(context.Background(), newJob(2, 5)); err == nil {
		t.Fatal("expected network error to be returned for retry")
	}
}

func TestWork_AlreadyTerminalSkips(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	builds := &recordingBuilds{progressErr: fmt.Errorf("%w: failed", models.ErrBuildTerminal)}
	if err := newWorker(t, builds, srv.URL).Work(context.Background(), newJob(1, 5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatal("generator must not be called for a terminal build")
	}
}

func TestWork_MissingBuildCancelsJob(t *testing.T) {
	builds := &recordingBuilds{progressErr: models.ErrBuildNotFound}
	err := newWorker(t, builds, "http://127.0.0.1:0").Work(context.Background(), newJob(1, 5))
	if err == nil || !errors.Is(err, models.ErrBuildNotFound) {
		t.Fatalf("expected job cancellation wrapping ErrBuildNotFound, got %v", err)
	}
}

func TestSweepWorker(t *testing.T) {
	w := NewSweepStalledBuildsWorker(&recordingBuilds{stalled: 2}, 15*time.Minute, nil)
	job := &river.Job[SweepStalledBuildsArgs]{JobRow: &rivertype.JobRow{ID: 2, Attempt: 1, MaxAttempts: 1}}
	if err := w.Work(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if SweepPeriodicJob(time.Minute) == nil {
		t.Fatal("expected a periodic job")
	}
}

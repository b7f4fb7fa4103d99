package execution

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/promptsmith/backend/internal/models"
)

const maxResponseBytes = 4 << 20

//go:embed schemas/generator_response.json
var generatorResponseSchema string

type GenerateBuildArgs struct {
	BuildID uuid.UUID `json:"build_id"`
	UserID  uuid.UUID `json:"user_id"`
	Bot     string    `json:"bot"`
	Request string    `json:"request"`
}

func (GenerateBuildArgs) Kind() string { return "generate_build" }

// BuildService defines the contract the worker needs to report progress and outcome.
type BuildService interface {
	MarkInProgress(ctx context.Context, id uuid.UUID) (*models.Build, error)
	MarkComplete(ctx context.Context, id uuid.UUID, result string) (*models.Build, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*models.Build, error)
}

type generatorRequest struct {
	BuildID string `json:"build_id"`
	Bot     string `json:"bot"`
	Request string `json:"request"`
}

type generatorResponse struct {
	Result *string `json:"result"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type GenerateBuildWorker struct {
	river.WorkerDefaults[GenerateBuildArgs]
	builds       BuildService
	generatorURL string
	httpClient   *http.Client
	schema       *jsonschema.Schema
	log          *slog.Logger
}

func NewGenerateBuildWorker(builds BuildService, generatorURL string, log *slog.Logger) (*GenerateBuildWorker, error) {
	if log == nil {
		log = slog.Default()
	}
	schema, err := jsonschema.CompileString("https://promptsmith.dev/schemas/generator_response.json", generatorResponseSchema)
	if err != nil {
		return nil, fmt.Errorf("compile generator response schema: %w", err)
	}
	return &GenerateBuildWorker{
		builds:       builds,
		generatorURL: generatorURL,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		schema:       schema,
		log:          log,
	}, nil
}

// Timeout bounds one attempt, including the generator call.
func (w *GenerateBuildWorker) Timeout(*river.Job[GenerateBuildArgs]) time.Duration {
	return 2 * time.Minute
}

func (w *GenerateBuildWorker) Work(ctx context.Context, job *river.Job[GenerateBuildArgs]) error {
	args := job.Args
	log := w.log.With("build_id", args.BuildID, "attempt", job.Attempt)

	if _, err := w.builds.MarkInProgress(ctx, args.BuildID); err != nil {
		switch {
		case errors.Is(err, models.ErrBuildTerminal):
			log.Info("Build already terminal, skipping generation")
			return nil
		case errors.Is(err, models.ErrBuildNotFound):
			return river.JobCancel(err)
		}
		return fmt.Errorf("mark build in progress: %w", err)
	}

	body, err := json.Marshal(generatorRequest{BuildID: args.BuildID.String(), Bot: args.Bot, Request: args.Request})
	if err != nil {
		return w.fail(ctx, log, args.BuildID, models.FailureWorkerError, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.generatorURL, bytes.NewReader(body))
	if err != nil {
		return w.fail(ctx, log, args.BuildID, models.FailureWorkerError, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return w.retryOrFail(ctx, log, job, fmt.Errorf("network error calling generator: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return w.retryOrFail(ctx, log, job, fmt.Errorf("generator returned status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return w.fail(ctx, log, args.BuildID, models.FailureWorkerError, fmt.Errorf("generator returned status %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return w.retryOrFail(ctx, log, job, fmt.Errorf("read generator response: %w", err))
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return w.fail(ctx, log, args.BuildID, models.FailureInvalidOutput, err)
	}
	if err := w.schema.Validate(doc); err != nil {
		return w.fail(ctx, log, args.BuildID, models.FailureInvalidOutput, err)
	}
	var out generatorResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return w.fail(ctx, log, args.BuildID, models.FailureInvalidOutput, err)
	}
	if out.Error != nil {
		return w.fail(ctx, log, args.BuildID, models.FailureWorkerError, fmt.Errorf("generator error %s: %s", out.Error.Code, out.Error.Message))
	}

	if _, err := w.builds.MarkComplete(ctx, args.BuildID, *out.Result); err != nil {
		if errors.Is(err, models.ErrBuildTerminal) {
			log.Warn("Build became terminal before completion was recorded")
			return nil
		}
		return fmt.Errorf("failed to mark build complete: %w", err)
	}
	log.Info("Build completed")
	return nil
}

// retryOrFail hands transient errors back to River until the last attempt, which fails the build.
func (w *GenerateBuildWorker) retryOrFail(ctx context.Context, log *slog.Logger, job *river.Job[GenerateBuildArgs], cause error) error {
	if job.Attempt < job.MaxAttempts {
		log.Warn("Generator call failed, will retry", "error", cause)
		return cause
	}
	return w.fail(ctx, log, job.Args.BuildID, models.FailureUnreachable, cause)
}

func (w *GenerateBuildWorker) fail(ctx context.Context, log *slog.Logger, id uuid.UUID, reason string, cause error) error {
	log.Warn("Build failed", "reason", reason, "error", errors.Join(models.ErrBuildWorkerFailure, cause))
	if _, err := w.builds.MarkFailed(ctx, id, reason); err != nil {
		if errors.Is(err, models.ErrBuildTerminal) {
			return nil
		}
		return fmt.Errorf("build failed (%s) AND failed to mark it failed: %w", reason, err)
	}
	return nil
}

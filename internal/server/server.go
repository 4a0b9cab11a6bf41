package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"cofounder/internal/checkpoint"
	"cofounder/internal/contextstore"
	"cofounder/internal/domain"
	"cofounder/internal/engine"
	"cofounder/internal/repo"
	"cofounder/internal/router"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unknown_category"`
	Message string         `json:"message" example:"unknown context category: foo"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, msg string, details map[string]any) *apiError {
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: msg, Details: details}}
}

// mapErr translates engine errors to the API envelope.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, router.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "invalid_input", "tell me what you need; the request was empty", nil)
	case errors.Is(err, contextstore.ErrUnknownCategory):
		return newAPIError(http.StatusBadRequest, "unknown_category", err.Error(), nil)
	case errors.Is(err, checkpoint.ErrCorrupt):
		return newAPIError(http.StatusConflict, "checkpoint_corrupt", err.Error(), nil)
	case errors.Is(err, checkpoint.ErrNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal", err.Error(), nil)
	}
}

// New returns an HTTP handler exposing the cofounder API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	r := chi.NewRouter()
	r.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Cofounder API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.Servers = []*huma.Server{{URL: basePath}}
	api := humachi.New(r, hcfg)

	registerHealth(api, basePath)
	registerRequests(api, cfg.Engine, basePath)
	registerTasks(api, cfg.Engine, basePath)
	registerCheckpoints(api, cfg.Engine, basePath)
	registerContext(api, cfg.Engine, basePath)
	registerEvents(api, cfg.Engine, basePath)
	return r, nil
}

type healthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
	}
}

func registerHealth(api huma.API, basePath string) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        basePath + "/health",
		Summary:     "Liveness check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
}

type requestInput struct {
	Body struct {
		Text string `json:"text" doc:"Free-text user request"`
		Run  bool   `json:"run,omitempty" doc:"Run an autonomous task synchronously"`
	}
}

type requestOutput struct {
	Body engine.Response
}

func registerRequests(api huma.API, eng engine.Engine, basePath string) {
	huma.Register(api, huma.Operation{
		OperationID: "route-request",
		Method:      http.MethodPost,
		Path:        basePath + "/requests",
		Summary:     "Classify and dispatch a user request",
	}, func(ctx context.Context, in *requestInput) (*requestOutput, error) {
		resp, err := eng.HandleRequest(ctx, in.Body.Text)
		if err != nil {
			return nil, mapErr(err)
		}
		if in.Body.Run && resp.Task != nil {
			t, err := eng.RunTask(ctx, resp.Task.ID)
			if err != nil {
				return nil, mapErr(err)
			}
			resp.Task = &t
		}
		return &requestOutput{Body: resp}, nil
	})
}

type taskListOutput struct {
	Body struct {
		Items []domain.Task `json:"items"`
	}
}

type taskGetInput struct {
	ID string `path:"id"`
}

type taskOutput struct {
	Body domain.Task
}

func registerTasks(api huma.API, eng engine.Engine, basePath string) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        basePath + "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, in *struct {
		Status string `query:"status" enum:"pending,running,completed,failed,paused" required:"false"`
		Limit  int    `query:"limit" default:"50"`
	}) (*taskListOutput, error) {
		items, err := eng.Repo.ListTasks(ctx, in.Status, in.Limit)
		if err != nil {
			return nil, mapErr(err)
		}
		out := &taskListOutput{}
		out.Body.Items = items
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        basePath + "/tasks/{id}",
		Summary:     "Get a task with its steps",
	}, func(ctx context.Context, in *taskGetInput) (*taskOutput, error) {
		t, err := eng.Repo.GetTaskWithSteps(ctx, in.ID)
		if err != nil {
			return nil, mapErr(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-task",
		Method:      http.MethodPost,
		Path:        basePath + "/tasks/{id}/run",
		Summary:     "Run a pending or paused task to a terminal state",
	}, func(ctx context.Context, in *taskGetInput) (*taskOutput, error) {
		t, err := eng.RunTask(ctx, in.ID)
		if err != nil {
			return nil, mapErr(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-task",
		Method:      http.MethodPost,
		Path:        basePath + "/tasks/{id}/pause",
		Summary:     "Request a running task to pause at the next step boundary",
	}, func(ctx context.Context, in *taskGetInput) (*struct{}, error) {
		if err := eng.RequestPause(ctx, in.ID); err != nil {
			return nil, mapErr(err)
		}
		return &struct{}{}, nil
	})

	// Cancellation is pause-at-boundary: the task ends up paused with a
	// checkpoint, resumable later.
	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        basePath + "/tasks/{id}/cancel",
		Summary:     "Cancel a running task at the next step boundary",
	}, func(ctx context.Context, in *taskGetInput) (*struct{}, error) {
		if err := eng.RequestPause(ctx, in.ID); err != nil {
			return nil, mapErr(err)
		}
		return &struct{}{}, nil
	})
}

type checkpointListOutput struct {
	Body struct {
		Items []domain.Checkpoint `json:"items"`
	}
}

func registerCheckpoints(api huma.API, eng engine.Engine, basePath string) {
	huma.Register(api, huma.Operation{
		OperationID: "list-checkpoints",
		Method:      http.MethodGet,
		Path:        basePath + "/checkpoints",
		Summary:     "List checkpoints, newest first",
	}, func(ctx context.Context, _ *struct{}) (*checkpointListOutput, error) {
		items, err := eng.Checkpoints.List()
		if err != nil {
			return nil, mapErr(err)
		}
		out := &checkpointListOutput{}
		out.Body.Items = items
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-checkpoint",
		Method:      http.MethodPost,
		Path:        basePath + "/checkpoints/{id}/resume",
		Summary:     "Rebuild a task from a checkpoint and run it",
	}, func(ctx context.Context, in *taskGetInput) (*taskOutput, error) {
		t, err := eng.Resume(ctx, in.ID)
		if err != nil {
			return nil, mapErr(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-checkpoint",
		Method:      http.MethodDelete,
		Path:        basePath + "/checkpoints/{id}",
		Summary:     "Delete a checkpoint",
	}, func(ctx context.Context, in *taskGetInput) (*struct{}, error) {
		if err := eng.Checkpoints.Delete(in.ID); err != nil {
			return nil, mapErr(err)
		}
		return &struct{}{}, nil
	})
}

type contextSnapshotOutput struct {
	Body contextstore.Snapshot
}

func registerContext(api huma.API, eng engine.Engine, basePath string) {
	huma.Register(api, huma.Operation{
		OperationID: "get-context",
		Method:      http.MethodGet,
		Path:        basePath + "/context",
		Summary:     "Get a bounded context snapshot",
	}, func(ctx context.Context, in *struct {
		MaxTokens int `query:"max_tokens" default:"4000"`
	}) (*contextSnapshotOutput, error) {
		snap, err := eng.Store.GetSnapshot(ctx, in.MaxTokens)
		if err != nil {
			return nil, mapErr(err)
		}
		return &contextSnapshotOutput{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "append-context",
		Method:      http.MethodPost,
		Path:        basePath + "/context/{category}",
		Summary:     "Append an entry to a context category",
	}, func(ctx context.Context, in *struct {
		Category string `path:"category"`
		Body     struct {
			Content  string         `json:"content"`
			Metadata map[string]any `json:"metadata,omitempty"`
		}
	}) (*struct{}, error) {
		if err := eng.Store.Append(ctx, in.Category, in.Body.Content, in.Body.Metadata); err != nil {
			return nil, mapErr(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "prune-context",
		Method:      http.MethodPost,
		Path:        basePath + "/context/prune",
		Summary:     "Prune the context store to its budget",
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		if err := eng.Store.Prune(ctx); err != nil {
			return nil, mapErr(err)
		}
		return &struct{}{}, nil
	})
}

type eventsOutput struct {
	Body struct {
		Items []domain.Event `json:"items"`
	}
}

func registerEvents(api huma.API, eng engine.Engine, basePath string) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        basePath + "/events",
		Summary:     "Read the progress event log",
	}, func(ctx context.Context, in *struct {
		After int64 `query:"after" doc:"Return events with id greater than this cursor"`
		Limit int   `query:"limit" default:"100"`
	}) (*eventsOutput, error) {
		var items []domain.Event
		var err error
		if in.After > 0 {
			items, err = eng.Repo.EventsAfter(ctx, in.After, in.Limit)
		} else {
			items, err = eng.Repo.LatestEvents(ctx, in.Limit, "", "")
		}
		if err != nil {
			return nil, mapErr(err)
		}
		out := &eventsOutput{}
		out.Body.Items = items
		return out, nil
	})
}

// Serve runs the handler on addr until ctx is canceled.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	}
}

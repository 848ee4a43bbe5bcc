package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"taskpilot/internal/app"
	"taskpilot/internal/domain"
	"taskpilot/internal/engine"
	"taskpilot/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Runtime  *app.Runtime
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task 3f2a not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"change_id\":\"c1\"}"`
}

// apiError models the error envelope returned by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the taskpilot API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("server: runtime is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	rt := cfg.Runtime
	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("taskpilot API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, rt)
	registerTasks(group, rt)
	registerChanges(group, rt)
	registerEvents(group, rt)
	registerTools(group, rt)
	registerOpenAPI(router, api, basePath, cfg.Auth.enabled())

	return otelhttp.NewHandler(router, "taskpilot.api"), nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, domain.ErrNotActive) || errors.Is(err, engine.ErrCancelled) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var re *domain.RevertError
	if errors.As(err, &re) {
		return newAPIError(http.StatusConflict, "revert_failed", err.Error(), map[string]any{"change_id": re.ChangeID, "path": re.Path})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas, basePath)
			}
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>taskpilot API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Queue counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TaskCountsResponse `json:"body"`
	}, error) {
		c := rt.Store.Counts()
		return &struct {
			Body TaskCountsResponse `json:"body"`
		}{Body: TaskCountsResponse(c)}, nil
	})
}

func registerTasks(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Enqueue task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Description) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "description is required", map[string]any{"field": "description"})
		}
		priority := domain.PriorityNormal
		if input.Body.Priority != nil {
			p, err := domain.ParsePriority(*input.Body.Priority)
			if err != nil {
				return nil, handleError(err)
			}
			priority = p
		}
		goal := input.Body.Description
		if input.Body.Goal != nil && strings.TrimSpace(*input.Body.Goal) != "" {
			goal = *input.Body.Goal
		}
		task := domain.NewTask(input.Body.Description, goal, priority).WithDependencies(input.Body.Dependencies...)
		if input.Body.ID != nil && *input.Body.ID != "" {
			task.ID = *input.Body.ID
		}
		for k, v := range input.Body.Metadata {
			task.Metadata[k] = v
		}
		if p, ok := principalFromContext(ctx); ok {
			task.Metadata["submitted_by"] = p.Subject
		}
		id, err := rt.Submit(ctx, task)
		if err != nil {
			return nil, handleError(err)
		}
		created, ok := rt.Store.StatusOf(id)
		if !ok {
			created = task
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(created)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"queued,running,completed,failed,cancelled"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		history, err := rt.Repo.ListTaskHistory(ctx, input.Status, 0)
		if err != nil {
			return nil, handleError(err)
		}
		items := mergeTasks(rt.Store.ListAll(), history, domain.Status(input.Status))
		limit := normalizeLimit(input.Limit)
		if len(items) > limit {
			items = items[:limit]
		}
		out := make([]TaskResponse, 0, len(items))
		for _, t := range items {
			out = append(out, taskResponse(t))
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := lookupTask(ctx, rt, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/cancel",
		Summary:     "Cancel task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body *CancelTaskRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		current, err := lookupTask(ctx, rt, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if current.Status.IsTerminal() {
			return nil, newAPIError(http.StatusConflict, "conflict", fmt.Sprintf("task %s is already %s", input.ID, current.Status), map[string]any{"status": string(current.Status)})
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		if err := rt.Engine.Cancel(ctx, input.ID, reason); err != nil {
			return nil, handleError(err)
		}
		t, err := lookupTask(ctx, rt, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revert-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/revert",
		Summary:     "Revert task changes",
		Errors:      []int{http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RevertResponse `json:"body"`
	}, error) {
		ids, err := rt.Revert.RevertTask(ctx, input.ID)
		if err != nil {
			apiErr := handleError(err)
			if e, ok := apiErr.(*apiError); ok {
				if e.Body.Details == nil {
					e.Body.Details = map[string]any{}
				}
				e.Body.Details["reverted"] = nonNilSlice(ids)
			}
			return nil, apiErr
		}
		return &struct {
			Body RevertResponse `json:"body"`
		}{Body: RevertResponse{TaskID: input.ID, Reverted: nonNilSlice(ids)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-changes",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/changes",
		Summary:     "List task changes",
	}, func(ctx context.Context, input *struct {
		ID              string `path:"id"`
		IncludeReverted bool   `query:"include_reverted"`
	}) (*struct {
		Body []ChangeResponse `json:"body"`
	}, error) {
		var (
			list []domain.Change
			err  error
		)
		if input.IncludeReverted {
			list, err = rt.Changes.History(ctx, input.ID)
		} else {
			list, err = rt.Changes.TaskChanges(ctx, input.ID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ChangeResponse `json:"body"`
		}{Body: mapChanges(list)}, nil
	})
}

func registerChanges(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "list-changes",
		Method:      http.MethodGet,
		Path:        "/changes",
		Summary:     "List all recorded changes",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ChangeResponse `json:"body"`
	}, error) {
		list, err := rt.Changes.AllChanges(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ChangeResponse `json:"body"`
		}{Body: mapChanges(list)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revert-change",
		Method:      http.MethodPost,
		Path:        "/changes/{id}/revert",
		Summary:     "Revert one change",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		ok, err := rt.Revert.RevertChange(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"change_id": input.ID, "reverted": ok}}, nil
	})
}

func registerEvents(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List timeline events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TaskID string `query:"task_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := rt.Repo.ListEvents(ctx, repo.EventFilter{TaskID: input.TaskID, Type: input.Type, AfterID: cursorID, Limit: limit + 1})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerTools(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tools",
		Method:      http.MethodGet,
		Path:        "/tools",
		Summary:     "List registered tools",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ToolResponse `json:"body"`
	}, error) {
		infos := rt.Tools.ListTools()
		out := make([]ToolResponse, 0, len(infos))
		for _, info := range infos {
			out = append(out, toolResponse(info))
		}
		return &struct {
			Body []ToolResponse `json:"body"`
		}{Body: out}, nil
	})
}

// lookupTask prefers the live store and falls back to the persisted history,
// which also holds tasks from earlier runs.
func lookupTask(ctx context.Context, rt *app.Runtime, id string) (domain.Task, error) {
	if t, ok := rt.Store.StatusOf(id); ok {
		return t, nil
	}
	return rt.Repo.GetTask(ctx, id)
}

// mergeTasks combines live tasks with history rows, newest first. Live state
// wins for tasks present in both.
func mergeTasks(live, history []domain.Task, status domain.Status) []domain.Task {
	seen := make(map[string]struct{}, len(live))
	out := make([]domain.Task, 0, len(live)+len(history))
	for _, t := range live {
		seen[t.ID] = struct{}{}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	for _, t := range history {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func mapChanges(items []domain.Change) []ChangeResponse {
	out := make([]ChangeResponse, 0, len(items))
	for _, c := range items {
		out = append(out, changeResponse(c))
	}
	return out
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"threadline/internal/domain"
	"threadline/internal/events"
	"threadline/internal/gate"
	"threadline/internal/ledger"
	"threadline/internal/orchestrator"
	"threadline/internal/repo"
	"threadline/internal/tracker"
)

// Config for the HTTP API handler.
type Config struct {
	Ledger   ledger.Ledger
	Tracker  tracker.Tracker
	Orch     *orchestrator.Orchestrator
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"identity_boundary"`
	Message string         `json:"message" example:"identity boundary violation"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Threadline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Ledger.Repo))
	hcfg := huma.DefaultConfig("Threadline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerThreads(group, cfg.Ledger)
	registerEvents(group, cfg.Ledger, cfg.Tracker)
	registerDecisions(group, cfg.Ledger)
	registerActions(group, cfg.Ledger, cfg.Tracker)
	registerSnapshots(group, cfg.Ledger)
	registerCheckpoints(group, cfg.Ledger)
	registerPoints(group, cfg.Tracker)
	registerSignals(group, cfg.Orch)
	registerOrchestrator(group, cfg.Ledger, cfg.Tracker, cfg.Orch)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Ledger)

	return router, nil
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
	if errors.Is(err, domain.ErrIdentityBoundary) {
		return newAPIError(http.StatusForbidden, "identity_boundary", err.Error(), nil)
	}
	var re gate.ResolvedError
	if errors.As(err, &re) {
		return newAPIError(http.StatusConflict, "checkpoint_resolved", err.Error(), map[string]any{"checkpoint_id": re.ID, "status": re.Status})
	}
	var ce tracker.ClosedError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "point_closed", err.Error(), map[string]any{"point_id": ce.ID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "archived"),
		strings.Contains(lowered, "already completed"),
		strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusLocked:
		return "checkpoint_required"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

// parseCompositeCursor splits a "created_at|id" pagination cursor.
func parseCompositeCursor(cursor string) (string, string, bool) {
	if cursor == "" {
		return "", "", true
	}
	idx := strings.LastIndex(cursor, "|")
	if idx <= 0 || idx == len(cursor)-1 {
		return "", "", false
	}
	return cursor[:idx], cursor[idx+1:], true
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>Threadline API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
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

func registerThreads(api huma.API, l ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-thread",
		Method:        http.MethodPost,
		Path:          "/threads",
		Summary:       "Create thread",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateThreadRequest `json:"body"`
	}) (*struct {
		Body ThreadResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.FoundingIntent == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "founding_intent is required", nil)
		}
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sphere := l.Config.Identity.Sphere
		if input.Body.SphereID != nil {
			sphere = *input.Body.SphereID
		}
		t, err := l.CreateThread(ctx, ledger.CreateThreadOptions{
			IdentityID:     principal.IdentityID,
			SphereID:       sphere,
			Title:          input.Body.Title,
			FoundingIntent: input.Body.FoundingIntent,
			Actor:          principal.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ThreadResponse `json:"body"`
		}{Body: threadResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-threads",
		Method:      http.MethodGet,
		Path:        "/threads",
		Summary:     "List threads",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"active,paused,archived,"`
		SphereID string `query:"sphere_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedThreads `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cursorCreatedAt, cursorID, ok := parseCompositeCursor(input.Cursor)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := l.ListThreads(ctx, repo.ThreadFilters{
			IdentityID:      principal.IdentityID,
			Status:          input.Status,
			SphereID:        input.SphereID,
			Limit:           input.Limit,
			CursorCreatedAt: cursorCreatedAt,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		body := paginatedThreads{Items: mapThreads(items)}
		if input.Limit > 0 && len(items) == input.Limit {
			last := items[len(items)-1]
			cursor := last.CreatedAt + "|" + last.ID
			body.NextCursor = &cursor
		}
		return &struct {
			Body paginatedThreads `json:"body"`
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-thread",
		Method:      http.MethodGet,
		Path:        "/threads/{thread_id}",
		Summary:     "Get thread",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ThreadID string `path:"thread_id"`
	}) (*struct {
		Body ThreadResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := l.GetThread(ctx, principal.IdentityID, input.ThreadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ThreadResponse `json:"body"`
		}{Body: threadResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-thread",
		Method:      http.MethodPatch,
		Path:        "/threads/{thread_id}",
		Summary:     "Update thread metadata",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ThreadID string              `path:"thread_id"`
		Body     UpdateThreadRequest `json:"body"`
	}) (*struct {
		Body ThreadResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := l.UpdateThread(ctx, principal.IdentityID, input.ThreadID, input.Body.Title, input.Body.SphereID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ThreadResponse `json:"body"`
		}{Body: threadResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refine-intent",
		Method:      http.MethodPost,
		Path:        "/threads/{thread_id}/refine-intent",
		Summary:     "Refine the thread's current intent",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ThreadID string              `path:"thread_id"`
		Body     RefineIntentRequest `json:"body"`
	}) (*struct {
		Body ThreadResponse `json:"body"`
	}, error) {
		if input.Body.Intent == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "intent is required", nil)
		}
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := l.RefineIntent(ctx, principal.IdentityID, input.ThreadID, input.Body.Intent, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ThreadResponse `json:"body"`
		}{Body: threadResponse(t)}, nil
	})

	for _, op := range []struct {
		id, route, status string
	}{
		{"pause-thread", "/threads/{thread_id}/pause", "paused"},
		{"resume-thread", "/threads/{thread_id}/resume", "active"},
		{"archive-thread", "/threads/{thread_id}/archive", "archived"},
	} {
		status := op.status
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.route,
			Summary:     "Set thread status to " + op.status,
			Errors: []int{
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusUnprocessableEntity,
			},
		}, func(ctx context.Context, input *struct {
			ThreadID string `path:"thread_id"`
		}) (*struct {
			Body ThreadResponse `json:"body"`
		}, error) {
			principal, authErr := requirePrincipal(ctx)
			if authErr != nil {
				return nil, authErr
			}
			t, err := l.SetThreadStatus(ctx, principal.IdentityID, input.ThreadID, status, principal.UserID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body ThreadResponse `json:"body"`
			}{Body: threadResponse(t)}, nil
		})
	}
}

// appendEventOutput carries either the written event (201) or the blocking
// checkpoint (423 with the id echoed in X-Checkpoint-Id).
type appendEventOutput struct {
	Status       int
	CheckpointID string `header:"X-Checkpoint-Id"`
	Body         struct {
		Event      *domain.Event      `json:"event,omitempty"`
		Checkpoint *domain.Checkpoint `json:"checkpoint,omitempty"`
	}
}

func registerEvents(api huma.API, l ledger.Ledger, tr tracker.Tracker) {
	huma.Register(api, huma.Operation{
		OperationID:   "append-event",
		Method:        http.MethodPost,
		Path:          "/threads/{thread_id}/events",
		Summary:       "Append an event to the thread log",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusLocked,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ThreadID string             `path:"thread_id"`
		Body     AppendEventRequest `json:"body"`
	}) (*appendEventOutput, error) {
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := l.Append(ctx, ledger.AppendOptions{
			IdentityID: principal.IdentityID,
			ThreadID:   input.ThreadID,
			Type:       input.Body.Type,
			Payload:    events.Payload(input.Body.Payload),
			Actor:      principal.UserID,
			ActionType: input.Body.ActionType,
			Impact:     input.Body.Impact,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &appendEventOutput{Status: http.StatusCreated}
		if res.Blocked() {
			out.Status = http.StatusLocked
			out.CheckpointID = res.Checkpoint.ID
			out.Body.Checkpoint = res.Checkpoint
			openCheckpointPoint(ctx, tr, principal.IdentityID, input.ThreadID, *res.Checkpoint)
			return out, nil
		}
		out.Body.Event = res.Event
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/threads/{thread_id}/events",
		Summary:     "List thread events in sequence order",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ThreadID string `path:"thread_id"`
		After    int64  `query:"after"`
		Limit    int    `query:"limit" default:"100"`
	}) (*struct {
		Body eventPageResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		page, err := l.ListEvents(ctx, principal.IdentityID, input.ThreadID, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body eventPageResponse `json:"body"`
		}{Body: eventPageResponse{Items: page.Items, Total: page.Total, HasMore: page.HasMore}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replay-thread",
		Method:      http.MethodGet,
		Path:        "/threads/{thread_id}/replay",
		Summary:     "Rebuild thread state from the event log",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ThreadID     string `path:"thread_id"`
		FromSnapshot bool   `query:"from_snapshot"`
	}) (*struct {
		Body ledger.Projection `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		proj, err := l.Replay(ctx, principal.IdentityID, input.ThreadID, input.FromSnapshot)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ledger.Projection `json:"body"`
		}{Body: proj}, nil
	})
}

func registerDecisions(api huma.API, l ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-decision",
		Method:        http.MethodPost,
		Path:          "/threads/{thread_id}/decisions",
		Summary:       "Record a decision",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ThreadID string                `path:"thread_id"`
		Body     RecordDecisionRequest `json:"body"`
	}) (*struct {
		Body domain.Decision `json:"body"`
	}, error) {
		if input.Body.Title == "" || input.Body.Outcome == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title and outcome are required", nil)
		}
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := l.RecordDecision(ctx, ledger.RecordDecisionOptions{
			IdentityID: principal.IdentityID,
			ThreadID:   input.ThreadID,
			Title:      input.Body.Title,
			Outcome:    input.Body.Outcome,
			Rationale:  input.Body.Rationale,
			DecidedBy:  principal.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Decision `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/threads/{thread_id}/decisions",
		Summary:     "List decisions",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ThreadID string `path:"thread_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Decision `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := l.GetThread(ctx, principal.IdentityID, input.ThreadID); err != nil {
			return nil, handleError(err)
		}
		items, err := l.Repo.ListDecisions(ctx, input.ThreadID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Decision `json:"body"`
		}{Body: items}, nil
	})
}

type createActionOutput struct {
	Status       int
	CheckpointID string `header:"X-Checkpoint-Id"`
	Body         struct {
		Action     *domain.Action     `json:"action,omitempty"`
		Checkpoint *domain.Checkpoint `json:"checkpoint,omitempty"`
	}
}

func registerActions(api huma.API, l ledger.Ledger, tr tracker.Tracker) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-action",
		Method:        http.MethodPost,
		Path:          "/threads/{thread_id}/actions",
		Summary:       "Create an action",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusLocked,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ThreadID string              `path:"thread_id"`
		Body     CreateActionRequest `json:"body"`
	}) (*createActionOutput, error) {
		if input.Body.ActionType == "" || input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action_type and title are required", nil)
		}
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, res, err := l.CreateAction(ctx, ledger.CreateActionOptions{
			IdentityID: principal.IdentityID,
			ThreadID:   input.ThreadID,
			ActionType: input.Body.ActionType,
			Impact:     input.Body.Impact,
			Title:      input.Body.Title,
			AssignedTo: input.Body.AssignedTo,
			Actor:      principal.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &createActionOutput{Status: http.StatusCreated}
		if res.Blocked() {
			out.Status = http.StatusLocked
			out.CheckpointID = res.Checkpoint.ID
			out.Body.Checkpoint = res.Checkpoint
			openCheckpointPoint(ctx, tr, principal.IdentityID, input.ThreadID, *res.Checkpoint)
			return out, nil
		}
		out.Body.Action = &a
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-action",
		Method:      http.MethodPost,
		Path:        "/actions/{action_id}/complete",
		Summary:     "Complete an action",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body domain.Action `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := l.CompleteAction(ctx, principal.IdentityID, input.ActionID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Action `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/threads/{thread_id}/actions",
		Summary:     "List actions",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ThreadID string `path:"thread_id"`
		Status   string `query:"status" enum:"pending,completed,"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Action `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := l.GetThread(ctx, principal.IdentityID, input.ThreadID); err != nil {
			return nil, handleError(err)
		}
		items, err := l.Repo.ListActions(ctx, input.ThreadID, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Action `json:"body"`
		}{Body: items}, nil
	})
}

func registerSnapshots(api huma.API, l ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID:   "snapshot-thread",
		Method:        http.MethodPost,
		Path:          "/threads/{thread_id}/snapshot",
		Summary:       "Write a summary snapshot",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ThreadID string `path:"thread_id"`
	}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := l.Snapshot(ctx, principal.IdentityID, input.ThreadID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "latest-snapshot",
		Method:      http.MethodGet,
		Path:        "/threads/{thread_id}/snapshot",
		Summary:     "Get the latest snapshot",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ThreadID string `path:"thread_id"`
	}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := l.GetThread(ctx, principal.IdentityID, input.ThreadID); err != nil {
			return nil, handleError(err)
		}
		s, err := l.Repo.LatestSnapshot(ctx, input.ThreadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: s}, nil
	})
}

func registerCheckpoints(api huma.API, l ledger.Ledger) {
	g := l.Gate

	huma.Register(api, huma.Operation{
		OperationID: "list-checkpoints",
		Method:      http.MethodGet,
		Path:        "/checkpoints",
		Summary:     "List checkpoints",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"pending,approved,rejected,expired,"`
		ThreadID string `query:"thread_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body checkpointListResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := g.List(ctx, principal.IdentityID, input.Status, input.ThreadID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		now := l.Now()
		res := make([]checkpointResponse, 0, len(items))
		for _, cp := range items {
			res = append(res, checkpointResponse{Checkpoint: cp, Aging: gate.AgingStatus(cp, now)})
		}
		return &struct {
			Body checkpointListResponse `json:"body"`
		}{Body: checkpointListResponse{Items: res}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-checkpoint",
		Method:      http.MethodGet,
		Path:        "/checkpoints/{checkpoint_id}",
		Summary:     "Get checkpoint",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CheckpointID string `path:"checkpoint_id"`
	}) (*struct {
		Body checkpointResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cp, err := g.Get(ctx, principal.IdentityID, input.CheckpointID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body checkpointResponse `json:"body"`
		}{Body: checkpointResponse{Checkpoint: cp, Aging: gate.AgingStatus(cp, l.Now())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-checkpoint",
		Method:      http.MethodPost,
		Path:        "/checkpoints/{checkpoint_id}/approve",
		Summary:     "Approve a pending checkpoint",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CheckpointID string `path:"checkpoint_id"`
	}) (*struct {
		Body checkpointResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cp, err := g.Approve(ctx, principal.IdentityID, input.CheckpointID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		appendCheckpointResolution(ctx, l, principal, cp)
		return &struct {
			Body checkpointResponse `json:"body"`
		}{Body: checkpointResponse{Checkpoint: cp, Aging: gate.AgingStatus(cp, l.Now())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-checkpoint",
		Method:      http.MethodPost,
		Path:        "/checkpoints/{checkpoint_id}/reject",
		Summary:     "Reject a pending checkpoint",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CheckpointID string                  `path:"checkpoint_id"`
		Body         RejectCheckpointRequest `json:"body"`
	}) (*struct {
		Body checkpointResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cp, err := g.Reject(ctx, principal.IdentityID, input.CheckpointID, principal.UserID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		appendCheckpointResolution(ctx, l, principal, cp)
		return &struct {
			Body checkpointResponse `json:"body"`
		}{Body: checkpointResponse{Checkpoint: cp, Aging: gate.AgingStatus(cp, l.Now())}}, nil
	})
}

// appendCheckpointResolution records the outcome in the thread log when the
// checkpoint was raised for a specific thread. Best effort: a log append
// failure does not undo the resolution.
func appendCheckpointResolution(ctx context.Context, l ledger.Ledger, principal Principal, cp domain.Checkpoint) {
	if cp.ThreadID == "" {
		return
	}
	_, _ = l.Append(ctx, ledger.AppendOptions{
		IdentityID: principal.IdentityID,
		ThreadID:   cp.ThreadID,
		Type:       events.CheckpointTrigger,
		Payload: events.Payload{
			"checkpoint_id": cp.ID,
			"action_type":   cp.ActionType,
			"status":        cp.Status,
		},
		Actor: principal.UserID,
	})
}

// openCheckpointPoint surfaces a blocking checkpoint as a decision point so it
// shows up in the aging views. Best effort.
func openCheckpointPoint(ctx context.Context, tr tracker.Tracker, identityID, threadID string, cp domain.Checkpoint) {
	_, _ = tr.Create(ctx, tracker.CreateOptions{
		IdentityID: identityID,
		ThreadID:   threadID,
		PointType:  "checkpoint",
		RefID:      cp.ID,
		Title:      "approval required for " + cp.ActionType,
	})
}

func registerPoints(api huma.API, tr tracker.Tracker) {
	huma.Register(api, huma.Operation{
		OperationID: "list-points",
		Method:      http.MethodGet,
		Path:        "/points",
		Summary:     "List decision points",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PointType string `query:"point_type" enum:"checkpoint,backlog,orchestrator_block,"`
		Active    bool   `query:"active"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body pointListResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := tr.List(ctx, repo.PointFilters{
			IdentityID: principal.IdentityID,
			PointType:  input.PointType,
			ActiveOnly: input.Active,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body pointListResponse `json:"body"`
		}{Body: pointListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-point",
		Method:        http.MethodPost,
		Path:          "/points",
		Summary:       "Open a decision point",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			ThreadID   string `json:"thread_id,omitempty"`
			PointType  string `json:"point_type" enum:"checkpoint,backlog,orchestrator_block"`
			RefID      string `json:"ref_id,omitempty"`
			Title      string `json:"title"`
			Suggestion string `json:"suggestion,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.DecisionPoint `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := tr.Create(ctx, tracker.CreateOptions{
			IdentityID: principal.IdentityID,
			ThreadID:   input.Body.ThreadID,
			PointType:  input.Body.PointType,
			RefID:      input.Body.RefID,
			Title:      input.Body.Title,
			Suggestion: input.Body.Suggestion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DecisionPoint `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-point",
		Method:      http.MethodPost,
		Path:        "/points/{point_id}/respond",
		Summary:     "Respond to a decision point",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PointID string              `path:"point_id"`
		Body    RespondPointRequest `json:"body"`
	}) (*struct {
		Body domain.DecisionPoint `json:"body"`
	}, error) {
		if input.Body.ResponseType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "response_type is required", nil)
		}
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := tr.Respond(ctx, principal.IdentityID, input.PointID, input.Body.ResponseType, input.Body.Response)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DecisionPoint `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "urgent-points",
		Method:      http.MethodGet,
		Path:        "/points/urgent",
		Summary:     "List red and blink points",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body pointListResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := tr.UrgentPoints(ctx, principal.IdentityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body pointListResponse `json:"body"`
		}{Body: pointListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "points-summary",
		Method:      http.MethodGet,
		Path:        "/points/summary",
		Summary:     "Aggregate active points per aging level",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		summary, err := tr.AgingSummary(ctx, principal.IdentityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: summary}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-points",
		Method:      http.MethodPost,
		Path:        "/points/sweep",
		Summary:     "Run the aging sweep",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body sweepResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := tr.RecomputeAging(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sweepResponse `json:"body"`
		}{Body: sweepResponse(res)}, nil
	})
}

func registerSignals(api huma.API, orch *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "receive-signal",
		Method:        http.MethodPost,
		Path:          "/signals",
		Summary:       "Queue a governance signal",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ReceiveSignalRequest `json:"body"`
	}) (*struct {
		Body signalAck `json:"body"`
	}, error) {
		if input.Body.Level == "" || input.Body.Criterion == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "level and criterion are required", nil)
		}
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		s := orchestrator.Signal{
			ID:         uuid.New().String(),
			Level:      input.Body.Level,
			Criterion:  input.Body.Criterion,
			Scope:      input.Body.Scope,
			Confidence: input.Body.Confidence,
			Origin:     input.Body.Origin,
			ReceivedAt: time.Now().UTC().Format(time.RFC3339),
		}
		orch.Inbox.Receive(s)
		return &struct {
			Body signalAck `json:"body"`
		}{Body: signalAck{ID: s.ID, Pending: orch.Inbox.Pending()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-signals",
		Method:      http.MethodGet,
		Path:        "/signals",
		Summary:     "List pending signals",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []orchestrator.Signal `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body []orchestrator.Signal `json:"body"`
		}{Body: orch.Inbox.Snapshot()}, nil
	})
}

func registerOrchestrator(api huma.API, l ledger.Ledger, tr tracker.Tracker, orch *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "orchestrate-decide",
		Method:      http.MethodPost,
		Path:        "/orchestrator/decide",
		Summary:     "Make a governance decision",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body DecideRequest `json:"body"`
	}) (*struct {
		Body orchestrator.GovernanceDecision `json:"body"`
	}, error) {
		if input.Body.ThreadID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "thread_id is required", nil)
		}
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := l.GetThread(ctx, principal.IdentityID, input.Body.ThreadID); err != nil {
			return nil, handleError(err)
		}
		d := orch.MakeDecision(input.Body.ThreadID, input.Body.Scores, input.Body.Budgets, principal.UserID)
		recordDecisionOutcome(ctx, l, tr, principal, d)
		return &struct {
			Body orchestrator.GovernanceDecision `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "orchestrate-segments",
		Method:      http.MethodPost,
		Path:        "/orchestrator/segments",
		Summary:     "Segment work and decide per segment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body SegmentBatchRequest `json:"body"`
	}) (*struct {
		Body []orchestrator.GovernanceDecision `json:"body"`
	}, error) {
		if input.Body.ThreadID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "thread_id is required", nil)
		}
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := l.GetThread(ctx, principal.IdentityID, input.Body.ThreadID); err != nil {
			return nil, handleError(err)
		}
		decisions := orch.ProcessSegmentBatch(input.Body.ThreadID, input.Body.Content, input.Body.ContentType, input.Body.Budgets, principal.UserID)
		for _, d := range decisions {
			recordDecisionOutcome(ctx, l, tr, principal, d)
		}
		return &struct {
			Body []orchestrator.GovernanceDecision `json:"body"`
		}{Body: decisions}, nil
	})
}

// recordDecisionOutcome appends the decision to the thread log and opens a
// decision point for interventions that wait on a human. The orchestrator
// itself never touches the ledger.
func recordDecisionOutcome(ctx context.Context, l ledger.Ledger, tr tracker.Tracker, principal Principal, d orchestrator.GovernanceDecision) {
	payload := events.Payload{
		"intervention":        d.Intervention,
		"required_quality":    d.RequiredQuality,
		"expected_error_rate": d.ExpectedErrorRate,
		"consumed_signals":    d.ConsumedSignals,
	}
	if d.SegmentID != "" {
		payload["segment_id"] = d.SegmentID
	}
	if d.Configuration != nil {
		payload["configuration"] = d.Configuration.Name
		payload["estimated_cost"] = d.EstimatedCost
	}
	_, _ = l.Append(ctx, ledger.AppendOptions{
		IdentityID: principal.IdentityID,
		ThreadID:   d.ThreadID,
		Type:       events.OrchDecisionMade,
		Payload:    payload,
		Actor:      principal.UserID,
	})
	if d.Patch != nil {
		_, _ = l.Append(ctx, ledger.AppendOptions{
			IdentityID: principal.IdentityID,
			ThreadID:   d.ThreadID,
			Type:       events.PatchApplied,
			Payload: events.Payload{
				"signal_id":  d.Patch.SignalID,
				"constraint": d.Patch.Constraint,
				"correction": d.Patch.Correction,
			},
			Actor: principal.UserID,
		})
	}
	switch d.Intervention {
	case orchestrator.InterventionEscalate:
		_, _ = l.Append(ctx, ledger.AppendOptions{
			IdentityID: principal.IdentityID,
			ThreadID:   d.ThreadID,
			Type:       events.EscalationTrigger,
			Payload:    events.Payload{"segment_id": d.SegmentID},
			Actor:      principal.UserID,
		})
		fallthrough
	case orchestrator.InterventionAskHuman, orchestrator.InterventionBlock:
		title := "orchestrator intervention: " + d.Intervention
		if d.Signal != nil {
			title += " (" + d.Signal.Criterion + ")"
		}
		_, _ = tr.Create(ctx, tracker.CreateOptions{
			IdentityID: principal.IdentityID,
			ThreadID:   d.ThreadID,
			PointType:  "orchestrator_block",
			RefID:      d.SegmentID,
			Title:      title,
		})
	}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"civicflow/internal/config"
	"civicflow/internal/domain"
	"civicflow/internal/errs"
	"civicflow/internal/escalation"
	"civicflow/internal/queue"
	"civicflow/internal/repo"
	"civicflow/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Machine     *workflow.Machine
	Escalations *escalation.Manager
	Queue       *queue.Intake
	Repo        repo.Repo
	App         *config.Config
	BasePath    string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"report r1: illegal transition resolved -> in_progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the CivicFlow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	hcfg := huma.DefaultConfig("CivicFlow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerReports(group, cfg)
	registerTransitions(group, cfg)
	registerPipeline(group, cfg)
	registerNotifications(group, cfg)
	registerEscalations(group, cfg)
	registerEvents(group, cfg)
	registerOpenAPI(router, api, basePath)

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
	var ce *errs.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{
			"entity_kind": ce.EntityKind,
			"entity_id":   ce.EntityID,
			"current":     ce.Current,
			"requested":   ce.Requested,
		})
	}
	if errs.IsValidation(err) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errs.IsTransient(err) {
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// actorFrom resolves the acting identity from the X-Actor-ID header. Identity
// is asserted upstream; the orchestrator only records it.
type actorHeader struct {
	ActorID string `header:"X-Actor-ID"`
}

func (a actorHeader) or(fallback string) string {
	if a.ActorID != "" {
		return a.ActorID
	}
	return fallback
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>CivicFlow API Docs</title>
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

func registerReports(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "Submit report",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		actorHeader
		Body SubmitReportRequest `json:"body"`
	}) (*struct {
		Body SubmitReportResponse `json:"body"`
	}, error) {
		severity := ""
		if input.Body.Severity != nil {
			severity = *input.Body.Severity
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		actor := input.or(input.Body.ReporterID)
		rep, err := cfg.Machine.SubmitReport(ctx, input.Body.ReporterID, input.Body.Title, desc, severity, actor)
		if err != nil {
			return nil, handleError(err)
		}
		queued, err := cfg.Queue.Enqueue(ctx, rep.ID)
		if err != nil {
			// The report exists; a queue outage is surfaced but the
			// submission is not rolled back. Re-enqueue via the CLI.
			return nil, newAPIError(http.StatusServiceUnavailable, "queue_unavailable",
				fmt.Sprintf("report %s stored but not queued: %v", rep.ID, err),
				map[string]any{"report_id": rep.ID})
		}
		return &struct {
			Body SubmitReportResponse `json:"body"`
		}{Body: SubmitReportResponse{ReportID: rep.ID, Status: rep.Status, Queued: queued}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/reports",
		Summary:     "List reports",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.Report `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListReports(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Report{}
		}
		return &struct {
			Body []domain.Report `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-needs-review",
		Method:      http.MethodGet,
		Path:        "/reports/needs-review",
		Summary:     "List reports awaiting manual assignment",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []domain.Report `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListNeedsReview(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Report{}
		}
		return &struct {
			Body []domain.Report `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/reports/{report_id}",
		Summary:     "Get report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ReportID string `path:"report_id"`
	}) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		rep, err := cfg.Repo.GetReport(ctx, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report-task",
		Method:      http.MethodGet,
		Path:        "/reports/{report_id}/task",
		Summary:     "Get the report's open task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ReportID string `path:"report_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := cfg.Repo.GetOpenTaskByReport(ctx, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "assign-report",
		Method:        http.MethodPost,
		Path:          "/reports/{report_id}/assign",
		Summary:       "Assign report to an officer",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		actorHeader
		ReportID string              `path:"report_id"`
		Body     AssignReportRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		rep, err := cfg.Repo.GetReport(ctx, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		departmentID := ""
		if input.Body.DepartmentID != nil {
			departmentID = *input.Body.DepartmentID
		} else if rep.Category != nil {
			dept, err := cfg.Repo.GetDepartmentByCategory(ctx, *rep.Category)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(err)
			}
			if err == nil {
				departmentID = dept.ID
			}
		}
		if departmentID == "" {
			// Unmapped category: fall back to the officer's own department.
			officer, err := cfg.Repo.GetOfficer(ctx, input.Body.OfficerID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(err)
			}
			if err == nil && officer.Department != nil {
				departmentID = *officer.Department
			}
		}
		if departmentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request",
				"department_id is required when the report category has no department mapping", nil)
		}
		priority := ""
		if input.Body.Priority != nil {
			priority = *input.Body.Priority
		}
		category := ""
		if rep.Category != nil {
			category = *rep.Category
		}
		deadline := cfg.Machine.Now().UTC().Add(cfg.App.SLAWindow(category))
		t, err := cfg.Machine.AssignToOfficer(ctx, workflow.AssignOptions{
			ReportID:     input.ReportID,
			DepartmentID: departmentID,
			OfficerID:    input.Body.OfficerID,
			Priority:     priority,
			SLADeadline:  deadline,
			ActorID:      input.or("api"),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerTransitions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "transition",
		Method:      http.MethodPost,
		Path:        "/transitions",
		Summary:     "Apply a lifecycle transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		actorHeader
		Body TransitionRequestBody `json:"body"`
	}) (*struct {
		Body workflow.Result `json:"body"`
	}, error) {
		if input.Body.EntityID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "entity_id is required", nil)
		}
		if input.Body.TargetStatus == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target_status is required", nil)
		}
		res, err := cfg.Machine.Transition(ctx, workflow.TransitionRequest{
			EntityKind:   input.Body.EntityKind,
			EntityID:     input.Body.EntityID,
			TargetStatus: input.Body.TargetStatus,
			ActorID:      input.or("api"),
			Metadata:     input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body workflow.Result `json:"body"`
		}{Body: res}, nil
	})
}

func registerPipeline(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "pipeline-status",
		Method:      http.MethodGet,
		Path:        "/pipeline/status",
		Summary:     "Intake pipeline status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body queue.PipelineStatus `json:"body"`
	}, error) {
		return &struct {
			Body queue.PipelineStatus `json:"body"`
		}{Body: cfg.Queue.Status(ctx)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pipeline-dead-letters",
		Method:      http.MethodGet,
		Path:        "/pipeline/dead-letters",
		Summary:     "List dead-lettered reports",
	}, func(ctx context.Context, input *struct {
		Limit int64 `query:"limit"`
	}) (*struct {
		Body []DeadLetterEntry `json:"body"`
	}, error) {
		items, err := cfg.Queue.DeadLetters(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]DeadLetterEntry, 0, len(items))
		for id, reason := range items {
			out = append(out, DeadLetterEntry{ReportID: id, Reason: reason})
		}
		return &struct {
			Body []DeadLetterEntry `json:"body"`
		}{Body: out}, nil
	})
}

func registerNotifications(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List notifications for a recipient",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RecipientID string `query:"recipient_id"`
		Unread      bool   `query:"unread"`
		Limit       int    `query:"limit"`
	}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		if input.RecipientID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "recipient_id is required", nil)
		}
		items, err := cfg.Repo.ListNotifications(ctx, input.RecipientID, input.Unread, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Notification{}
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "count-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications/count",
		Summary:     "Count unread notifications",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RecipientID string `query:"recipient_id"`
	}) (*struct {
		Body NotificationCountResponse `json:"body"`
	}, error) {
		if input.RecipientID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "recipient_id is required", nil)
		}
		n, err := cfg.Repo.CountUnreadNotifications(ctx, input.RecipientID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NotificationCountResponse `json:"body"`
		}{Body: NotificationCountResponse{Unread: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-notification",
		Method:      http.MethodPost,
		Path:        "/notifications/{notification_id}/read",
		Summary:     "Mark a notification read",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		actorHeader
		NotificationID string `path:"notification_id"`
	}) (*struct{}, error) {
		if input.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "X-Actor-ID header is required", nil)
		}
		if err := cfg.Repo.MarkNotificationRead(ctx, input.NotificationID, input.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEscalations(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List escalations",
	}, func(ctx context.Context, input *struct {
		TaskID string `query:"task_id"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.Escalation `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListEscalations(ctx, input.TaskID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Escalation{}
		}
		return &struct {
			Body []domain.Escalation `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "escalate-task",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/escalate",
		Summary:       "Escalate a task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		actorHeader
		TaskID string          `path:"task_id"`
		Body   EscalateRequest `json:"body"`
	}) (*struct {
		Body domain.Escalation `json:"body"`
	}, error) {
		esc, err := cfg.Escalations.Escalate(ctx, input.TaskID, input.Body.Reason, input.or("api"))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Escalation `json:"body"`
		}{Body: esc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-escalation-status",
		Method:      http.MethodPost,
		Path:        "/escalations/{escalation_id}/status",
		Summary:     "Move an escalation through its review ladder",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		actorHeader
		EscalationID string                  `path:"escalation_id"`
		Body         EscalationStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Escalation `json:"body"`
	}, error) {
		esc, err := cfg.Escalations.UpdateStatus(ctx, input.EscalationID, input.Body.Status, input.or("api"))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Escalation `json:"body"`
		}{Body: esc}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListEvents(ctx, input.EntityKind, input.EntityID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

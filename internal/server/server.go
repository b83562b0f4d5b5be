package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"complyline/internal/domain"
	"complyline/internal/engine"
	"complyline/internal/engine/auth"
	"complyline/internal/orchestrator"
	"complyline/internal/repo"
	"complyline/internal/telemetry"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	BasePath     string
	Auth         AuthConfig
	Logger       *zerolog.Logger
	Metrics      *telemetry.Metrics
	RateLimit    RateLimitConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid update transition testing -> deployed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"entity\":\"update\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Complyline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("server: orchestrator required")
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	o := cfg.Orchestrator
	e := o.Engine()

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
	httpLog := zerolog.Nop()
	if cfg.Logger != nil {
		httpLog = telemetry.Component(*cfg.Logger, "http")
	}
	router.Use(instrument(cfg.Metrics, httpLog))
	if cfg.RateLimit.RPS > 0 {
		router.Use(newRateLimiter(cfg.RateLimit).middleware)
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth, e.Repo))
	if cfg.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	hcfg := huma.DefaultConfig("Complyline API", "0.3.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMonitor(group, e)
	registerFleet(group, o)
	registerUpdates(group, o)
	registerWorkOrders(group, o)
	registerApprovals(group, o)
	registerAudit(group, o)
	registerEvents(group, e)
	registerApprovers(group, o)
	registerMe(group, e)
	registerToken(group, cfg.Auth)
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

// handleError maps engine and orchestrator failures onto the envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var re auth.ForbiddenRoleError
	if errors.As(err, &re) {
		return newAPIError(http.StatusForbidden, "forbidden_role", err.Error(), map[string]any{"actor_id": re.ActorID, "role": re.Role})
	}
	var ce *orchestrator.CollaboratorError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadGateway, "collaborator_failed", err.Error(), map[string]any{
			"collaborator": ce.Collaborator,
			"update_id":    ce.UpdateID,
		})
	}
	var de *domain.Error
	if errors.As(err, &de) {
		var details map[string]any
		if de.Entity != "" {
			details = map[string]any{"entity": de.Entity}
			if de.ID != "" {
				details["id"] = de.ID
			}
		}
		switch de.Kind {
		case domain.KindValidation:
			return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), details)
		case domain.KindNotFound:
			return newAPIError(http.StatusNotFound, "not_found", err.Error(), details)
		case domain.KindInvalidTransition, domain.KindConflictingDecision,
			domain.KindAlreadyResolved, domain.KindIncompleteAggregate:
			return newAPIError(http.StatusConflict, string(de.Kind), err.Error(), details)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerMonitor(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Compliance dashboard figures",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Stats `json:"body"`
	}, error) {
		stats, err := e.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stats `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pipeline",
		Method:      http.MethodGet,
		Path:        "/pipeline",
		Summary:     "Updates per lifecycle stage",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []engine.Stage `json:"body"`
	}, error) {
		stages, err := e.Pipeline(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.Stage `json:"body"`
		}{Body: stages}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Active governance and evidence config",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		if e.Config == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "config not loaded", nil)
		}
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: configResponse(e.Config)}, nil
	})
}

func registerFleet(api huma.API, o *orchestrator.Orchestrator) {
	e := o.Engine()
	huma.Register(api, huma.Operation{
		OperationID: "list-aircraft",
		Method:      http.MethodGet,
		Path:        "/aircraft",
		Summary:     "List fleet",
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Status string `query:"status" enum:"operational,maintenance,inspection,grounded"`
	}) (*struct {
		Body []domain.Aircraft `json:"body"`
	}, error) {
		items, err := e.Repo.ListAircraft(ctx, repo.AircraftFilters{Type: input.Type, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Aircraft `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-aircraft",
		Method:        http.MethodPost,
		Path:          "/aircraft",
		Summary:       "Register aircraft",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAircraftRequest `json:"body"`
	}) (*struct {
		Body domain.Aircraft `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		a, err := o.RegisterAircraft(ctx, engine.AircraftInput{
			ID:              b.ID,
			Registration:    b.Registration,
			Type:            b.Type,
			SerialNumber:    b.SerialNumber,
			Status:          b.Status,
			FlightHours:     b.FlightHours,
			Cycles:          b.Cycles,
			LastMaintenance: b.LastMaintenance,
			NextDue:         b.NextDue,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Aircraft `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-aircraft",
		Method:      http.MethodGet,
		Path:        "/aircraft/{aircraft_id}",
		Summary:     "Get aircraft",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AircraftID string `path:"aircraft_id"`
	}) (*struct {
		Body domain.Aircraft `json:"body"`
	}, error) {
		a, err := e.Repo.GetAircraft(ctx, input.AircraftID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Aircraft `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-aircraft",
		Method:        http.MethodDelete,
		Path:          "/aircraft/{aircraft_id}",
		Summary:       "Remove aircraft from the fleet",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		AircraftID string `path:"aircraft_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := o.DeleteAircraft(ctx, input.AircraftID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerUpdates(api huma.API, o *orchestrator.Orchestrator) {
	e := o.Engine()
	huma.Register(api, huma.Operation{
		OperationID: "list-updates",
		Method:      http.MethodGet,
		Path:        "/updates",
		Summary:     "List regulatory updates",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Source       string `query:"source"`
		Status       string `query:"status"`
		AircraftType string `query:"aircraft_type"`
		Limit        int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.RegulatoryUpdate `json:"body"`
	}, error) {
		items, err := e.Repo.ListUpdates(ctx, repo.UpdateFilters{
			Source:       input.Source,
			Status:       input.Status,
			AircraftType: input.AircraftType,
			Limit:        normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RegulatoryUpdate `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ingest-update",
		Method:      http.MethodPost,
		Path:        "/updates",
		Summary:     "Ingest or revise a regulatory update by AD number",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body IngestUpdateRequest `json:"body"`
	}) (*struct {
		Status int
		Body   domain.RegulatoryUpdate `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		u, created, err := o.CreateOrUpdateRegulatoryUpdate(ctx, engine.UpdateInput{
			ADNumber:           b.ADNumber,
			Source:             b.Source,
			Title:              b.Title,
			AircraftType:       b.AircraftType,
			MandatoryAction:    b.MandatoryAction,
			ComplianceDeadline: b.ComplianceDeadline,
			Priority:           b.Priority,
			PublishedDate:      b.PublishedDate,
			OriginalRef:        b.OriginalRef,
			ActorID:            actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if b.Process {
			o.ProcessAsync(u.ID)
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		return &struct {
			Status int
			Body   domain.RegulatoryUpdate `json:"body"`
		}{Status: status, Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-update",
		Method:      http.MethodGet,
		Path:        "/updates/{update_id}",
		Summary:     "Get regulatory update",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UpdateID string `path:"update_id"`
	}) (*struct {
		Body UpdateDetailResponse `json:"body"`
	}, error) {
		u, err := e.Repo.GetUpdate(ctx, input.UpdateID)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := e.Repo.GetRequirement(ctx, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UpdateDetailResponse `json:"body"`
		}{Body: UpdateDetailResponse{
			RegulatoryUpdate: u,
			Requirement:      req,
			NextStatus:       engine.NextStatus(u.Status),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-update",
		Method:      http.MethodPost,
		Path:        "/updates/{update_id}/process",
		Summary:     "Run ingestion and impact analysis for an update",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		UpdateID string `path:"update_id"`
	}) (*struct {
		Body domain.RegulatoryUpdate `json:"body"`
	}, error) {
		u, err := o.Process(ctx, input.UpdateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RegulatoryUpdate `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-all-updates",
		Method:      http.MethodPost,
		Path:        "/updates/process",
		Summary:     "Process every update waiting on a collaborator",
	}, func(ctx context.Context, input *struct {
		Concurrency int `query:"concurrency" default:"4" minimum:"1" maximum:"32"`
	}) (*struct {
		Body ProcessAllResponse `json:"body"`
	}, error) {
		results, _ := o.ProcessAll(ctx, input.Concurrency)
		resp := ProcessAllResponse{Results: nonNilSlice(results)}
		for _, r := range results {
			if r.Error != "" {
				resp.Failed++
			}
		}
		return &struct {
			Body ProcessAllResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-update",
		Method:      http.MethodPost,
		Path:        "/updates/{update_id}/advance",
		Summary:     "Re-evaluate an update and advance it as far as it can go",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UpdateID string `path:"update_id"`
	}) (*struct {
		Body domain.RegulatoryUpdate `json:"body"`
	}, error) {
		u, err := o.Advance(ctx, input.UpdateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RegulatoryUpdate `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-update",
		Method:      http.MethodPost,
		Path:        "/updates/{update_id}/cancel",
		Summary:     "Withdraw an update",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		UpdateID string        `path:"update_id"`
		Body     *CancelRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.RegulatoryUpdate `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := o.CancelUpdate(ctx, input.UpdateID, input.Body.reason(), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RegulatoryUpdate `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/updates/{update_id}/documents",
		Summary:     "List evidence attached to an update",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UpdateID string `path:"update_id"`
	}) (*struct {
		Body []domain.Document `json:"body"`
	}, error) {
		if _, err := e.Repo.GetUpdate(ctx, input.UpdateID); err != nil {
			return nil, handleError(err)
		}
		docs, err := e.Repo.ListDocuments(ctx, input.UpdateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Document `json:"body"`
		}{Body: nonNilSlice(docs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-document",
		Method:      http.MethodPost,
		Path:        "/updates/{update_id}/documents",
		Summary:     "Attach evidence to an update",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		UpdateID string                `path:"update_id"`
		Body     AttachDocumentRequest `json:"body"`
	}) (*struct {
		Body AttachDocumentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		added, err := o.AttachDocument(ctx, engine.DocumentInput{
			UpdateID:    input.UpdateID,
			WorkOrderID: input.Body.WorkOrderID,
			Kind:        input.Body.Kind,
			Ref:         input.Body.Ref,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AttachDocumentResponse `json:"body"`
		}{Body: AttachDocumentResponse{Added: added}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approval-gate",
		Method:      http.MethodGet,
		Path:        "/updates/{update_id}/gate",
		Summary:     "Approval gate report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UpdateID string `path:"update_id"`
	}) (*struct {
		Body engine.GateReport `json:"body"`
	}, error) {
		report, err := e.GateStatus(ctx, input.UpdateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.GateReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerWorkOrders(api huma.API, o *orchestrator.Orchestrator) {
	e := o.Engine()
	type workOrderPath struct {
		WorkOrderID string `path:"work_order_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-work-orders",
		Method:      http.MethodGet,
		Path:        "/work-orders",
		Summary:     "List work orders",
	}, func(ctx context.Context, input *struct {
		UpdateID   string `query:"update_id"`
		AircraftID string `query:"aircraft_id"`
		Status     string `query:"status" enum:"pending,in_progress,completed,cancelled"`
		Team       string `query:"team"`
	}) (*struct {
		Body []domain.WorkOrder `json:"body"`
	}, error) {
		items, err := e.Repo.ListWorkOrders(ctx, repo.WorkOrderFilters{
			UpdateID:   input.UpdateID,
			AircraftID: input.AircraftID,
			Status:     input.Status,
			Team:       input.Team,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkOrder `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-order",
		Method:      http.MethodGet,
		Path:        "/work-orders/{work_order_id}",
		Summary:     "Get work order with its approvals",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workOrderPath) (*struct {
		Body WorkOrderResponse `json:"body"`
	}, error) {
		w, err := e.Repo.GetWorkOrder(ctx, input.WorkOrderID)
		if err != nil {
			return nil, handleError(err)
		}
		approvals, err := e.Repo.ListApprovals(ctx, repo.ApprovalFilters{WorkOrderID: w.ID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkOrderResponse `json:"body"`
		}{Body: WorkOrderResponse{WorkOrder: w, Approvals: nonNilSlice(approvals)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "plan-work-order",
		Method:      http.MethodPatch,
		Path:        "/work-orders/{work_order_id}",
		Summary:     "Schedule, assign or re-prioritise a work order",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		WorkOrderID string               `path:"work_order_id"`
		Body        PlanWorkOrderRequest `json:"body"`
	}) (*struct {
		Body domain.WorkOrder `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := o.PlanWorkOrder(ctx, engine.WorkOrderPlan{
			ID:                input.WorkOrderID,
			AssignedTeam:      input.Body.AssignedTeam,
			ScheduledDate:     input.Body.ScheduledDate,
			PriorityOverride:  input.Body.PriorityOverride,
			EstimatedDowntime: input.Body.EstimatedDowntime,
			Parts:             input.Body.Parts,
			ActorID:           actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkOrder `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{work_order_id}/start",
		Summary:     "Start maintenance work",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *workOrderPath) (*struct {
		Body domain.WorkOrder `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := o.StartWork(ctx, input.WorkOrderID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkOrder `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{work_order_id}/complete",
		Summary:     "Complete maintenance work and file its certificate",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		WorkOrderID string                   `path:"work_order_id"`
		Body        *CompleteWorkOrderRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.WorkOrder `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := o.OnWorkCompleted(ctx, input.Body.completion(input.WorkOrderID, actorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkOrder `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{work_order_id}/cancel",
		Summary:     "Cancel a work order",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		WorkOrderID string        `path:"work_order_id"`
		Body        *CancelRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.WorkOrder `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := o.CancelWorkOrder(ctx, input.WorkOrderID, input.Body.reason(), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkOrder `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resubmit-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{work_order_id}/resubmit",
		Summary:     "Resubmit a remediated work order for the rejected sign-offs",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *workOrderPath) (*struct {
		Body ResubmitResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, approvals, err := o.ResubmitWorkOrder(ctx, input.WorkOrderID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResubmitResponse `json:"body"`
		}{Body: ResubmitResponse{WorkOrder: w, Approvals: nonNilSlice(approvals)}}, nil
	})
}

func registerApprovals(api huma.API, o *orchestrator.Orchestrator) {
	e := o.Engine()
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approvals",
	}, func(ctx context.Context, input *struct {
		UpdateID    string `query:"update_id"`
		WorkOrderID string `query:"work_order_id"`
		Status      string `query:"status" enum:"pending,approved,rejected,moot"`
		Role        string `query:"role"`
		Current     bool   `query:"current" doc:"Only the latest cycle per work order and role"`
	}) (*struct {
		Body []domain.Approval `json:"body"`
	}, error) {
		items, err := e.Repo.ListApprovals(ctx, repo.ApprovalFilters{
			UpdateID:    input.UpdateID,
			WorkOrderID: input.WorkOrderID,
			Status:      input.Status,
			Role:        input.Role,
			CurrentOnly: input.Current,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Approval `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/decision",
		Summary:     "Record a sign-off decision as the calling actor",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ApprovalID string          `path:"approval_id"`
		Body       DecisionRequest `json:"body"`
	}) (*struct {
		Body domain.Approval `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := o.SubmitApproval(ctx, engine.Decision{
			ApprovalID: input.ApprovalID,
			Decision:   input.Body.Decision,
			Approver:   actorID,
			Comment:    input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Approval `json:"body"`
		}{Body: a}, nil
	})
}

func registerAudit(api huma.API, o *orchestrator.Orchestrator) {
	e := o.Engine()
	huma.Register(api, huma.Operation{
		OperationID: "get-update-audit-package",
		Method:      http.MethodGet,
		Path:        "/updates/{update_id}/audit-package",
		Summary:     "Get the audit package of an update",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UpdateID string `path:"update_id"`
	}) (*struct {
		Body domain.AuditPackage `json:"body"`
	}, error) {
		p, err := e.Repo.GetPackageByUpdate(ctx, input.UpdateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AuditPackage `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-audit-package",
		Method:      http.MethodPost,
		Path:        "/updates/{update_id}/audit-package",
		Summary:     "Compile or refresh the audit package of an update",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		UpdateID string `path:"update_id"`
	}) (*struct {
		Body domain.AuditPackage `json:"body"`
	}, error) {
		p, err := o.EvaluateAudit(ctx, input.UpdateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AuditPackage `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-audit-packages",
		Method:      http.MethodGet,
		Path:        "/audit-packages",
		Summary:     "List audit packages",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"compiling,ready,exported"`
	}) (*struct {
		Body []domain.AuditPackage `json:"body"`
	}, error) {
		items, err := e.Repo.ListPackages(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditPackage `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-audit-package",
		Method:      http.MethodPost,
		Path:        "/audit-packages/{package_id}/export",
		Summary:     "Export a ready audit package",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PackageID string `path:"package_id"`
	}) (*struct {
		Body domain.ArtifactRef `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ref, err := o.ExportAudit(ctx, input.PackageID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ArtifactRef `json:"body"`
		}{Body: ref}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-audit-manifest",
		Method:      http.MethodGet,
		Path:        "/audit-packages/{package_id}/manifest",
		Summary:     "Download the exported manifest",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PackageID string `path:"package_id"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Digest      string `header:"X-Complyline-Digest"`
		Body        []byte
	}, error) {
		p, err := e.Repo.GetPackage(ctx, input.PackageID)
		if err != nil {
			return nil, handleError(err)
		}
		data, err := e.Repo.PackageManifest(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		digest := ""
		if p.ArtifactDigest != nil {
			digest = *p.ArtifactDigest
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Digest      string `header:"X-Complyline-Digest"`
			Body        []byte
		}{ContentType: "application/json", Digest: digest, Body: data}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		UpdateID   string `query:"update_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"aircraft,regulatory_update,work_order,approval,document,audit_package,approver"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
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
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			UpdateID:   input.UpdateID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerApprovers(api huma.API, o *orchestrator.Orchestrator) {
	e := o.Engine()
	huma.Register(api, huma.Operation{
		OperationID: "list-approvers",
		Method:      http.MethodGet,
		Path:        "/approvers",
		Summary:     "List approver grants",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.ApproverGrant `json:"body"`
	}, error) {
		grants, err := e.Repo.ListApproverGrants(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ApproverGrant `json:"body"`
		}{Body: nonNilSlice(grants)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "grant-approver",
		Method:        http.MethodPost,
		Path:          "/approvers",
		Summary:       "Grant an actor authority to sign for a role",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body ApproverRequest `json:"body"`
	}) (*struct {
		Body domain.ApproverGrant `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := o.GrantApprover(ctx, input.Body.ActorID, input.Body.Role, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApproverGrant `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-approver",
		Method:        http.MethodPost,
		Path:          "/approvers/revoke",
		Summary:       "Revoke an approver grant",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body ApproverRequest `json:"body"`
	}) (*struct{}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := o.RevokeApprover(ctx, input.Body.ActorID, input.Body.Role, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		granted, err := e.Auth.ActorRoles(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			ActorID:       principal.ActorID,
			Source:        principal.Source,
			Roles:         nonNilSlice(principal.Roles),
			ApproverRoles: nonNilSlice(granted),
		}}, nil
	})
}

func registerToken(api huma.API, authCfg AuthConfig) {
	if strings.TrimSpace(authCfg.JWTSecret) == "" {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "issue-token",
		Method:      http.MethodPost,
		Path:        "/auth/token",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body TokenRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		ttl := time.Hour
		if input.Body.TTLSeconds > 0 {
			ttl = time.Duration(input.Body.TTLSeconds) * time.Second
		}
		token, err := signToken(authCfg.JWTSecret, actor, input.Body.Roles, ttl)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{Token: token, ExpiresIn: int(ttl.Seconds())}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

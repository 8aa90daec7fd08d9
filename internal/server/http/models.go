package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ekisa-team/detserve/internal/model"
	"github.com/ekisa-team/detserve/internal/store/sqlite"
)

// Models is the model manager seen by the routes.
type Models interface {
	Ready() bool
	Registry() *model.Registry
	Active() (*model.Instance, bool)
	Reload(ctx context.Context) error
}

// AuditLog lists recorded invocations.
type AuditLog interface {
	List(ctx context.Context, limit int) ([]sqlite.Invocation, error)
}

type (
	ListModelsOutput struct {
		Body struct {
			Ready  bool         `json:"ready"`
			Models []model.Info `json:"models"`
		}
	}

	ReloadOutput struct {
		Body model.Info
	}

	ListAuditInput struct {
		Limit int `query:"limit" default:"50" minimum:"1" maximum:"1000"`
	}

	ListAuditOutput struct {
		Body struct {
			Invocations []sqlite.Invocation `json:"invocations"`
		}
	}
)

// ModelsHandler serves model status and the audit log.
type ModelsHandler struct {
	models Models
	audit  AuditLog
}

// NewModelsHandler registers the management routes.
func NewModelsHandler(api huma.API, models Models, audit AuditLog) *ModelsHandler {
	h := &ModelsHandler{models: models, audit: audit}

	huma.Register(api, huma.Operation{
		OperationID:   "list-models",
		Method:        http.MethodGet,
		Path:          "/models",
		Summary:       "List model instances",
		Tags:          []string{"models"},
		DefaultStatus: http.StatusOK,
	}, h.handleList)

	huma.Register(api, huma.Operation{
		OperationID:   "reload-model",
		Method:        http.MethodPost,
		Path:          "/models/reload",
		Summary:       "Reload the configured model",
		Tags:          []string{"models"},
		DefaultStatus: http.StatusOK,
	}, h.handleReload)

	huma.Register(api, huma.Operation{
		OperationID:   "list-invocations",
		Method:        http.MethodGet,
		Path:          "/audit",
		Summary:       "List recent invocations",
		Tags:          []string{"audit"},
		DefaultStatus: http.StatusOK,
	}, h.handleAudit)

	return h
}

func (h *ModelsHandler) handleList(ctx context.Context, _ *struct{}) (*ListModelsOutput, error) {
	out := &ListModelsOutput{}
	out.Body.Ready = h.models.Ready()
	out.Body.Models = []model.Info{}
	for _, instance := range h.models.Registry().List() {
		out.Body.Models = append(out.Body.Models, instance.Info())
	}
	return out, nil
}

func (h *ModelsHandler) handleReload(ctx context.Context, _ *struct{}) (*ReloadOutput, error) {
	if err := h.models.Reload(ctx); err != nil {
		if errors.Is(err, model.ErrNotConfigured) {
			return nil, huma.Error409Conflict("no model configured", err)
		}
		return nil, huma.Error500InternalServerError("failed to reload model", err)
	}

	instance, ok := h.models.Active()
	if !ok {
		return nil, huma.Error503ServiceUnavailable("model not loaded")
	}
	return &ReloadOutput{Body: instance.Info()}, nil
}

func (h *ModelsHandler) handleAudit(ctx context.Context, input *ListAuditInput) (*ListAuditOutput, error) {
	if h.audit == nil {
		return nil, huma.Error404NotFound("audit log disabled")
	}

	invocations, err := h.audit.List(ctx, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list invocations", err)
	}

	out := &ListAuditOutput{}
	out.Body.Invocations = invocations
	if out.Body.Invocations == nil {
		out.Body.Invocations = []sqlite.Invocation{}
	}
	return out, nil
}

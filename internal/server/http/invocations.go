package http

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ekisa-team/detserve/internal/service"
)

type (
	PingOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}

	InvokeInput struct {
		ContentType      string `header:"Content-Type"`
		Accept           string `header:"Accept"`
		CustomAttributes string `header:"X-Amzn-SageMaker-Custom-Attributes"`
		RawBody          []byte
	}

	InvokeOutput struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}
)

// InvocationsHandler serves /ping and /invocations.
type InvocationsHandler struct {
	inference *service.Inference
	models    Models
}

// NewInvocationsHandler registers the container contract routes.
func NewInvocationsHandler(api huma.API, inference *service.Inference, models Models, maxBodyBytes int64) *InvocationsHandler {
	h := &InvocationsHandler{inference: inference, models: models}

	huma.Register(api, huma.Operation{
		OperationID:   "ping",
		Method:        http.MethodGet,
		Path:          "/ping",
		Summary:       "Report whether a model is loaded",
		Tags:          []string{"inference"},
		DefaultStatus: http.StatusOK,
	}, h.handlePing)

	huma.Register(api, huma.Operation{
		OperationID:   "invoke",
		Method:        http.MethodPost,
		Path:          "/invocations",
		Summary:       "Run object detection on an image or array",
		Tags:          []string{"inference"},
		DefaultStatus: http.StatusOK,
		MaxBodyBytes:  maxBodyBytes,
	}, h.handleInvoke)

	return h
}

func (h *InvocationsHandler) handlePing(ctx context.Context, _ *struct{}) (*PingOutput, error) {
	if !h.models.Ready() {
		return nil, huma.Error503ServiceUnavailable("model not loaded")
	}

	out := &PingOutput{}
	out.Body.Status = "healthy"
	return out, nil
}

func (h *InvocationsHandler) handleInvoke(ctx context.Context, input *InvokeInput) (*InvokeOutput, error) {
	resp, err := h.inference.Invoke(ctx, &service.Request{
		Body:        input.RawBody,
		ContentType: input.ContentType,
		Accept:      input.Accept,
		Attributes:  service.ParseCustomAttributes(input.CustomAttributes),
	})
	if err != nil {
		status := service.StatusCode(err)
		return nil, huma.NewError(status, invokeErrorMessage(status), err)
	}

	return &InvokeOutput{
		ContentType: resp.ContentType,
		Body:        resp.Body,
	}, nil
}

func invokeErrorMessage(status int) string {
	switch status {
	case http.StatusUnsupportedMediaType:
		return "unsupported content type"
	case http.StatusNotAcceptable:
		return "unsupported accept type"
	case http.StatusBadRequest:
		return "invalid input"
	case http.StatusServiceUnavailable:
		return "model not available"
	default:
		return "prediction failed"
	}
}

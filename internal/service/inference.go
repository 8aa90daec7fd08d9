package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ekisa-team/detserve/internal/codec"
	"github.com/ekisa-team/detserve/internal/config"
	"github.com/ekisa-team/detserve/internal/detection"
	"github.com/ekisa-team/detserve/internal/events"
	"github.com/ekisa-team/detserve/internal/handler"
	"github.com/ekisa-team/detserve/internal/mapsafe"
	"github.com/ekisa-team/detserve/internal/model"
	"github.com/ekisa-team/detserve/internal/ndarray"
	"github.com/ekisa-team/detserve/internal/predictor"
	"github.com/ekisa-team/detserve/internal/store/sqlite"
)

// CustomAttributesHeader carries per-request key=value overrides.
const CustomAttributesHeader = "X-Amzn-SageMaker-Custom-Attributes"

// ScoreThresholdAttribute overrides the model score threshold.
const ScoreThresholdAttribute = "score_threshold"

// Models provides the serving predictor.
type Models interface {
	Predictor() (*predictor.Predictor, error)
}

// Auditor records invocations.
type Auditor interface {
	Insert(ctx context.Context, inv *sqlite.Invocation) (int64, error)
}

// Publisher broadcasts events.
type Publisher interface {
	Publish(eventType string, data any)
}

// Request is one invocation.
type Request struct {
	Body        []byte
	ContentType string
	Accept      string
	Attributes  map[string]any
}

// Response is the serialized prediction.
type Response struct {
	Body        []byte
	ContentType string
	Prediction  *detection.Prediction
}

// Summary is the event published for each invocation.
type Summary struct {
	Model       string   `json:"model"`
	ContentType string   `json:"content_type"`
	Shape       string   `json:"shape,omitempty"`
	Detections  int      `json:"detections"`
	Labels      []string `json:"labels,omitempty"`
	LatencyMS   float64  `json:"latency_ms"`
	Status      int      `json:"status"`
	Error       string   `json:"error,omitempty"`
}

// Inference runs the handler contract against the serving model.
type Inference struct {
	handler   handler.Contract
	models    Models
	inference config.InferenceConfig
	audit     Auditor
	events    Publisher
}

// InferenceOption configures an Inference service.
type InferenceOption func(*Inference)

// WithAuditor records every invocation in a.
func WithAuditor(a Auditor) InferenceOption {
	return func(s *Inference) { s.audit = a }
}

// WithPublisher publishes a Summary per invocation.
func WithPublisher(p Publisher) InferenceOption {
	return func(s *Inference) { s.events = p }
}

// NewInference creates a new inference service.
func NewInference(h handler.Contract, models Models, cfg config.InferenceConfig, opts ...InferenceOption) *Inference {
	s := &Inference{
		handler:   h,
		models:    models,
		inference: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Invoke decodes req, runs the serving predictor and encodes the result.
func (s *Inference) Invoke(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	summary := &Summary{ContentType: req.ContentType}

	resp, err := s.invoke(ctx, req, summary)

	summary.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	summary.Status = StatusCode(err)
	if err != nil {
		summary.Error = err.Error()
	}
	s.record(ctx, req, summary)

	return resp, err
}

func (s *Inference) invoke(ctx context.Context, req *Request, summary *Summary) (*Response, error) {
	accept := req.Accept
	if strings.TrimSpace(accept) == "" {
		accept = s.inference.DefaultAccept
	}
	// Reject unusable accepts before paying for a prediction.
	if _, err := codec.NegotiateAccept(accept); err != nil {
		return nil, err
	}

	p, err := s.models.Predictor()
	if err != nil {
		return nil, err
	}
	summary.Model = p.Name()

	arr, err := s.handler.InputFn(req.Body, req.ContentType)
	if err != nil {
		return nil, err
	}
	summary.Shape = ndarray.ShapeString(arr)

	var opts []predictor.PredictOption
	if threshold, ok := s.scoreThreshold(req.Attributes); ok {
		opts = append(opts, predictor.WithScoreThreshold(threshold))
	}

	pred, err := s.handler.PredictFn(ctx, arr, p, opts...)
	if err != nil {
		return nil, err
	}
	summary.Detections = pred.Instances.Len()
	summary.Labels = pred.Instances.Labels

	body, contentType, err := s.handler.OutputFn(pred, accept)
	if err != nil {
		return nil, err
	}

	return &Response{Body: body, ContentType: contentType, Prediction: pred}, nil
}

func (s *Inference) scoreThreshold(attrs map[string]any) (float32, bool) {
	if t := mapsafe.Get(attrs, ScoreThresholdAttribute, -1.0); t >= 0 && t <= 1 {
		return float32(t), true
	}
	if s.inference.ScoreThreshold != nil {
		return float32(*s.inference.ScoreThreshold), true
	}
	return 0, false
}

func (s *Inference) record(ctx context.Context, req *Request, summary *Summary) {
	if s.events != nil {
		s.events.Publish(events.TypeInvocation, summary)
	}
	if s.audit == nil {
		return
	}

	inv := &sqlite.Invocation{
		Time:        time.Now(),
		Model:       summary.Model,
		ContentType: req.ContentType,
		Accept:      req.Accept,
		Shape:       summary.Shape,
		Detections:  summary.Detections,
		Labels:      summary.Labels,
		LatencyMS:   summary.LatencyMS,
		Status:      summary.Status,
		Error:       summary.Error,
	}
	// The request context may already be cancelled.
	if _, err := s.audit.Insert(context.WithoutCancel(ctx), inv); err != nil {
		slog.Warn("Failed to record invocation", "error", err)
	}
}

// StatusCode maps an invocation error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, codec.ErrUnsupportedContentType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, codec.ErrUnsupportedAccept):
		return http.StatusNotAcceptable
	case errors.Is(err, codec.ErrDecode):
		return http.StatusBadRequest
	case errors.Is(err, ndarray.ErrShape), errors.Is(err, ndarray.ErrDtype), errors.Is(err, ndarray.ErrEmpty):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotLoaded), errors.Is(err, predictor.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, predictor.ErrAcquire), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ParseCustomAttributes parses a "key=value,key=value" header. Entries
// without "=" are kept with an empty value.
func ParseCustomAttributes(header string) map[string]any {
	attrs := map[string]any{}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		attrs[key] = strings.TrimSpace(value)
	}
	return attrs
}

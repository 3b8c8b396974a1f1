package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"PulseFlow/internal/apperr"
	"PulseFlow/internal/delivery"
	"PulseFlow/internal/flow"
	"PulseFlow/internal/models"
	"PulseFlow/internal/stats"
	"PulseFlow/internal/templates"
)

const maxBodyBytes = 1 << 20

type Flows interface {
	CreateFlow(kind models.FlowKind, steps []models.StepDefinition, fc flow.Context) (flow.Created, error)
	GetStatus(flowID string) (flow.Status, error)
	CancelFlow(flowID string) (flow.CancelResult, error)
	ListActive(limit int) []models.Flow
	Send(req flow.SendRequest) (string, error)
}

type Delivery interface {
	TestSend(ctx context.Context, msg models.Message, provider models.ProviderName) (delivery.Result, error)
	TestConnection(ctx context.Context, name models.ProviderName, override models.Credentials) (models.ProviderConfig, error)
}

type ProviderLister interface {
	List() []models.ProviderConfig
}

type StatsSource interface {
	ComputeStats(ctx context.Context, period string) (stats.Stats, error)
}

type Renderer interface {
	Render(name string, vars map[string]any) (templates.Rendered, error)
}

type Handler struct {
	Flows     Flows
	Delivery  Delivery
	Providers ProviderLister
	Stats     StatsSource
	Templates Renderer

	// QueueDepth is optional and only feeds /health.
	QueueDepth func() map[models.JobState]int

	Log *zap.Logger
	Now func() time.Time
}

var validate = validator.New()

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.QueueDepth != nil {
		resp["queue"] = h.QueueDepth()
	}
	respondJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body into dst and runs struct validation on it.
func decode(r *http.Request, w http.ResponseWriter, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is empty")
		}
		return apperr.Validation("invalid JSON body: %v", err)
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation("%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return apperr.Validation("%s", strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "gte", "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "lte", "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag())
}

func statusFor(err error) int {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError
	}
	switch ae.Kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConfiguration:
		return http.StatusConflict
	case apperr.KindTransient:
		if apperr.IsRateLimited(err) {
			return http.StatusTooManyRequests
		}
		return http.StatusServiceUnavailable
	case apperr.KindTerminal:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func setRetryAfter(w http.ResponseWriter, err error) {
	if wait := apperr.RetryAfter(err); wait > 0 {
		secs := int((wait + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
}

// respondError writes err with the status its kind maps to. Unclassified
// errors are logged and hidden behind a generic message.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		respondJSON(w, status, errorBody{Error: "internal error"})
		return
	}
	setRetryAfter(w, err)
	respondJSON(w, status, errorBody{Error: err.Error(), Code: string(apperr.KindOf(err))})
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

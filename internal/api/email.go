package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"PulseFlow/internal/delivery"
	"PulseFlow/internal/flow"
	"PulseFlow/internal/logging"
	"PulseFlow/internal/models"
)

const testTemplate = "test-email"

type testConnectionRequest struct {
	Provider string            `json:"provider" validate:"required,oneof=primary fallback"`
	Config   map[string]string `json:"config"`
}

type testSendRequest struct {
	To       string `json:"to" validate:"required,email"`
	Provider string `json:"provider" validate:"omitempty,oneof=primary fallback"`
}

type sendRequest struct {
	To        string         `json:"to" validate:"required,email"`
	Template  string         `json:"template" validate:"required"`
	Variables map[string]any `json:"variables"`
	Provider  string         `json:"provider" validate:"omitempty,oneof=primary fallback"`
}

type testResult struct {
	Success   bool                  `json:"success"`
	Provider  models.ProviderName   `json:"provider,omitempty"`
	Status    models.ProviderStatus `json:"status,omitempty"`
	Message   string                `json:"message"`
	Error     string                `json:"error,omitempty"`
	LogID     string                `json:"logId,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// POST /api/email/test-connection
//
// A failed handshake is still a completed test: it answers 200 with
// success=false and the provider's recorded status.
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	var req testConnectionRequest
	if err := decode(r, w, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	name := models.ProviderName(req.Provider)
	cfg, err := h.Delivery.TestConnection(r.Context(), name, models.Credentials(req.Config))
	res := testResult{
		Success:   err == nil,
		Provider:  name,
		Status:    cfg.Status,
		Timestamp: h.now(),
	}
	if err != nil {
		res.Message = "connection test failed"
		res.Error = err.Error()
	} else {
		res.Message = "connection successful"
	}
	respondJSON(w, http.StatusOK, res)
}

// POST /api/email/test-send
func (h *Handler) TestSend(w http.ResponseWriter, r *http.Request) {
	var req testSendRequest
	if err := decode(r, w, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	provider := req.Provider
	if provider == "" {
		provider = "first available"
	}
	rendered, err := h.Templates.Render(testTemplate, map[string]any{
		"email":    req.To,
		"provider": provider,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	msg := models.Message{
		To:       req.To,
		Template: testTemplate,
		Subject:  rendered.Subject,
		HTML:     rendered.HTML,
		Text:     rendered.Text,
	}
	result, err := h.Delivery.TestSend(r.Context(), msg, models.ProviderName(req.Provider))
	if err != nil {
		h.Log.Warn("test send failed", logging.Email("to", req.To), zap.Error(err))
		setRetryAfter(w, err)
		respondJSON(w, statusFor(err), testResult{
			Message:   "test email failed",
			Error:     err.Error(),
			Timestamp: h.now(),
		})
		return
	}

	respondJSON(w, http.StatusOK, testResult{
		Success:   true,
		Provider:  result.Provider,
		Message:   "test email sent",
		LogID:     result.LogID,
		Timestamp: h.now(),
	})
}

// POST /api/email/send queues a single email outside any flow.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(r, w, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	pref, err := delivery.PreferenceFor(models.ProviderName(req.Provider))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	id, err := h.Flows.Send(flow.SendRequest{
		To:         req.To,
		Template:   req.Template,
		Variables:  req.Variables,
		Preference: pref,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{"jobId": id})
}

// GET /api/email/providers
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"providers": h.Providers.List()})
}

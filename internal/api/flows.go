package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"PulseFlow/internal/apperr"
	"PulseFlow/internal/csvparser"
	"PulseFlow/internal/delivery"
	"PulseFlow/internal/flow"
	"PulseFlow/internal/models"
)

const maxBulkBytes = 5 << 20

// stepRequest.DelayMS is in milliseconds and capped at one year.
type stepRequest struct {
	Template  string         `json:"template" validate:"required"`
	DelayMS   int64          `json:"delay" validate:"gte=0,lte=31536000000"`
	Variables map[string]any `json:"variables"`
}

type createFlowRequest struct {
	To        string         `json:"to" validate:"required,email"`
	UserID    string         `json:"userId"`
	Variables map[string]any `json:"variables"`
	Steps     []stepRequest  `json:"steps" validate:"dive"`
	Provider  string         `json:"provider" validate:"omitempty,oneof=primary fallback"`
}

func (req createFlowRequest) steps() []models.StepDefinition {
	if len(req.Steps) == 0 {
		return nil
	}
	out := make([]models.StepDefinition, len(req.Steps))
	for i, s := range req.Steps {
		out[i] = models.StepDefinition{
			Template:  s.Template,
			Delay:     time.Duration(s.DelayMS) * time.Millisecond,
			Variables: s.Variables,
		}
	}
	return out
}

// POST /api/flows/{kind}
func (h *Handler) CreateFlow(w http.ResponseWriter, r *http.Request) {
	var req createFlowRequest
	if err := decode(r, w, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	pref, err := delivery.PreferenceFor(models.ProviderName(req.Provider))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	kind := models.FlowKind(chi.URLParam(r, "kind"))
	created, err := h.Flows.CreateFlow(kind, req.steps(), flow.Context{
		To:         req.To,
		UserID:     req.UserID,
		Variables:  req.Variables,
		Preference: pref,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, created)
}

// GET /api/flows/{flowId}
func (h *Handler) GetFlow(w http.ResponseWriter, r *http.Request) {
	status, err := h.Flows.GetStatus(chi.URLParam(r, "flowId"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// DELETE /api/flows/{flowId}
func (h *Handler) CancelFlow(w http.ResponseWriter, r *http.Request) {
	res, err := h.Flows.CancelFlow(chi.URLParam(r, "flowId"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// GET /api/flows/active?limit=
func (h *Handler) ListActive(w http.ResponseWriter, r *http.Request) {
	limit := flow.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.respondError(w, r, apperr.Validation("limit must be a positive integer"))
			return
		}
		limit = n
	}

	flows := h.Flows.ListActive(limit)
	respondJSON(w, http.StatusOK, map[string]any{
		"flows": flows,
		"count": len(flows),
	})
}

// GET /api/flows/stats?period=
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "day"
	}
	s, err := h.Stats.ComputeStats(r.Context(), period)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

type bulkFlow struct {
	flow.Created
	Line int    `json:"line"`
	To   string `json:"to"`
}

type bulkResponse struct {
	Created int                  `json:"created"`
	Flows   []bulkFlow           `json:"flows"`
	Errors  []csvparser.RowError `json:"errors"`
}

// POST /api/flows/marketing-campaign/bulk
//
// The body is a CSV with an Email column. Every other column becomes a
// template variable of that recipient's flow. Rows that fail are reported
// and do not stop the rest.
func (h *Handler) BulkMarketing(w http.ResponseWriter, r *http.Request) {
	pref, err := delivery.PreferenceFor(models.ProviderName(r.URL.Query().Get("provider")))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxBulkBytes)
	rows, rowErrs, err := csvparser.ParseRecipientRows(body, csvparser.DefaultMaxRows)
	if err != nil {
		h.respondError(w, r, apperr.Validation("%v", err))
		return
	}

	resp := bulkResponse{
		Flows:  make([]bulkFlow, 0, len(rows)),
		Errors: append([]csvparser.RowError{}, rowErrs...),
	}
	for _, row := range rows {
		created, err := h.Flows.CreateFlow(models.KindMarketingCampaign, nil, flow.Context{
			To:         row.Email,
			UserID:     row.UserID,
			Variables:  row.Variables,
			Preference: pref,
		})
		if err != nil {
			resp.Errors = append(resp.Errors, csvparser.RowError{Line: row.Line, Err: err.Error()})
			continue
		}
		resp.Flows = append(resp.Flows, bulkFlow{Created: created, Line: row.Line, To: row.Email})
	}
	resp.Created = len(resp.Flows)

	h.Log.Info("bulk marketing flows created",
		zap.Int("created", resp.Created),
		zap.Int("errors", len(resp.Errors)),
	)

	status := http.StatusCreated
	if resp.Created == 0 {
		status = http.StatusBadRequest
	}
	respondJSON(w, status, resp)
}

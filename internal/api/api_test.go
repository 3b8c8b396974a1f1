package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"PulseFlow/internal/apperr"
	"PulseFlow/internal/db"
	"PulseFlow/internal/delivery"
	"PulseFlow/internal/flow"
	"PulseFlow/internal/models"
	"PulseFlow/internal/queue"
	"PulseFlow/internal/stats"
	"PulseFlow/internal/templates"
)

type fakeDelivery struct {
	sendErr      error
	connErr      error
	lastMsg      models.Message
	lastProvider models.ProviderName
	lastOverride models.Credentials
}

func (f *fakeDelivery) TestSend(_ context.Context, msg models.Message, provider models.ProviderName) (delivery.Result, error) {
	f.lastMsg = msg
	f.lastProvider = provider
	if f.sendErr != nil {
		return delivery.Result{}, f.sendErr
	}
	return delivery.Result{Provider: models.Primary, LogID: "log-123"}, nil
}

func (f *fakeDelivery) TestConnection(_ context.Context, name models.ProviderName, override models.Credentials) (models.ProviderConfig, error) {
	f.lastOverride = override
	if f.connErr != nil {
		return models.ProviderConfig{Name: name, Status: models.StatusError}, f.connErr
	}
	return models.ProviderConfig{Name: name, Status: models.StatusConnected}, nil
}

type testServer struct {
	srv      *httptest.Server
	queue    *queue.Queue
	delivery *fakeDelivery
}

func newTestServer(t *testing.T, opts RouterOptions) *testServer {
	t.Helper()

	reg, err := templates.Load("")
	require.NoError(t, err)

	q := queue.New()
	orch := flow.New(q, reg, flow.Options{
		Policy: func() models.Policy { return models.Policy{RetryAttempts: 3} },
	}, zap.NewNop())
	q.OnTerminal(orch.HandleTerminal)

	fd := &fakeDelivery{}
	h := &Handler{
		Flows:    orch,
		Delivery: fd,
		Providers: delivery.NewProviders(
			models.ProviderConfig{Name: models.Primary, Enabled: true, Credentials: models.Credentials{"password": "hunter2"}},
			models.ProviderConfig{Name: models.Fallback},
		),
		Stats:      stats.NewAggregator(db.NewMemoryHistory()),
		Templates:  reg,
		QueueDepth: q.Counts,
		Log:        zap.NewNop(),
	}

	srv := httptest.NewServer(NewRouter(h, opts))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, queue: q, delivery: fd}
}

func (ts *testServer) do(t *testing.T, method, path, contentType, body string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func (ts *testServer) json(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	return ts.do(t, method, path, "application/json", body)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	resp, body := ts.json(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestCreateGetCancelFlow(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	resp, created := ts.json(t, http.MethodPost, "/api/flows/onboarding",
		`{"to":"ada@example.com","userId":"u-1","variables":{"firstName":"Ada"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	flowID, _ := created["flowId"].(string)
	require.NotEmpty(t, flowID)
	assert.Len(t, created["jobIds"], 3)

	resp, status := ts.json(t, http.MethodGet, "/api/flows/"+flowID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, status["totalJobs"])
	assert.EqualValues(t, 3, status["waiting"])

	resp, active := ts.json(t, http.MethodGet, "/api/flows/active?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, active["count"])

	resp, cancelled := ts.json(t, http.MethodDelete, "/api/flows/"+flowID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", cancelled["status"])
	assert.EqualValues(t, 3, cancelled["cancelled"])

	_, status = ts.json(t, http.MethodGet, "/api/flows/"+flowID, "")
	assert.Equal(t, true, status["terminal"])
	assert.EqualValues(t, 3, status["failed"])
	assert.EqualValues(t, 3, status["cancelled"])
}

func TestCreateFlowWithCustomSteps(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	resp, created := ts.json(t, http.MethodPost, "/api/flows/marketing-campaign", `{
		"to": "ada@example.com",
		"provider": "fallback",
		"variables": {"campaignName": "Autumn"},
		"steps": [
			{"template": "marketing-announcement", "delay": 0},
			{"template": "marketing-reminder", "delay": 86400000}
		]
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, created["jobIds"], 2)

	id := created["jobIds"].([]any)[1].(string)
	job, ok := ts.queue.Get(id)
	require.True(t, ok)
	assert.Equal(t, models.FallbackOnly, job.Preference)
	assert.Equal(t, models.StateDelayed, job.State)
	assert.WithinDuration(t, job.CreatedAt.Add(24*time.Hour), job.ReadyAt, time.Second)
}

func TestActiveFlowsEchoStepDelaysInMilliseconds(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	resp, _ := ts.json(t, http.MethodPost, "/api/flows/marketing-campaign", `{
		"to": "ada@example.com",
		"variables": {"campaignName": "Autumn"},
		"steps": [
			{"template": "marketing-announcement", "delay": 0},
			{"template": "marketing-reminder", "delay": 86400000},
			{"template": "marketing-last-chance", "delay": 31536000000}
		]
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := ts.json(t, http.MethodGet, "/api/flows/active", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	flows := body["flows"].([]any)
	require.Len(t, flows, 1)
	steps := flows[0].(map[string]any)["steps"].([]any)
	require.Len(t, steps, 3)
	assert.EqualValues(t, 0, steps[0].(map[string]any)["delay"])
	assert.EqualValues(t, 86400000, steps[1].(map[string]any)["delay"])
	assert.EqualValues(t, 31536000000, steps[2].(map[string]any)["delay"])
}

func TestCreateFlowValidation(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	cases := []struct {
		name string
		path string
		body string
	}{
		{"bad email", "/api/flows/onboarding", `{"to":"not-an-email","variables":{"firstName":"Ada"}}`},
		{"missing to", "/api/flows/onboarding", `{}`},
		{"empty body", "/api/flows/onboarding", ``},
		{"unknown kind", "/api/flows/newsletter", `{"to":"ada@example.com"}`},
		{"missing variable", "/api/flows/onboarding", `{"to":"ada@example.com"}`},
		{"negative delay", "/api/flows/onboarding", `{"to":"ada@example.com","steps":[{"template":"welcome","delay":-1}]}`},
		{"delay beyond a year", "/api/flows/onboarding", `{"to":"ada@example.com","variables":{"firstName":"Ada"},"steps":[{"template":"welcome","delay":9300000000000}]}`},
		{"bad provider", "/api/flows/onboarding", `{"to":"ada@example.com","provider":"sendgrid"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := ts.json(t, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, string(apperr.KindValidation), body["code"])
		})
	}

	assert.Empty(t, ts.queue.Counts()[models.StateWaiting])
	assert.Empty(t, ts.queue.Counts()[models.StateDelayed])
}

func TestUnknownFlow(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	resp, body := ts.json(t, http.MethodGet, "/api/flows/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(apperr.KindNotFound), body["code"])

	resp, _ = ts.json(t, http.MethodDelete, "/api/flows/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListActiveRejectsBadLimit(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	resp, _ := ts.json(t, http.MethodGet, "/api/flows/active?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	resp, body := ts.json(t, http.MethodGet, "/api/flows/stats?period=week", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "week", body["period"])
	assert.EqualValues(t, 0, body["totalEmails"])

	resp, _ = ts.json(t, http.MethodGet, "/api/flows/stats?period=fortnight", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBulkMarketing(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	csv := "email,userId,campaignName\n" +
		"ada@example.com,u-1,Autumn\n" +
		"not-an-email,u-2,Autumn\n" +
		",u-3,Autumn\n" +
		"bob@example.com,u-4,Autumn\n"

	resp, body := ts.do(t, http.MethodPost, "/api/flows/marketing-campaign/bulk", "text/csv", csv)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.EqualValues(t, 2, body["created"])
	assert.Len(t, body["flows"], 2)
	assert.Len(t, body["errors"], 2)

	first := body["flows"].([]any)[0].(map[string]any)
	assert.Equal(t, "ada@example.com", first["to"])
	assert.Len(t, first["jobIds"], 3)

	resp, _ = ts.do(t, http.MethodPost, "/api/flows/marketing-campaign/bulk", "text/csv", "name\nAda\n")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStandaloneSend(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	resp, body := ts.json(t, http.MethodPost, "/api/email/send",
		`{"to":"ada@example.com","template":"welcome","variables":{"firstName":"Ada"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	job, ok := ts.queue.Get(body["jobId"].(string))
	require.True(t, ok)
	assert.Empty(t, job.FlowID)
	assert.Equal(t, 3, job.MaxAttempts)

	resp, _ = ts.json(t, http.MethodPost, "/api/email/send", `{"to":"ada@example.com","template":"missing"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTestSend(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	resp, body := ts.json(t, http.MethodPost, "/api/email/test-send", `{"to":"ada@example.com","provider":"primary"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "log-123", body["logId"])
	assert.Equal(t, models.Primary, ts.delivery.lastProvider)
	assert.Equal(t, "PulseFlow test email", ts.delivery.lastMsg.Subject)
	assert.Contains(t, ts.delivery.lastMsg.Text, "primary provider")
}

func TestTestSendErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"rate limited", apperr.RateLimited(42 * time.Second), http.StatusTooManyRequests},
		{"no provider", apperr.Configuration("preference auto", apperr.ErrNoProvider), http.StatusConflict},
		{"transient", apperr.Transient("all providers failed", errors.New("timeout")), http.StatusServiceUnavailable},
		{"terminal", apperr.Terminal("all providers failed", errors.New("550 rejected")), http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, RouterOptions{})
			ts.delivery.sendErr = tc.err

			resp, body := ts.json(t, http.MethodPost, "/api/email/test-send", `{"to":"ada@example.com"}`)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])
			if tc.status == http.StatusTooManyRequests {
				assert.Equal(t, "42", resp.Header.Get("Retry-After"))
			}
		})
	}
}

func TestTestConnection(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	resp, body := ts.json(t, http.MethodPost, "/api/email/test-connection",
		`{"provider":"fallback","config":{"region":"eu-west-1","from":"noreply@example.com"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "connected", body["status"])
	assert.Equal(t, "eu-west-1", ts.delivery.lastOverride["region"])

	ts.delivery.connErr = apperr.Transient("smtp handshake", errors.New("connection refused"))
	resp, body = ts.json(t, http.MethodPost, "/api/email/test-connection", `{"provider":"primary"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "error", body["status"])
	assert.Contains(t, body["error"], "connection refused")

	resp, _ = ts.json(t, http.MethodPost, "/api/email/test-connection", `{"provider":"sendgrid"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTestEndpointsAreThrottled(t *testing.T) {
	ts := newTestServer(t, RouterOptions{TestSendPerMinute: 1})

	resp, _ := ts.json(t, http.MethodPost, "/api/email/test-connection", `{"provider":"primary"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.json(t, http.MethodPost, "/api/email/test-send", `{"to":"ada@example.com"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))

	// other routes are not affected
	resp, _ = ts.json(t, http.MethodGet, "/api/email/providers", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListProvidersRedactsCredentials(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	resp, body := ts.json(t, http.MethodGet, "/api/email/providers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	providers := body["providers"].([]any)
	require.Len(t, providers, 2)
	primary := providers[0].(map[string]any)
	assert.Equal(t, "primary", primary["provider"])
	assert.Equal(t, "[REDACTED]", primary["config"].(map[string]any)["password"])
}

func TestStatusForUnclassifiedError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
	assert.Equal(t, http.StatusBadRequest, statusFor(apperr.Validation("bad")))
}

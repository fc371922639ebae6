package controller_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow/config"
	"leadflow/models"
	"leadflow/routes"
	"leadflow/store"
	"leadflow/utils"
	"leadflow/worker"
)

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		BatchSize:    10,
		MaxRetries:   5,
		BackoffBase:  time.Second,
		BackoffCap:   time.Minute,
		SendTimeout:  time.Second,
		ClaimTimeout: 5 * time.Minute,
		PollInterval: time.Second,
		GracePeriod:  72 * time.Hour,
	}
}

func newTestApp(t *testing.T) (*fiber.App, *store.MemoryStore) {
	t.Helper()
	config.AppConfig.RateLimitWebhook = 10000

	m := store.NewMemoryStore()
	cfg := testDispatchConfig()

	app := fiber.New()
	routes.SetupRoutes(app, routes.Deps{
		Campaigns:  m,
		Deliveries: m,
		Leads:      m.Leads(),
		Lifecycle:  worker.NewLifecycle(m, m),
		Reconciler: worker.NewReconciler(m, m, cfg),
	}, cfg)
	return app, m
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	var decoded map[string]interface{}
	if len(raw) > 0 && json.Valid(raw) {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func TestCreateCampaignValidation(t *testing.T) {
	app, _ := newTestApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/campaigns/", map[string]interface{}{
		"email_enabled": true,
		"email_body":    "hi",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["details"], "name is required")

	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/campaigns/", map[string]interface{}{
		"name":          "no body",
		"email_enabled": true,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doJSON(t, app, http.MethodPost, "/api/v1/campaigns/", map[string]interface{}{
		"name":          "ok",
		"email_enabled": true,
		"email_subject": "hey",
		"email_body":    "hello {{first_name}}",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "draft", data["status"])
}

func seedCampaignWithLeads(t *testing.T, app *fiber.App, m *store.MemoryStore, n int) uint {
	t.Helper()

	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/campaigns/", map[string]interface{}{
		"name":          "seeded",
		"email_enabled": true,
		"email_subject": "hey",
		"email_body":    "hello",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	campaignID := uint(body["data"].(map[string]interface{})["ID"].(float64))

	leadIDs := make([]uint, 0, n)
	for i := 0; i < n; i++ {
		lead := &models.Lead{Email: fmt.Sprintf("lead%d@example.com", i)}
		require.NoError(t, m.CreateLead(lead))
		leadIDs = append(leadIDs, lead.ID)
	}

	resp, body = doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/v1/campaigns/%d/leads", campaignID),
		map[string]interface{}{"lead_ids": leadIDs})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(n), body["data"].(map[string]interface{})["deliveries_created"])

	return campaignID
}

func TestCampaignLifecycleEndpoints(t *testing.T) {
	app, m := newTestApp(t)
	id := seedCampaignWithLeads(t, app, m, 2)

	// Start
	resp, _ := doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/v1/campaigns/%d/start", id), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Double start conflicts
	resp, _ = doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/v1/campaigns/%d/start", id), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Pause and resume
	resp, _ = doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/v1/campaigns/%d/pause", id), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/v1/campaigns/%d/resume", id), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Unknown campaign
	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/campaigns/9999/start", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartRejectsEmptyCampaign(t *testing.T) {
	app, _ := newTestApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/campaigns/", map[string]interface{}{
		"name":          "no leads",
		"email_enabled": true,
		"email_body":    "x",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := uint(body["data"].(map[string]interface{})["ID"].(float64))

	resp, body = doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/v1/campaigns/%d/start", id), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "no enrolled deliveries")
}

func TestCampaignStatsEndpoint(t *testing.T) {
	app, m := newTestApp(t)
	id := seedCampaignWithLeads(t, app, m, 3)

	claimed, err := m.ClaimDue(id, 10)
	require.NoError(t, err)
	require.NoError(t, m.Transition(claimed[0].ID, models.DeliveryStatusSent, store.TransitionOptions{
		ExternalMessageID: "stat-1",
	}))

	resp, body := doJSON(t, app, http.MethodGet, fmt.Sprintf("/api/v1/campaigns/%d/stats", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := body["data"].(map[string]interface{})
	stored := data["stored"].(map[string]interface{})
	recomputed := data["recomputed"].(map[string]interface{})
	assert.Equal(t, float64(1), stored["sent_count"])
	assert.Equal(t, float64(1), recomputed["sent_count"])
	assert.Equal(t, float64(3), recomputed["total_rows"])
}

func TestLeadHistoryEndpoint(t *testing.T) {
	app, m := newTestApp(t)
	id := seedCampaignWithLeads(t, app, m, 1)

	resp, body := doJSON(t, app, http.MethodGet, fmt.Sprintf("/api/v1/campaigns/%d/leads/1/deliveries", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rows := body["data"].([]interface{})
	require.Len(t, rows, 1)
	assert.Equal(t, "email", rows[0].(map[string]interface{})["channel"])
}

func TestCreateLeadEndpoint(t *testing.T) {
	app, _ := newTestApp(t)

	resp, _ := doJSON(t, app, http.MethodPost, "/api/v1/leads/", map[string]interface{}{
		"first_name": "Dana",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/leads/", map[string]interface{}{
		"first_name": "Dana",
		"email":      "not-an-email",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/leads/", map[string]interface{}{
		"first_name": "Dana",
		"email":      "dana@example.com",
		"phone":      "+15551234567",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "dana@example.com", body["data"].(map[string]interface{})["email"])
}

func TestProviderWebhook(t *testing.T) {
	app, m := newTestApp(t)
	id := seedCampaignWithLeads(t, app, m, 1)

	claimed, err := m.ClaimDue(id, 1)
	require.NoError(t, err)
	require.NoError(t, m.Transition(claimed[0].ID, models.DeliveryStatusSent, store.TransitionOptions{
		ExternalMessageID: "wh-1",
	}))

	// Delivered event applies.
	resp, body := doJSON(t, app, http.MethodPost, "/webhooks/whatsapp", map[string]interface{}{
		"external_message_id": "wh-1",
		"event":               "delivered",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["data"].(map[string]interface{})["applied"])

	row, err := m.GetDelivery(claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusDelivered, row.Status)

	// Unknown message id is acknowledged, not errored.
	resp, body = doJSON(t, app, http.MethodPost, "/webhooks/whatsapp", map[string]interface{}{
		"external_message_id": "nope",
		"event":               "delivered",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["data"].(map[string]interface{})["applied"])

	// Unknown event type is rejected.
	resp, _ = doJSON(t, app, http.MethodPost, "/webhooks/whatsapp", map[string]interface{}{
		"external_message_id": "wh-1",
		"event":               "unsubscribed",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOpenTrackingPixel(t *testing.T) {
	app, m := newTestApp(t)
	id := seedCampaignWithLeads(t, app, m, 1)

	claimed, err := m.ClaimDue(id, 1)
	require.NoError(t, err)
	require.NoError(t, m.Transition(claimed[0].ID, models.DeliveryStatusSent, store.TransitionOptions{
		ExternalMessageID: "px-1",
	}))

	// A valid token reports the read stage.
	url := utils.GenerateTrackingPixelURL("", "px-1")
	req := httptest.NewRequest(http.MethodGet, url, nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))
	resp.Body.Close()

	row, err := m.GetDelivery(claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusRead, row.Status)

	// A forged token still gets the pixel but moves nothing.
	req = httptest.NewRequest(http.MethodGet, "/track/open/px-1/forged", nil)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestAdminEndpoints(t *testing.T) {
	app, m := newTestApp(t)
	id := seedCampaignWithLeads(t, app, m, 2)

	claimed, err := m.ClaimDue(id, 1)
	require.NoError(t, err)
	m.SetClaimedAt(claimed[0].ID, time.Now().Add(-time.Hour))

	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/admin/requeue-stuck", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["data"].(map[string]interface{})["requeued"])

	// Reconciliation report covers the active campaign after start.
	resp, _ = doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/v1/campaigns/%d/start", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, app, http.MethodGet, "/api/v1/admin/reconciliation-report", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := body["data"].([]interface{})
	require.Len(t, report, 1)
	assert.Equal(t, false, report[0].(map[string]interface{})["drift"])
}

package api

import (
	"encoding/json"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/engine"
	"github.com/cadencehq/cadence/internal/queue"
	"github.com/cadencehq/cadence/internal/store"
	"github.com/cadencehq/cadence/internal/template"
)

func newTestHandlers(t *testing.T) (*Handlers, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	eng := engine.New(store.New(db), queue.New(db), nil, nil, nil, nil, nil,
		config.EmailConfig{}, config.SMSConfig{}, engine.Options{})
	h := &Handlers{
		Engine: eng,
		Tmpl:   template.NewEngine(),
		Cfg: &config.Config{
			Marketplace: config.MarketplaceConfig{ValidAPIKeys: []string{"partner-key"}},
		},
	}
	return h, mock
}

func leadRows(id, name, email, phone string, status domain.LeadStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "name", "email", "phone", "source",
		"campaign_id", "status", "metadata", "version", "created_at", "updated_at"}).
		AddRow(id, name, email, phone, "direct", "", status, "{}", 1, now, now)
}

func doJSON(t *testing.T, h *Handlers, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	SetupRoutes(h).ServeHTTP(rec, req)
	return rec
}

func doForm(t *testing.T, h *Handlers, path string, form url.Values, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	SetupRoutes(h).ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	h, _ := newTestHandlers(t)
	rec := doJSON(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestCreateLeadValidationError(t *testing.T) {
	h, _ := newTestHandlers(t)
	rec := doJSON(t, h, http.MethodPost, "/leads", `{"email":"jo@example.com"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "validation", env.Code)
	assert.False(t, env.Retryable)
	assert.NotEmpty(t, env.RequestID)
}

func TestCreateLeadReturns201(t *testing.T) {
	h, mock := newTestHandlers(t)
	mock.ExpectExec(`INSERT INTO leads`).
		WithArgs(sqlmock.AnyArg(), "Jo Doe", "jo@example.com", "", "direct",
			sqlmock.AnyArg(), "", string(domain.LeadNew), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM leads WHERE id`).
		WillReturnRows(leadRows("lead-1", "Jo Doe", "jo@example.com", "", domain.LeadNew))
	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs(sqlmock.AnyArg(), queue.TypeAgentCompose, sqlmock.AnyArg(), sqlmock.AnyArg(), 3, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doJSON(t, h, http.MethodPost, "/leads", `{"name":"Jo Doe","email":"jo@example.com"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"leadId":"lead-1"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkLeadsMappedRowsRejectIndividually(t *testing.T) {
	h, mock := newTestHandlers(t)
	mock.ExpectExec(`INSERT INTO leads`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM leads WHERE id`).
		WillReturnRows(leadRows("lead-1", "Ann Lee", "ann@example.com", "", domain.LeadNew))
	mock.ExpectExec(`INSERT INTO jobs`).WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{
		"leads": [
			{"full_name": "Ann Lee", "mail": "ann@example.com"},
			{"full_name": "No Contact"}
		],
		"mapping": {"full_name": "name", "mail": "email"}
	}`
	rec := doJSON(t, h, http.MethodPost, "/leads/bulk", body)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp bulkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 1, resp.Accepted)
	require.Len(t, resp.Rejected, 1)
	assert.Equal(t, 1, resp.Rejected[0].Row)
	assert.Contains(t, resp.Rejected[0].Reason, "email or phone")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostLeadTestModeEvaluatesWithoutPersisting(t *testing.T) {
	h, mock := newTestHandlers(t)
	// Only the decision audit row; no lead insert, no job.
	mock.ExpectExec(`INSERT INTO decisions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO decisions`).WillReturnResult(sqlmock.NewResult(0, 1))

	form := url.Values{
		"Test_Lead": {"1"}, "zip": {"12345"},
		"name": {"John Doe"}, "email": {"john@test.com"},
	}
	first := doForm(t, h, "/postLead", form, nil)
	second := doForm(t, h, "/postLead", form, nil)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)

	var a, b xmlResponse
	require.NoError(t, xml.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, xml.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, "matched", a.Status)
	assert.Equal(t, a.LeadID, b.LeadID)
	assert.True(t, strings.HasPrefix(a.LeadID, "test-"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostLeadTestZipTriggersTestMode(t *testing.T) {
	h, mock := newTestHandlers(t)
	mock.ExpectExec(`INSERT INTO decisions`).WillReturnResult(sqlmock.NewResult(0, 1))

	form := url.Values{"zip": {"99999"}, "name": {"Jane"}, "phone": {"+15551234567"}}
	rec := doForm(t, h, "/postLead", form, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<status>matched</status>")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostLeadRejectsUncontactable(t *testing.T) {
	h, _ := newTestHandlers(t)
	form := url.Values{"Test_Lead": {"1"}, "name": {"Nobody"}}
	rec := doForm(t, h, "/postLead", form, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<status>unmatched</status>")
}

func TestPostLeadFullModeRequiresAPIKey(t *testing.T) {
	h, mock := newTestHandlers(t)
	form := url.Values{"mode": {"full"}, "Test_Lead": {"1"}, "name": {"Jo"}, "email": {"jo@x.com"}}

	rec := doForm(t, h, "/postLead", form, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "<status>error</status>")

	mock.ExpectExec(`INSERT INTO decisions`).WillReturnResult(sqlmock.NewResult(0, 1))
	rec = doForm(t, h, "/postLead", form, map[string]string{"X-API-Key": "partner-key"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<status>matched</status>")
}

func TestLeadStatusRequiresAPIKey(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/leadStatus/lead-1", nil)
	rec := httptest.NewRecorder()
	SetupRoutes(h).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLeadStatusReturnsXML(t *testing.T) {
	h, mock := newTestHandlers(t)
	mock.ExpectQuery(`SELECT .+ FROM leads WHERE id`).
		WillReturnRows(leadRows("lead-1", "Jo", "jo@x.com", "", domain.LeadEngaged))

	req := httptest.NewRequest(http.MethodGet, "/leadStatus/lead-1", nil)
	req.Header.Set("X-API-Key", "partner-key")
	rec := httptest.NewRecorder()
	SetupRoutes(h).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp xmlResponse
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(domain.LeadEngaged), resp.Status)
	assert.Equal(t, "lead-1", resp.LeadID)
}

func TestEmailWebhookRejectsBadSignature(t *testing.T) {
	h, _ := newTestHandlers(t)
	h.Cfg.Email.WebhookSecret = "signing-key"

	form := url.Values{
		"event": {"delivered"}, "Message-Id": {"<m-1@x>"},
		"timestamp": {"1700000000"}, "token": {"tok"}, "signature": {"bogus"},
	}
	rec := doForm(t, h, "/webhooks/email", form, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEmailWebhookDeliveredStatus(t *testing.T) {
	h, mock := newTestHandlers(t)
	mock.ExpectExec(`UPDATE communications SET status = \$2, delivered_at`).
		WithArgs("m-1@x", string(domain.CommDelivered)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	form := url.Values{"event": {"delivered"}, "Message-Id": {"<m-1@x>"}}
	rec := doForm(t, h, "/webhooks/email", form, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSMSWebhookIntermediateStatusIsAcknowledged(t *testing.T) {
	h, _ := newTestHandlers(t)
	form := url.Values{"MessageSid": {"SM123"}, "MessageStatus": {"queued"}}
	rec := doForm(t, h, "/webhooks/sms", form, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"received":true`)
}

func TestHandoverConfirmation(t *testing.T) {
	h, mock := newTestHandlers(t)
	mock.ExpectExec(`UPDATE handover_executions SET confirmed = TRUE`).
		WithArgs("ho-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doJSON(t, h, http.MethodPost, "/webhooks/handover/confirmation", `{"handover_id":"ho-1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"confirmed":true`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandoverConfirmationIdempotent(t *testing.T) {
	h, mock := newTestHandlers(t)
	mock.ExpectExec(`UPDATE handover_executions SET confirmed = TRUE`).
		WithArgs("ho-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := doJSON(t, h, http.MethodPost, "/webhooks/handover/confirmation", `{"handover_id":"ho-1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"alreadyConfirmed":true`)
}

func TestSaveTemplateRejectsUnparsableBody(t *testing.T) {
	h, _ := newTestHandlers(t)
	rec := doJSON(t, h, http.MethodPost, "/api/templates",
		`{"id":"t1","name":"bad","body":"Hello {% endif %}"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "does not parse")
}

func TestSaveTemplatePersists(t *testing.T) {
	h, mock := newTestHandlers(t)
	mock.ExpectExec(`INSERT INTO templates`).
		WithArgs("t1", "hello", "", "Hi {{ first_name }}", sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doJSON(t, h, http.MethodPost, "/api/templates",
		`{"id":"t1","name":"hello","body":"Hi {{ first_name }}"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCampaignValidation(t *testing.T) {
	h, _ := newTestHandlers(t)

	rec := doJSON(t, h, http.MethodPost, "/api/campaigns/", `{"name":"no id"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/campaigns/",
		`{"id":"c1","name":"x","conversation_mode":"ai_only","touch_sequence":[{"template_id":"t1"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "ai_only")
}

func campaignRow(id, name string, mode domain.ConversationMode, seqJSON string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "name", "agent_id", "conversation_mode",
		"touch_sequence", "settings", "created_at", "updated_at"}).
		AddRow(id, name, "", string(mode), seqJSON, "{}", now, now)
}

func TestExportSequence(t *testing.T) {
	h, mock := newTestHandlers(t)
	seq := `[{"template_id":"t1","delay":0,"delay_unit":"minutes"}]`
	mock.ExpectQuery(`SELECT .+ FROM campaigns WHERE id`).
		WillReturnRows(campaignRow("c1", "Spring", domain.ModeAuto, seq))

	req := httptest.NewRequest(http.MethodGet, "/api/campaigns/c1/sequence", nil)
	rec := httptest.NewRecorder()
	SetupRoutes(h).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var doc sequenceDoc
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "Spring", doc.CampaignName)
	assert.Equal(t, string(domain.ModeAuto), doc.ScheduleType)
	assert.NotEmpty(t, doc.ExportDate)
	require.Len(t, doc.Templates, 1)
	assert.Equal(t, "t1", doc.Templates[0].TemplateID)
	assert.Equal(t, 0, doc.Templates[0].Order)
}

func TestImportSequenceReplacesPlan(t *testing.T) {
	h, mock := newTestHandlers(t)
	mock.ExpectQuery(`SELECT .+ FROM campaigns WHERE id`).
		WillReturnRows(campaignRow("c1", "Spring", domain.ModeAuto, "[]"))
	mock.ExpectExec(`INSERT INTO campaigns`).
		WithArgs("c1", "Spring", "", string(domain.ModeTemplateOnly), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{
		"campaignName": "Spring",
		"scheduleType": "template_only",
		"templates": [
			{"templateId": "t2", "delay": 2, "delayUnit": "days", "order": 1},
			{"templateId": "t1", "delay": 0, "delayUnit": "minutes", "order": 0}
		]
	}`
	req := httptest.NewRequest(http.MethodPut, "/api/campaigns/c1/sequence", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	SetupRoutes(h).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsAggregates(t *testing.T) {
	h, mock := newTestHandlers(t)
	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("queued", 4).AddRow("done", 10))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM orphan_replies`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	SetupRoutes(h).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 2, stats["orphanReplies"])
	q := stats["queue"].(map[string]any)
	assert.EqualValues(t, 4, q["queued"])
}

func TestReplayDeadJobs(t *testing.T) {
	h, mock := newTestHandlers(t)

	mock.ExpectExec(`UPDATE jobs SET status = 'queued', attempts = 0`).
		WithArgs(queue.TypeDispatchEmail).
		WillReturnResult(sqlmock.NewResult(0, 2))

	rec := doJSON(t, h, http.MethodPost, "/api/queue/replay?type=dispatch_email", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"replayed":2`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

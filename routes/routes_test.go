package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"dripline/enrollments"
	"dripline/journey"
	"dripline/models"
	"dripline/renderer"
	"dripline/sequences"
	"dripline/signals"
	"dripline/testutil"
	"dripline/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testApp struct {
	app     *fiber.App
	db      *gorm.DB
	log     *journey.Log
	tracker *utils.Tracker
}

func newTestApp(t *testing.T, webhookLimit int) *testApp {
	t.Helper()
	db := testutil.NewDB(t)
	log := journey.NewLog(db)
	enr := enrollments.NewTracker(db, log)
	tracker := utils.NewTracker("http://track.test", "0123456789abcdef0123456789", 0)

	app := fiber.New()
	SetupRoutes(app, Deps{
		DB:               db,
		Sequences:        sequences.NewStore(db, renderer.New(nil)),
		Enrollments:      enr,
		Journey:          log,
		Signals:          signals.NewListener(db, enr, log),
		Tracker:          tracker,
		WebhookRateLimit: webhookLimit,
		Version:          "test",
	})
	return &testApp{app: app, db: db, log: log, tracker: tracker}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (a *testApp) do(t *testing.T, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

var twoSteps = fiber.Map{
	"name": "Cold outreach",
	"steps": []fiber.Map{
		{"channel": "email", "subject": "Hi {{.first_name}}", "body": "Hello {{.first_name}}"},
		{"channel": "sms", "delay": "2d", "body": "Following up"},
	},
}

func (a *testApp) activeSequence(t *testing.T) models.SequenceDefinition {
	t.Helper()
	status, env := a.do(t, http.MethodPost, "/api/v1/sequences", twoSteps)
	require.Equal(t, http.StatusCreated, status, env.Error)
	seq := decode[models.SequenceDefinition](t, env)

	status, env = a.do(t, http.MethodPost, "/api/v1/sequences/"+utoa(seq.ID)+"/activate", nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	return decode[models.SequenceDefinition](t, env)
}

func (a *testApp) lead(t *testing.T) models.Lead {
	t.Helper()
	status, env := a.do(t, http.MethodPost, "/api/v1/leads", fiber.Map{"email": "Ada@Example.com", "first_name": "Ada"})
	require.Equal(t, http.StatusCreated, status, env.Error)
	return decode[models.Lead](t, env)
}

func utoa(id uint) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestHealth(t *testing.T) {
	a := newTestApp(t, 10)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSequenceLifecycle(t *testing.T) {
	a := newTestApp(t, 10)

	seq := a.activeSequence(t)
	assert.Equal(t, models.SequenceActive, seq.Status)
	require.Len(t, seq.Steps, 2)
	assert.Equal(t, models.ChannelSMS, seq.Steps[1].Channel)

	status, env := a.do(t, http.MethodPost, "/api/v1/sequences/"+utoa(seq.ID)+"/steps",
		fiber.Map{"channel": "email", "delay": "1d", "body": "late"})
	assert.Equal(t, http.StatusUnprocessableEntity, status, "active sequences are locked")
	assert.False(t, env.Success)

	status, env = a.do(t, http.MethodPost, "/api/v1/sequences/"+utoa(seq.ID)+"/duplicate", nil)
	require.Equal(t, http.StatusCreated, status)
	dup := decode[models.SequenceDefinition](t, env)
	assert.Equal(t, models.SequenceDraft, dup.Status)
	assert.Equal(t, 2, dup.Version)

	status, _ = a.do(t, http.MethodPut, "/api/v1/sequences/"+utoa(dup.ID)+"/steps/order", fiber.Map{"order": []int{1, 0}})
	assert.Equal(t, http.StatusBadRequest, status, "step 0 of the new order has a delay, step 1 has none")

	status, _ = a.do(t, http.MethodDelete, "/api/v1/sequences/"+utoa(dup.ID)+"/steps/1", nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, env = a.do(t, http.MethodGet, "/api/v1/sequences?status=draft", nil)
	require.Equal(t, http.StatusOK, status)
	drafts := decode[[]models.SequenceDefinition](t, env)
	require.Len(t, drafts, 1)
	assert.Len(t, drafts[0].Steps, 1)

	status, _ = a.do(t, http.MethodPost, "/api/v1/sequences/"+utoa(seq.ID)+"/pause", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = a.do(t, http.MethodPost, "/api/v1/sequences/"+utoa(seq.ID)+"/resume", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestCreateSequence_InvalidStepCreatesNothing(t *testing.T) {
	a := newTestApp(t, 10)

	status, env := a.do(t, http.MethodPost, "/api/v1/sequences", fiber.Map{
		"name": "bad",
		"steps": []fiber.Map{
			{"channel": "email", "body": "one"},
			{"channel": "sms", "delay": "1d", "subject": "no subjects on sms", "body": "two"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, env.Error, "Invalid")

	status, env = a.do(t, http.MethodGet, "/api/v1/sequences", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decode[[]models.SequenceDefinition](t, env))

	status, _ = a.do(t, http.MethodPost, "/api/v1/sequences", fiber.Map{"name": ""})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = a.do(t, http.MethodPost, "/api/v1/sequences/1/activate", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestLeads(t *testing.T) {
	a := newTestApp(t, 10)

	lead := a.lead(t)
	assert.Equal(t, "ada@example.com", lead.Email)

	status, env := a.do(t, http.MethodGet, "/api/v1/leads/"+utoa(lead.ID), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, lead.ID, decode[models.Lead](t, env).ID)

	status, _ = a.do(t, http.MethodPost, "/api/v1/leads", fiber.Map{"first_name": "nobody"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = a.do(t, http.MethodPost, "/api/v1/leads", fiber.Map{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = a.do(t, http.MethodGet, "/api/v1/leads/42", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestEnrollmentEndpoints(t *testing.T) {
	a := newTestApp(t, 10)
	seq := a.activeSequence(t)
	lead := a.lead(t)
	body := fiber.Map{"leadId": lead.ID, "sequenceId": seq.ID}

	status, env := a.do(t, http.MethodPost, "/api/v1/enroll", body)
	require.Equal(t, http.StatusCreated, status, env.Error)
	e := decode[models.Enrollment](t, env)
	assert.Equal(t, models.EnrollmentPending, e.Status)

	status, _ = a.do(t, http.MethodPost, "/api/v1/enroll", body)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = a.do(t, http.MethodPost, "/api/v1/enroll", fiber.Map{"leadId": lead.ID})
	assert.Equal(t, http.StatusBadRequest, status)

	id := utoa(e.ID)
	status, env = a.do(t, http.MethodPost, "/api/v1/enrollment/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.EnrollmentPaused, decode[models.Enrollment](t, env).Status)

	status, env = a.do(t, http.MethodPost, "/api/v1/enrollment/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.EnrollmentPending, decode[models.Enrollment](t, env).Status)

	status, env = a.do(t, http.MethodPost, "/api/v1/enrollment/"+id+"/cancel", fiber.Map{"reason": "wrong list"})
	require.Equal(t, http.StatusOK, status)
	canceled := decode[models.Enrollment](t, env)
	assert.Equal(t, models.EnrollmentCanceled, canceled.Status)
	assert.Equal(t, "wrong list", canceled.HaltReason)

	status, _ = a.do(t, http.MethodPost, "/api/v1/enrollment/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, env = a.do(t, http.MethodGet, "/api/v1/enrollment/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	var detail struct {
		Enrollment models.Enrollment        `json:"enrollment"`
		Attempts   []models.DeliveryAttempt `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.Equal(t, e.ID, detail.Enrollment.ID)

	status, _ = a.do(t, http.MethodGet, "/api/v1/enrollment/999", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = a.do(t, http.MethodGet, "/api/v1/enrollment/abc", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	// canceled, so a new enrollment is allowed
	status, _ = a.do(t, http.MethodPost, "/api/v1/enroll", body)
	assert.Equal(t, http.StatusCreated, status)

	status, env = a.do(t, http.MethodGet, "/api/v1/leads/"+utoa(lead.ID)+"/enrollments", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]models.Enrollment](t, env), 2)
}

func TestJourneyAndStats(t *testing.T) {
	a := newTestApp(t, 10)
	seq := a.activeSequence(t)
	lead := a.lead(t)

	status, env := a.do(t, http.MethodPost, "/api/v1/enroll", fiber.Map{"leadId": lead.ID, "sequenceId": seq.ID})
	require.Equal(t, http.StatusCreated, status)
	e := decode[models.Enrollment](t, env)
	status, _ = a.do(t, http.MethodPost, "/api/v1/enrollment/"+utoa(e.ID)+"/pause", nil)
	require.Equal(t, http.StatusOK, status)

	status, env = a.do(t, http.MethodGet, "/api/v1/journey?limit=1&lead_id="+utoa(lead.ID), nil)
	require.Equal(t, http.StatusOK, status)
	page := decode[journey.Page](t, env)
	require.Len(t, page.Events, 1)
	assert.Equal(t, models.EventPaused, page.Events[0].Kind)
	require.NotEmpty(t, page.NextCursor)

	status, env = a.do(t, http.MethodGet, "/api/v1/journey?limit=1&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, status)
	page = decode[journey.Page](t, env)
	require.Len(t, page.Events, 1)
	assert.Equal(t, models.EventEnrolled, page.Events[0].Kind)
	assert.Empty(t, page.NextCursor)

	status, _ = a.do(t, http.MethodGet, "/api/v1/journey?cursor=!!", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = a.do(t, http.MethodGet, "/api/v1/journey?channel=fax", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, env = a.do(t, http.MethodGet, "/api/v1/stats?window=7d", nil)
	require.Equal(t, http.StatusOK, status)
	stats := decode[journey.Stats](t, env)
	assert.Equal(t, 1, stats.Enrolled)

	status, _ = a.do(t, http.MethodGet, "/api/v1/stats?window=soon", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSignalWebhooks(t *testing.T) {
	a := newTestApp(t, 100)
	seq := a.activeSequence(t)
	lead := a.lead(t)

	status, env := a.do(t, http.MethodPost, "/api/v1/enroll", fiber.Map{"leadId": lead.ID, "sequenceId": seq.ID})
	require.Equal(t, http.StatusCreated, status)
	e := decode[models.Enrollment](t, env)

	status, env = a.do(t, http.MethodPost, "/api/v1/signals/engagement", fiber.Map{"lead_id": lead.ID, "kind": "meeting_scheduled", "channel": "voice"})
	require.Equal(t, http.StatusOK, status, env.Error)

	status, _ = a.do(t, http.MethodPost, "/api/v1/signals/engagement", fiber.Map{"lead_id": lead.ID, "kind": "replied"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = a.do(t, http.MethodPost, "/api/v1/signals/delivered", fiber.Map{})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = a.do(t, http.MethodPost, "/api/v1/signals/delivered", fiber.Map{"provider_ref": "unknown"})
	assert.Equal(t, http.StatusNotFound, status)

	status, env = a.do(t, http.MethodPost, "/api/v1/signals/reply", fiber.Map{"lead_id": lead.ID, "channel": "sms", "detail": "yes"})
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.JSONEq(t, `{"halted":1}`, string(env.Data))

	status, env = a.do(t, http.MethodGet, "/api/v1/enrollment/"+utoa(e.ID), nil)
	require.Equal(t, http.StatusOK, status)
	var detail struct {
		Enrollment models.Enrollment `json:"enrollment"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.Equal(t, models.EnrollmentHaltedByReply, detail.Enrollment.Status)

	status, env = a.do(t, http.MethodPost, "/api/v1/signals/unsubscribe", fiber.Map{"lead_id": lead.ID})
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"canceled":0}`, string(env.Data))

	status, _ = a.do(t, http.MethodPost, "/api/v1/signals/bounce", fiber.Map{"lead_id": lead.ID, "channel": "email"})
	assert.Equal(t, http.StatusOK, status)
}

func TestSignalWebhooks_RateLimited(t *testing.T) {
	a := newTestApp(t, 2)
	body := fiber.Map{"provider_ref": "nope"}

	for i := 0; i < 2; i++ {
		status, _ := a.do(t, http.MethodPost, "/api/v1/signals/delivered", body)
		require.Equal(t, http.StatusNotFound, status)
	}
	status, _ := a.do(t, http.MethodPost, "/api/v1/signals/delivered", body)
	assert.Equal(t, http.StatusTooManyRequests, status)

	// other endpoints have their own budget
	status, _ = a.do(t, http.MethodPost, "/api/v1/signals/reply", fiber.Map{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestTracking(t *testing.T) {
	a := newTestApp(t, 10)
	lead := a.lead(t)

	token, err := a.tracker.Token("msg-1@dripline", lead.ID, 0)
	require.NoError(t, err)

	resp, err := a.app.Test(httptest.NewRequest(http.MethodGet, "/track/open/"+token, nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))

	resp, err = a.app.Test(httptest.NewRequest(http.MethodGet, "/track/open/garbage", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "the pixel is served even for bad tokens")

	link, err := a.tracker.LinkToken("msg-1@dripline", lead.ID, 0, "https://example.com/pricing")
	require.NoError(t, err)
	resp, err = a.app.Test(httptest.NewRequest(http.MethodGet, a.tracker.ClickURL(link, "https://example.com/pricing")[len("http://track.test"):], nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://example.com/pricing", resp.Header.Get("Location"))

	rejected := []string{
		"/track/click/garbage?url=" + url.QueryEscape("https://evil.example.net/"),
		"/track/click/" + token + "?url=" + url.QueryEscape("https://example.com/pricing"),
		"/track/click/" + link + "?url=" + url.QueryEscape("https://evil.example.net/"),
	}
	for _, target := range rejected {
		resp, err = a.app.Test(httptest.NewRequest(http.MethodGet, target, nil), -1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, target)
		assert.Empty(t, resp.Header.Get("Location"), target)
	}

	script, err := a.tracker.LinkToken("msg-1@dripline", lead.ID, 0, "javascript:alert(1)")
	require.NoError(t, err)
	resp, err = a.app.Test(httptest.NewRequest(http.MethodGet, "/track/click/"+script+"?url="+url.QueryEscape("javascript:alert(1)"), nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	page, err := a.log.List(context.Background(), journey.Filter{LeadID: lead.ID}, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, models.EventClicked, page.Events[0].Kind)
	assert.Equal(t, models.EventOpened, page.Events[1].Kind)
}

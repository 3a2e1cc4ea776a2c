package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/httputil"
	"github.com/ignite/relay/internal/service/campaign"
	"github.com/ignite/relay/internal/service/sending"
	"github.com/ignite/relay/internal/tracking"
)

type call struct {
	op string
	id int64
}

type fakeCampaigns struct {
	calls   []call
	sendAt  time.Time
	trigger [2]any
	err     error
}

func (f *fakeCampaigns) record(op string, id int64) error {
	f.calls = append(f.calls, call{op, id})
	return f.err
}

func (f *fakeCampaigns) Schedule(_ context.Context, id int64, sendAt time.Time) error {
	f.sendAt = sendAt
	return f.record("schedule", id)
}
func (f *fakeCampaigns) Launch(_ context.Context, id int64) error { return f.record("launch", id) }
func (f *fakeCampaigns) Abort(_ context.Context, id int64) error  { return f.record("abort", id) }
func (f *fakeCampaigns) EnqueueGenerate(_ context.Context, id int64) error {
	return f.record("generate", id)
}
func (f *fakeCampaigns) EnqueueSendsJob(_ context.Context, id int64) error {
	return f.record("enqueue", id)
}

func (f *fakeCampaigns) Progress(_ context.Context, id int64) (campaign.ProgressReport, error) {
	if err := f.record("progress", id); err != nil {
		return campaign.ProgressReport{}, err
	}
	return campaign.ProgressReport{
		CampaignID: id,
		State:      domain.CampaignLoading,
		Population: campaign.Population{Complete: 40, Total: 100},
	}, nil
}

func (f *fakeCampaigns) TriggerSend(_ context.Context, campaignID, userID int64, ref string) (domain.SendKey, error) {
	f.trigger = [2]any{userID, ref}
	if err := f.record("trigger", campaignID); err != nil {
		return domain.SendKey{}, err
	}
	if ref == "" {
		ref = domain.DefaultReferenceID
	}
	return domain.SendKey{CampaignID: campaignID, UserID: userID, ReferenceID: ref}, nil
}

type fakeProviders struct {
	rows    map[int64]*domain.Provider
	updated *domain.Provider
}

func (f *fakeProviders) GetProvider(_ context.Context, id int64) (*domain.Provider, error) {
	p, ok := f.rows[id]
	if !ok {
		return nil, sending.ErrProviderNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProviders) UpdateProvider(_ context.Context, p *domain.Provider) error {
	f.updated = p
	return nil
}

type fakeCache struct{ invalidated []int64 }

func (f *fakeCache) Invalidate(id int64) { f.invalidated = append(f.invalidated, id) }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body == "" {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestCampaignRoutes(t *testing.T) {
	svc := &fakeCampaigns{}
	h := SetupRoutes(Deps{Campaigns: svc})

	cases := []struct {
		method, path, body string
		status             int
		op                 string
	}{
		{http.MethodPost, "/api/campaigns/3/schedule", `{"send_at":"2026-11-01T09:00:00Z"}`, http.StatusOK, "schedule"},
		{http.MethodPost, "/api/campaigns/3/launch", "", http.StatusAccepted, "launch"},
		{http.MethodPost, "/api/campaigns/3/abort", "", http.StatusAccepted, "abort"},
		{http.MethodPost, "/api/campaigns/3/generate", "", http.StatusAccepted, "generate"},
		{http.MethodPost, "/api/campaigns/3/enqueue", "", http.StatusAccepted, "enqueue"},
		{http.MethodGet, "/api/campaigns/3/progress", "", http.StatusOK, "progress"},
	}
	for _, tc := range cases {
		t.Run(tc.op, func(t *testing.T) {
			svc.calls = nil
			rec := do(t, h, tc.method, tc.path, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			require.Len(t, svc.calls, 1)
			assert.Equal(t, call{tc.op, 3}, svc.calls[0])
		})
	}
	assert.Equal(t, time.Date(2026, 11, 1, 9, 0, 0, 0, time.UTC), svc.sendAt.UTC())
}

func TestProgressBody(t *testing.T) {
	h := SetupRoutes(Deps{Campaigns: &fakeCampaigns{}})
	rec := do(t, h, http.MethodGet, "/api/campaigns/8/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var report campaign.ProgressReport
	decodeBody(t, rec, &report)
	assert.Equal(t, int64(8), report.CampaignID)
	assert.Equal(t, domain.CampaignLoading, report.State)
	assert.Equal(t, campaign.Population{Complete: 40, Total: 100}, report.Population)
}

func TestScheduleValidation(t *testing.T) {
	svc := &fakeCampaigns{}
	h := SetupRoutes(Deps{Campaigns: svc})

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/campaigns/abc/schedule", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/campaigns/3/schedule", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/campaigns/3/schedule", `{"when":"now"}`).Code)
	assert.Empty(t, svc.calls)
}

func TestCampaignErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{campaign.ErrNotFound, http.StatusNotFound, "campaign_not_found"},
		{campaign.ErrAlreadyFinished, http.StatusConflict, "campaign_finished"},
		{campaign.ErrInvalidState.With(errors.New("state is running")), http.StatusConflict, "invalid_state"},
		{campaign.ErrTriggerCampaign, http.StatusBadRequest, "trigger_campaign"},
		{errors.New("connection reset"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			h := SetupRoutes(Deps{Campaigns: &fakeCampaigns{err: tc.err}})
			rec := do(t, h, http.MethodPost, "/api/campaigns/3/launch", "")
			require.Equal(t, tc.status, rec.Code)

			var body httputil.ErrorResponse
			decodeBody(t, rec, &body)
			assert.Equal(t, tc.code, body.Code)
			assert.NotContains(t, body.Error, "connection reset")
		})
	}
}

func TestTrigger(t *testing.T) {
	svc := &fakeCampaigns{}
	h := SetupRoutes(Deps{Campaigns: svc})

	rec := do(t, h, http.MethodPost, "/api/campaigns/5/trigger", `{"user_id":42,"reference_id":"order-9"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, [2]any{int64(42), "order-9"}, svc.trigger)

	var body map[string]any
	decodeBody(t, rec, &body)
	assert.Equal(t, "order-9", body["reference_id"])

	rec = do(t, h, http.MethodPost, "/api/campaigns/5/trigger", `{"reference_id":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.err = campaign.ErrNotTrigger
	rec = do(t, h, http.MethodPost, "/api/campaigns/5/trigger", `{"user_id":42}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProviderUpdate(t *testing.T) {
	store := &fakeProviders{rows: map[int64]*domain.Provider{
		7: {ID: 7, Name: "ses-main", Type: domain.ProviderSES, RateLimit: 10,
			Data: map[string]string{"secret_key": "s3cr3t", "from": "a@example.com"}},
	}}
	cache := &fakeCache{}
	h := SetupRoutes(Deps{Providers: store, Registry: cache})

	rec := do(t, h, http.MethodPut, "/api/providers/7", `{"rate_limit":50}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, store.updated)
	assert.Equal(t, 50, store.updated.RateLimit)
	assert.Equal(t, "ses-main", store.updated.Name)
	assert.Equal(t, "s3cr3t", store.updated.Data["secret_key"], "data kept when omitted")
	assert.Equal(t, []int64{7}, cache.invalidated)
	assert.NotContains(t, rec.Body.String(), "s3cr3t")

	rec = do(t, h, http.MethodPut, "/api/providers/7", `{"rate_limit":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/providers/99", `{"name":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, []int64{7}, cache.invalidated)
}

func TestProviderGet(t *testing.T) {
	store := &fakeProviders{rows: map[int64]*domain.Provider{
		2: {ID: 2, Name: "sms", Type: domain.ProviderHTTPText, Data: map[string]string{"api_key": "k"}},
	}}
	h := SetupRoutes(Deps{Providers: store})

	rec := do(t, h, http.MethodGet, "/api/providers/2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"http_text"`)
	assert.NotContains(t, rec.Body.String(), `"api_key"`)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/providers/3", "").Code)
}

type recordingPublisher struct{ got []domain.Interaction }

func (r *recordingPublisher) Publish(_ context.Context, _ domain.SendKey, kind domain.Interaction) error {
	r.got = append(r.got, kind)
	return nil
}

func TestTrackingMounted(t *testing.T) {
	signer := tracking.NewSigner("https://t.example.com", "secret")
	pub := &recordingPublisher{}
	h := SetupRoutes(Deps{Tracking: tracking.NewHandler(signer, pub)})

	key := domain.SendKey{CampaignID: 1, UserID: 2, ReferenceID: "0"}
	path := signer.OpenURL(key)[len("https://t.example.com"):]
	rec := do(t, h, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
	assert.Equal(t, []domain.Interaction{domain.InteractionOpen}, pub.got)
}

func TestCORSPreflight(t *testing.T) {
	h := SetupRoutes(Deps{Campaigns: &fakeCampaigns{}, AllowedOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/campaigns/1/launch", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealth(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	mock.MatchExpectationsInOrder(false)
	mock.ExpectPing()
	mock.ExpectQuery("FROM campaigns").WillReturnRows(sqlmock.NewRows([]string{"active", "aborting"}).AddRow(3, 1))

	h := SetupRoutes(Deps{Health: NewHealthChecker(db, rdb)})
	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	decodeBody(t, rec, &status)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "up", status.Checks["redis"].Status)
	assert.Equal(t, "3 active, 1 aborting", status.Checks["campaigns"].Message)
	assert.NoError(t, mock.ExpectationsWereMet())

	rec = do(t, h, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadinessFailsWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	h := SetupRoutes(Deps{Health: NewHealthChecker(nil, rdb)})
	rec := do(t, h, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	decodeBody(t, rec, &body)
	assert.Equal(t, false, body["ready"])
}

func TestDetermineOverallStatus(t *testing.T) {
	assert.Equal(t, "healthy", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "up"}, "redis": {Status: "up"},
	}))
	assert.Equal(t, "degraded", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "up"}, "campaigns": {Status: "degraded"},
	}))
	assert.Equal(t, "unhealthy", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "down", Message: "ping failed"},
	}))
	assert.Equal(t, "healthy", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "down", Message: "not configured"},
	}))
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "5s", formatUptime(5*time.Second))
	assert.Equal(t, "2m 3s", formatUptime(2*time.Minute+3*time.Second))
	assert.Equal(t, "1d 2h 0m 0s", formatUptime(26*time.Hour))
}

package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oi-watchdog/buckets"
	"oi-watchdog/database"
	triggerrepo "oi-watchdog/database/triggers"
	"oi-watchdog/gateway"
	"oi-watchdog/market"
	"oi-watchdog/notify"
	"oi-watchdog/realtime"
	"oi-watchdog/state"
	"oi-watchdog/triggers"
)

type fakeProvider struct {
	id        string
	connected bool
}

func (f *fakeProvider) ID() string                            { return f.id }
func (f *fakeProvider) Connect() error                        { return nil }
func (f *fakeProvider) Disconnect() error                     { return nil }
func (f *fakeProvider) IsConnected() bool                     { return f.connected }
func (f *fakeProvider) Subscribe(symbols []string) error      { return nil }
func (f *fakeProvider) Unsubscribe(symbols []string) error    { return nil }
func (f *fakeProvider) AvailableSymbols() []string            { return nil }
func (f *fakeProvider) OnUpdate(handler market.UpdateHandler) {}

func (f *fakeProvider) HealthStatus() market.HealthStatus {
	return market.HealthStatus{ProviderID: f.id, Connected: f.connected}
}

type fakeTriggerStore struct {
	active  []database.Trigger
	removed bool
}

func (f *fakeTriggerStore) Init() error { return nil }

func (f *fakeTriggerStore) GetAllActive() ([]database.Trigger, error) {
	return f.active, nil
}

func (f *fakeTriggerStore) FindByUser(userID int64) ([]database.Trigger, error) {
	var out []database.Trigger
	for _, t := range f.active {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTriggerStore) Save(spec triggerrepo.Spec) (*database.Trigger, error) {
	t := database.Trigger{ID: "new", UserID: spec.UserID, Direction: spec.Direction}
	f.active = append(f.active, t)
	return &t, nil
}

func (f *fakeTriggerStore) Remove(id string, userID int64) (bool, error) {
	return f.removed, nil
}

func newTestServer(t *testing.T, connected bool, store *fakeTriggerStore) http.Handler {
	t.Helper()
	gw := gateway.New(state.NewManager(0), buckets.NewStore(0, 0, nil), nil, time.Minute)
	gw.RegisterProvider(&fakeProvider{id: "test-futures", connected: connected})

	registry := triggers.NewRegistry(store, nil)
	require.NoError(t, registry.Init())

	pipeline := notify.NewPipeline(notify.LogSink{}, nil)
	s := NewServer(gw, registry, nil, pipeline, realtime.NewBroker())
	return s.Handler()
}

func TestHealthReportsProviderState(t *testing.T) {
	h := newTestServer(t, true, &fakeTriggerStore{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	h = newTestServer(t, false, &fakeTriggerStore{})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}

func TestStatsEndpoint(t *testing.T) {
	h := newTestServer(t, true, &fakeTriggerStore{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "updates_processed")
	assert.Contains(t, rec.Body.String(), "notifications")
}

func TestListTriggersRequiresUserID(t *testing.T) {
	store := &fakeTriggerStore{active: []database.Trigger{{ID: "t1", UserID: 42}}}
	h := newTestServer(t, true, store)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/triggers", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/triggers?user_id=42", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"t1"`)
}

func TestCreateTrigger(t *testing.T) {
	h := newTestServer(t, true, &fakeTriggerStore{})

	body := `{"user_id":42,"direction":"up","oi_change_percent":5,"time_interval_minutes":5,"notification_limit_seconds":60}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/triggers", strings.NewReader(body)))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/triggers", strings.NewReader("{broken")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteTrigger(t *testing.T) {
	h := newTestServer(t, true, &fakeTriggerStore{removed: true})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/triggers/t1?user_id=42", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/triggers/t1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "user_id is mandatory")

	h = newTestServer(t, true, &fakeTriggerStore{removed: false})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/triggers/nope?user_id=42", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t, true, &fakeTriggerStore{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/triggers", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestGetIntParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?hours=48", nil)
	assert.Equal(t, 48, getIntParam(req, "hours", 24, 1, 168))

	req = httptest.NewRequest(http.MethodGet, "/x?hours=999", nil)
	assert.Equal(t, 24, getIntParam(req, "hours", 24, 1, 168), "out of range falls back")

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	assert.Equal(t, 24, getIntParam(req, "hours", 24, 1, 168))
}

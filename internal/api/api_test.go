package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridline/fieldbus/internal/cache"
	"github.com/gridline/fieldbus/internal/events"
	"github.com/gridline/fieldbus/internal/model"
	"github.com/gridline/fieldbus/internal/store"
	"github.com/gridline/fieldbus/internal/writeq"
)

// mockStore backs the handlers with in-memory fixtures.
type mockStore struct {
	pingErr error

	devices     []model.Device
	deviceCount int

	tags     map[uuid.UUID]*model.Tag
	tagCount int

	history []model.HistoryEntry

	alarmConfigs []model.AlarmConfig
	alarmCount   int
	activeAlarm  *model.AlarmConfig

	createdSchedules []model.Schedule
	createdSubs      []model.Subscription

	deletedDevices []string
}

func newMockStore() *mockStore {
	return &mockStore{tags: make(map[uuid.UUID]*model.Tag)}
}

func (m *mockStore) Ping(context.Context) error { return m.pingErr }

func (m *mockStore) ListDevices(context.Context) ([]model.Device, error) { return m.devices, nil }

func (m *mockStore) CreateDevice(_ context.Context, d *model.Device) (bool, error) {
	for _, existing := range m.devices {
		if existing.Alias == d.Alias {
			return false, nil
		}
	}
	d.ID = int64(len(m.devices) + 1)
	m.devices = append(m.devices, *d)
	return true, nil
}

func (m *mockStore) DeleteDevice(_ context.Context, alias string) error {
	for i, d := range m.devices {
		if d.Alias == alias {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			m.deletedDevices = append(m.deletedDevices, alias)
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *mockStore) DeviceByAlias(_ context.Context, alias string) (*model.Device, error) {
	for i := range m.devices {
		if m.devices[i].Alias == alias {
			return &m.devices[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) CountDevices(context.Context) (int, error) { return m.deviceCount, nil }

func (m *mockStore) ListTags(context.Context, string) ([]model.Tag, error) {
	var out []model.Tag
	for _, t := range m.tags {
		out = append(out, *t)
	}
	return out, nil
}

func (m *mockStore) TagByExternalID(_ context.Context, id uuid.UUID) (*model.Tag, error) {
	t, ok := m.tags[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (m *mockStore) TagsByExternalIDs(_ context.Context, ids []uuid.UUID) ([]model.Tag, error) {
	var out []model.Tag
	for _, id := range ids {
		if t, ok := m.tags[id]; ok {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *mockStore) CreateTag(_ context.Context, t *model.Tag) (bool, error) {
	if t.ExternalID == uuid.Nil {
		t.ExternalID = uuid.New()
	}
	t.ID = int64(len(m.tags) + 1)
	m.tags[t.ExternalID] = t
	return true, nil
}

func (m *mockStore) DeleteTag(_ context.Context, id uuid.UUID) (int64, error) {
	t, ok := m.tags[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	delete(m.tags, id)
	return t.ID, nil
}

func (m *mockStore) CountTags(context.Context) (int, error) { return m.tagCount, nil }

func (m *mockStore) HistorySince(context.Context, int64, time.Time) ([]model.HistoryEntry, error) {
	return m.history, nil
}

func (m *mockStore) ListAlarmConfigs(context.Context, *uuid.UUID) ([]model.AlarmConfig, error) {
	return m.alarmConfigs, nil
}

func (m *mockStore) CreateAlarmConfig(_ context.Context, c *model.AlarmConfig) (bool, error) {
	c.ID = int64(len(m.alarmConfigs) + 1)
	m.alarmConfigs = append(m.alarmConfigs, *c)
	return true, nil
}

func (m *mockStore) CountAlarmConfigs(context.Context) (int, error) { return m.alarmCount, nil }

func (m *mockStore) ActiveAlarmConfigForTag(context.Context, int64) (*model.AlarmConfig, error) {
	return m.activeAlarm, nil
}

func (m *mockStore) CreateSubscription(_ context.Context, sub *model.Subscription) error {
	m.createdSubs = append(m.createdSubs, *sub)
	return nil
}

func (m *mockStore) CreateSchedule(_ context.Context, sch *model.Schedule) error {
	sch.ID = int64(len(m.createdSchedules) + 1)
	sch.CreatedAt = time.Now()
	m.createdSchedules = append(m.createdSchedules, *sch)
	return nil
}

type mockSessions struct {
	removed []string
}

func (m *mockSessions) Remove(alias string) { m.removed = append(m.removed, alias) }

func testServer(t *testing.T, st *mockStore) (*Server, *mockSessions, *cache.TagCache) {
	t.Helper()
	bus := events.NewLocalBus()
	t.Cleanup(func() { bus.Close() })
	sessions := &mockSessions{}
	c := cache.New()
	srv := NewServer(st, c, writeq.New(storeAdapter{st}), sessions, bus)
	t.Cleanup(srv.Close)
	return srv, sessions, c
}

// storeAdapter narrows the handler mock to the write queue's interface.
type storeAdapter struct{ *mockStore }

func (a storeAdapter) EnqueueWrite(context.Context, int64, model.Value) error { return nil }

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func seedTag(st *mockStore) *model.Tag {
	tag := &model.Tag{
		ID:         1,
		DeviceID:   1,
		ExternalID: uuid.New(),
		Alias:      "temp",
		Channel:    model.ChannelHoldingRegister,
		DataType:   model.TypeInt16,
		ReadAmount: 1,
	}
	st.tags[tag.ExternalID] = tag
	return tag
}

func TestHealthz(t *testing.T) {
	srv, _, _ := testServer(t, newMockStore())
	rec := doJSON(t, srv, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTagValueFromCache(t *testing.T) {
	st := newMockStore()
	tag := seedTag(st)
	srv, _, c := testServer(t, st)
	c.Set(tag.ID, model.Int(55), time.Now())

	rec := doJSON(t, srv, "GET", "/api/tags/"+tag.ExternalID.String()+"/value", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Contains(t, raw, "time")

	var view struct {
		Value model.Value `json:"value"`
		Time  *time.Time  `json:"time"`
		AgeMs *int64      `json:"age_ms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.True(t, view.Value.Equal(model.Int(55)))
	require.NotNil(t, view.Time)
	require.NotNil(t, view.AgeMs)
}

func TestTagValueNotFound(t *testing.T) {
	srv, _, _ := testServer(t, newMockStore())
	rec := doJSON(t, srv, "GET", "/api/tags/"+uuid.NewString()+"/value", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, "GET", "/api/tags/not-a-uuid/value", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTagValueShowsActiveAlarm(t *testing.T) {
	st := newMockStore()
	tag := seedTag(st)
	st.activeAlarm = &model.AlarmConfig{
		Alias: "overheat", Message: "too hot", ThreatLevel: model.ThreatCritical,
	}
	srv, _, _ := testServer(t, st)

	rec := doJSON(t, srv, "GET", "/api/tags/"+tag.ExternalID.String()+"/value", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view struct {
		Alarm *alarmView `json:"alarm"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.NotNil(t, view.Alarm)
	assert.Equal(t, "too hot", view.Alarm.Message)
}

func TestBatchValuesNoMatchIs404(t *testing.T) {
	srv, _, _ := testServer(t, newMockStore())

	rec := doJSON(t, srv, "POST", "/api/values",
		map[string][]string{"tag_ids": {uuid.NewString()}})
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "requested tags not found", resp["error"])
}

func TestBatchValuesPartialMatch(t *testing.T) {
	st := newMockStore()
	tag := seedTag(st)
	srv, _, _ := testServer(t, st)

	rec := doJSON(t, srv, "POST", "/api/values",
		map[string][]string{"tag_ids": {tag.ExternalID.String(), uuid.NewString()}})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp, 1)
	assert.Contains(t, resp, tag.ExternalID.String())
}

func TestBatchValuesValidation(t *testing.T) {
	srv, _, _ := testServer(t, newMockStore())

	rec := doJSON(t, srv, "POST", "/api/values", map[string][]string{"tag_ids": {}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, "POST", "/api/values", map[string][]string{"tag_ids": {"zzz"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteQueued(t *testing.T) {
	st := newMockStore()
	tag := seedTag(st)
	srv, _, _ := testServer(t, st)

	rec := doJSON(t, srv, "POST", "/api/tags/"+tag.ExternalID.String()+"/write",
		map[string]any{"value": 42})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp["status"])
}

func TestWriteValidation(t *testing.T) {
	st := newMockStore()
	tag := seedTag(st)
	srv, _, _ := testServer(t, st)

	// Missing value.
	rec := doJSON(t, srv, "POST", "/api/tags/"+tag.ExternalID.String()+"/write",
		map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown tag.
	rec = doJSON(t, srv, "POST", "/api/tags/"+uuid.NewString()+"/write",
		map[string]any{"value": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Read-only channel.
	tag.Channel = model.ChannelInputRegister
	rec = doJSON(t, srv, "POST", "/api/tags/"+tag.ExternalID.String()+"/write",
		map[string]any{"value": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Overflowing value.
	tag.Channel = model.ChannelHoldingRegister
	rec = doJSON(t, srv, "POST", "/api/tags/"+tag.ExternalID.String()+"/write",
		map[string]any{"value": 70000})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	st := newMockStore()
	tag := seedTag(st)
	st.history = []model.HistoryEntry{
		{Timestamp: time.Now().Add(-time.Minute), Value: model.Int(1)},
		{Timestamp: time.Now(), Value: model.Int(2)},
	}
	srv, _, _ := testServer(t, st)

	rec := doJSON(t, srv, "GET", "/api/tags/"+tag.ExternalID.String()+"/history?seconds=120", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		History []model.HistoryEntry `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.History, 2)

	rec = doJSON(t, srv, "GET", "/api/tags/"+tag.ExternalID.String()+"/history?seconds=-5", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateDevice(t *testing.T) {
	srv, _, _ := testServer(t, newMockStore())

	rec := doJSON(t, srv, "POST", "/api/devices", map[string]any{
		"alias": "plc-1", "host": "10.0.0.5", "port": 502, "protocol": "tcp",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Duplicate alias.
	rec = doJSON(t, srv, "POST", "/api/devices", map[string]any{
		"alias": "plc-1", "host": "10.0.0.5", "port": 502, "protocol": "tcp",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateDeviceValidation(t *testing.T) {
	srv, _, _ := testServer(t, newMockStore())

	cases := []map[string]any{
		{"alias": "", "host": "10.0.0.5", "port": 502, "protocol": "tcp"},
		{"alias": "p", "host": "example.com", "port": 502, "protocol": "tcp"},
		{"alias": "p", "host": "10.0.0.5", "port": 0, "protocol": "tcp"},
		{"alias": "p", "host": "10.0.0.5", "port": 502, "protocol": "modbus+"},
		{"alias": "p", "host": "10.0.0.5", "port": 502, "protocol": "tcp", "word_order": "middle"},
	}
	for _, payload := range cases {
		rec := doJSON(t, srv, "POST", "/api/devices", payload)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "payload %v", payload)
	}

	// RTU devices take a serial path instead of an IPv4 host.
	rec := doJSON(t, srv, "POST", "/api/devices", map[string]any{
		"alias": "serial-1", "host": "/dev/ttyUSB0", "protocol": "rtu",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateDeviceCap(t *testing.T) {
	st := newMockStore()
	st.deviceCount = maxFleetSize
	srv, _, _ := testServer(t, st)

	rec := doJSON(t, srv, "POST", "/api/devices", map[string]any{
		"alias": "plc-1", "host": "10.0.0.5", "port": 502, "protocol": "tcp",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDeleteDeviceDropsSession(t *testing.T) {
	st := newMockStore()
	st.devices = []model.Device{{ID: 1, Alias: "plc-1"}}
	srv, sessions, _ := testServer(t, st)

	rec := doJSON(t, srv, "DELETE", "/api/devices/plc-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"plc-1"}, sessions.removed)

	rec = doJSON(t, srv, "DELETE", "/api/devices/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTag(t *testing.T) {
	st := newMockStore()
	st.devices = []model.Device{{ID: 1, Alias: "plc-1"}}
	srv, _, _ := testServer(t, st)

	rec := doJSON(t, srv, "POST", "/api/tags", map[string]any{
		"device": "plc-1", "alias": "temp", "channel": "hr",
		"data_type": "int16", "address": 100, "unit_id": 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created model.Tag
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEqual(t, uuid.Nil, created.ExternalID)
}

func TestCreateTagValidation(t *testing.T) {
	st := newMockStore()
	st.devices = []model.Device{{ID: 1, Alias: "plc-1"}}
	srv, _, _ := testServer(t, st)

	cases := []struct {
		payload map[string]any
		status  int
	}{
		{map[string]any{"device": "plc-1", "alias": "t", "channel": "bad", "data_type": "int16"}, http.StatusBadRequest},
		{map[string]any{"device": "plc-1", "alias": "t", "channel": "hr", "data_type": "nope"}, http.StatusBadRequest},
		{map[string]any{"device": "plc-1", "alias": "t", "channel": "coil", "data_type": "int16"}, http.StatusBadRequest},
		{map[string]any{"device": "plc-1", "alias": "t", "channel": "hr", "data_type": "int16", "address": 70000}, http.StatusBadRequest},
		{map[string]any{"device": "ghost", "alias": "t", "channel": "hr", "data_type": "int16"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := doJSON(t, srv, "POST", "/api/tags", tc.payload)
		assert.Equal(t, tc.status, rec.Code, "payload %v", tc.payload)
	}
}

func TestDeleteTagEvictsCache(t *testing.T) {
	st := newMockStore()
	tag := seedTag(st)
	srv, _, c := testServer(t, st)
	c.Set(tag.ID, model.Int(1), time.Now())

	rec := doJSON(t, srv, "DELETE", "/api/tags/"+tag.ExternalID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := c.Get(tag.ID)
	assert.False(t, ok)
}

func TestCreateAlarm(t *testing.T) {
	st := newMockStore()
	tag := seedTag(st)
	srv, _, _ := testServer(t, st)

	rec := doJSON(t, srv, "POST", "/api/alarms", map[string]any{
		"tag": tag.ExternalID.String(), "alias": "overheat",
		"trigger_value": 100, "operator": "greater_than",
		"threat_level": "crit", "message": "too hot",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, "POST", "/api/alarms", map[string]any{
		"tag": tag.ExternalID.String(), "alias": "bad",
		"trigger_value": 100, "operator": "approximately",
		"threat_level": "crit",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSchedule(t *testing.T) {
	st := newMockStore()
	tag := seedTag(st)
	srv, _, _ := testServer(t, st)

	days := []bool{true, true, true, true, true, false, false}
	rec := doJSON(t, srv, "POST", "/api/schedules", map[string]any{
		"tag": tag.ExternalID.String(), "alias": "morning",
		"write_value": true, "hour": 8, "minute": 30, "days": days,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, st.createdSchedules, 1)

	// Wrong day-list length.
	rec = doJSON(t, srv, "POST", "/api/schedules", map[string]any{
		"tag": tag.ExternalID.String(), "alias": "bad",
		"write_value": true, "hour": 8, "minute": 30, "days": []bool{true},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Read-only target.
	tag.Channel = model.ChannelDiscreteInput
	rec = doJSON(t, srv, "POST", "/api/schedules", map[string]any{
		"tag": tag.ExternalID.String(), "alias": "bad",
		"write_value": true, "hour": 8, "minute": 30, "days": days,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSubscription(t *testing.T) {
	st := newMockStore()
	srv, _, _ := testServer(t, st)

	rec := doJSON(t, srv, "POST", "/api/alarms/5/subscriptions", map[string]any{
		"email": "ops@example.com", "email_enabled": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, st.createdSubs, 1)
	assert.Equal(t, int64(5), st.createdSubs[0].ConfigID)

	rec = doJSON(t, srv, "POST", "/api/alarms/5/subscriptions", map[string]any{
		"email_enabled": true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

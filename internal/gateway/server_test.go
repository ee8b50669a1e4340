package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HainanZhao/clawless/internal/config"
	"github.com/HainanZhao/clawless/internal/memory"
	"github.com/HainanZhao/clawless/internal/schedule"
)

type fakeSender struct {
	bound   string
	sent    []string
	sendErr error
}

func (f *fakeSender) SendToChat(_ context.Context, chatID, text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, chatID+": "+text)
	return nil
}

func (f *fakeSender) BoundChatID() string { return f.bound }

func newTestServer(t *testing.T, cfg config.CallbackConfig, sender *fakeSender) *Server {
	t.Helper()
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 65536
	}
	sched := schedule.New(filepath.Join(t.TempDir(), "schedules.json"), time.UTC, func(context.Context, schedule.Schedule) {})

	store, err := memory.OpenStore(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewServer(cfg, sender, sched, store)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, config.CallbackConfig{}, &fakeSender{})
	rec := doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, config.CallbackConfig{AuthToken: "secret"}, &fakeSender{})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil, map[string]string{"x-callback-token": "secret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallbackChatResolution(t *testing.T) {
	sender := &fakeSender{bound: "bound-chat"}
	s := newTestServer(t, config.CallbackConfig{}, sender)

	// Body chatId wins over query and bound.
	rec := doJSON(t, s.Handler(), http.MethodPost, "/callback/telegram?chatId=query-chat",
		map[string]string{"text": "hi", "chatId": "body-chat"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "body-chat")

	// Query beats bound.
	rec = doJSON(t, s.Handler(), http.MethodPost, "/callback/telegram?chatId=query-chat",
		map[string]string{"text": "hi"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "query-chat")

	// Bound chat is the last resort.
	rec = doJSON(t, s.Handler(), http.MethodPost, "/callback/telegram",
		map[string]string{"text": "hi"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bound-chat")

	assert.Len(t, sender.sent, 3)
}

func TestCallbackNoTarget(t *testing.T) {
	s := newTestServer(t, config.CallbackConfig{}, &fakeSender{})
	rec := doJSON(t, s.Handler(), http.MethodPost, "/callback/telegram", map[string]string{"text": "hi"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackSendFailure(t *testing.T) {
	s := newTestServer(t, config.CallbackConfig{}, &fakeSender{bound: "c", sendErr: errors.New("adapter down")})
	rec := doJSON(t, s.Handler(), http.MethodPost, "/callback/telegram", map[string]string{"text": "hi"}, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCallbackRequiresText(t *testing.T) {
	s := newTestServer(t, config.CallbackConfig{}, &fakeSender{bound: "c"})
	rec := doJSON(t, s.Handler(), http.MethodPost, "/callback/telegram", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduleCRUDOverHTTP(t *testing.T) {
	s := newTestServer(t, config.CallbackConfig{}, &fakeSender{})
	h := s.Handler()

	// Create.
	rec := doJSON(t, h, http.MethodPost, "/api/schedule",
		map[string]any{"message": "daily report", "cronExpression": "0 9 * * *"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		OK       bool              `json:"ok"`
		Schedule schedule.Schedule `json:"schedule"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.True(t, created.OK)
	id := created.Schedule.ID
	require.NotEmpty(t, id)
	assert.Equal(t, schedule.KindRecurring, created.Schedule.Kind)
	assert.True(t, created.Schedule.Active)

	// List includes it.
	rec = doJSON(t, h, http.MethodGet, "/api/schedule", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)

	// Get.
	rec = doJSON(t, h, http.MethodGet, "/api/schedule/"+id, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Patch.
	rec = doJSON(t, h, http.MethodPatch, "/api/schedule/"+id, map[string]any{"message": "weekly report"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "weekly report")

	// Empty patch is rejected.
	rec = doJSON(t, h, http.MethodPatch, "/api/schedule/"+id, map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Delete, then the schedule is gone.
	rec = doJSON(t, h, http.MethodDelete, "/api/schedule/"+id, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/api/schedule/"+id, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleCreateOneTime(t *testing.T) {
	s := newTestServer(t, config.CallbackConfig{}, &fakeSender{})

	runAt := time.Now().Add(time.Hour).Format(time.RFC3339)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/schedule",
		map[string]any{"message": "once", "oneTime": true, "runAt": runAt, "type": "async_conversation", "metadata": map[string]string{"chatId": "42"}}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Schedule schedule.Schedule `json:"schedule"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, schedule.KindOneTime, created.Schedule.Kind)
	assert.Equal(t, schedule.TypeAsyncConversation, created.Schedule.Type)
	assert.Equal(t, "42", created.Schedule.Metadata.ChatID)
}

func TestScheduleCreateBadInput(t *testing.T) {
	s := newTestServer(t, config.CallbackConfig{}, &fakeSender{})
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/schedule", map[string]any{"message": "x", "oneTime": true, "runAt": "tomorrow-ish"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/schedule", map[string]any{"message": "x", "cronExpression": "bogus"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBodySizeLimit(t *testing.T) {
	s := newTestServer(t, config.CallbackConfig{MaxBodyBytes: 64}, &fakeSender{bound: "c"})

	big := strings.Repeat("a", 200)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/callback/telegram", map[string]string{"text": big}, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSemanticRecallEndpoint(t *testing.T) {
	sender := &fakeSender{}
	cfg := config.CallbackConfig{MaxBodyBytes: 65536}
	sched := schedule.New(filepath.Join(t.TempDir(), "schedules.json"), time.UTC, func(context.Context, schedule.Schedule) {})
	store, err := memory.OpenStore(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Save(context.Background(), "c1", "the staging cluster lives in eu-west-1"))

	s := NewServer(cfg, sender, sched, store)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/memory/semantic-recall",
		map[string]any{"input": "where is the staging cluster", "topK": 3}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "eu-west-1")
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	s := newTestServer(t, config.CallbackConfig{}, &fakeSender{})
	rec := doJSON(t, s.Handler(), http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":false`)
}

func TestStartToleratesPortInUse(t *testing.T) {
	sender := &fakeSender{}
	sched := schedule.New(filepath.Join(t.TempDir(), "schedules.json"), time.UTC, func(context.Context, schedule.Schedule) {})

	first := NewServer(config.CallbackConfig{Host: "127.0.0.1", Port: 18788, MaxBodyBytes: 65536}, sender, sched, nil)
	require.NoError(t, first.Start())
	defer first.Stop(context.Background())

	second := NewServer(config.CallbackConfig{Host: "127.0.0.1", Port: 18788, MaxBodyBytes: 65536}, sender, sched, nil)
	assert.NoError(t, second.Start()) // port in use is non-fatal
}

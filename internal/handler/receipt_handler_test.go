package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/controller"
	"github.com/unclebandit/smsleopard-dispatch/internal/distlock"
	"github.com/unclebandit/smsleopard-dispatch/internal/handler"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/provider"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

type app struct {
	router http.Handler
	store  *repository.MemoryStore
}

func newApp(t *testing.T) *app {
	t.Helper()
	logger := zap.NewNop()
	store := repository.NewMemoryStore()
	store.SeedDemo()

	stats := &service.StatsTracker{
		Campaigns: store.Campaigns(),
		Logs:      store.Logs(),
		Locker:    distlock.NewKeyedMutex(),
		Logger:    logger,
	}
	receipts := &service.ReceiptService{Logs: store.Logs(), Stats: stats, Logger: logger}

	q := queue.NewInMemoryQueue(logger)
	require.NoError(t, service.NewReceiptWorker(receipts, logger).Subscribe(q))
	async := provider.NewAsync(provider.AlwaysSucceed{}, &service.ReceiptPublisher{Queue: q},
		provider.AsyncConfig{Delay: 5 * time.Millisecond, Deadline: time.Second}, logger)
	t.Cleanup(func() {
		async.Close()
		q.Drain()
	})

	campaigns := &controller.CampaignController{
		Dispatch: &service.DispatchService{
			Campaigns: store.Campaigns(),
			Customers: store.Customers(),
			Logs:      store.Logs(),
			Stats:     stats,
			Gateway:   provider.AlwaysSucceed{},
			Logger:    logger,
		},
		CampaignService: &service.CampaignService{CampaignRepo: store.Campaigns(), LogRepo: store.Logs()},
		Logger:          logger,
	}
	sends := &service.AsyncSendService{
		Campaigns: store.Campaigns(),
		Customers: store.Customers(),
		Stats:     stats,
		Vendor:    async,
		Logger:    logger,
	}
	return &app{
		router: handler.NewRouter(campaigns, handler.NewReceiptHandler(receipts, sends, logger), []string{"*"}),
		store:  store,
	}
}

func (a *app) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w.Code, out
}

func (a *app) pendingLog(t *testing.T) string {
	t.Helper()
	l := &model.CommunicationLog{CampaignID: "camp-welcome", CustomerID: "cust-001", Message: "hi"}
	require.NoError(t, a.store.Logs().Create(context.Background(), l))
	return l.ID
}

func TestDeliveryReceiptEndpoint(t *testing.T) {
	a := newApp(t)
	logID := a.pendingLog(t)

	code, body := a.post(t, "/delivery-receipt", map[string]string{"log_id": logID, "status": "delivered"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "applied", body["outcome"])

	code, body = a.post(t, "/delivery-receipt", map[string]string{"log_id": logID, "status": "delivered"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "duplicate", body["outcome"])

	code, body = a.post(t, "/delivery-receipt", map[string]string{"log_id": logID, "status": "failed", "error_message": "late"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "conflict", body["outcome"])
	entry := body["log"].(map[string]any)
	assert.Equal(t, model.LogSent, entry["status"])

	c, err := a.store.Campaigns().GetByID(context.Background(), "camp-welcome")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Stats.Sent)
	assert.Equal(t, 0, c.Stats.Failed)
}

func TestDeliveryReceiptValidation(t *testing.T) {
	a := newApp(t)
	logID := a.pendingLog(t)

	code, _ := a.post(t, "/delivery-receipt", map[string]string{"status": "delivered"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.post(t, "/delivery-receipt", map[string]string{"log_id": logID, "status": "exploded"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := a.post(t, "/delivery-receipt", map[string]string{"log_id": "nope", "status": "delivered"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["success"])

	req := httptest.NewRequest(http.MethodPost, "/delivery-receipt", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVendorSendEndpoint(t *testing.T) {
	a := newApp(t)

	code, body := a.post(t, "/vendor/send", map[string]string{
		"campaign_id": "camp-empty",
		"customer_id": "cust-002",
		"message":     "Your parcel is ready",
	})
	require.Equal(t, http.StatusAccepted, code)
	logID := body["log_id"].(string)
	assert.NotEmpty(t, body["message_id"])

	require.Eventually(t, func() bool {
		l, err := a.store.Logs().GetByID(context.Background(), logID)
		return err == nil && l.Status == model.LogSent
	}, 2*time.Second, 5*time.Millisecond)

	code, _ = a.post(t, "/vendor/send", map[string]string{"campaign_id": "camp-empty"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.post(t, "/vendor/send", map[string]string{"campaign_id": "ghost", "customer_id": "c", "message": "m"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealthAndMetrics(t *testing.T) {
	a := newApp(t)

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestCORSPreflight(t *testing.T) {
	a := newApp(t)

	req := httptest.NewRequest(http.MethodOptions, "/delivery-receipt", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

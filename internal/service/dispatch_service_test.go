package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/unclebandit/smsleopard-dispatch/internal/distlock"
	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/provider"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

type harness struct {
	store    *repository.MemoryStore
	stats    *service.StatsTracker
	dispatch *service.DispatchService
	receipts *service.ReceiptService
}

func newHarness(t *testing.T, gw provider.Gateway, logs repository.CommunicationLogRepositoryInterface) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := repository.NewMemoryStore()
	if logs == nil {
		logs = store.Logs()
	}
	stats := &service.StatsTracker{
		Campaigns: store.Campaigns(),
		Logs:      logs,
		Locker:    distlock.NewKeyedMutex(),
		Logger:    logger,
	}
	return &harness{
		store: store,
		stats: stats,
		dispatch: &service.DispatchService{
			Campaigns: store.Campaigns(),
			Customers: store.Customers(),
			Logs:      logs,
			Stats:     stats,
			Gateway:   gw,
			Config:    service.DispatchConfig{BatchSize: 4, Workers: 2, VendorTimeout: time.Second},
			Logger:    logger,
		},
		receipts: &service.ReceiptService{Logs: logs, Stats: stats, Logger: logger},
	}
}

// addCampaign seeds n customers cust-01..cust-NN in one segment and a draft
// campaign targeting it.
func (h *harness) addCampaign(t *testing.T, n int) *model.Campaign {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("cust-%02d", i)
		h.store.AddCustomers(model.Customer{ID: id, Name: fmt.Sprintf("Customer %d", i), Phone: "+2547000000"})
		ids = append(ids, id)
	}
	h.store.AddSegment(model.Segment{ID: "seg-1", Name: "Everyone", CustomerIDs: ids})

	c := &model.Campaign{
		Name:            "Promo",
		SegmentID:       "seg-1",
		MessageTemplate: "Hi {{customerName}}, {{message}}",
		MessageContent:  "20% off today",
	}
	require.NoError(t, h.store.Campaigns().Create(context.Background(), c))
	return c
}

func (h *harness) campaign(t *testing.T, id string) *model.Campaign {
	t.Helper()
	c, err := h.store.Campaigns().GetByID(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (h *harness) logs(t *testing.T, campaignID, status string) []*model.CommunicationLog {
	t.Helper()
	logs, err := h.store.Logs().ListByCampaign(context.Background(), campaignID, status)
	require.NoError(t, err)
	return logs
}

// flakyLogs fails chosen log writes.
type flakyLogs struct {
	repository.CommunicationLogRepositoryInterface
	failCreateFor string
	failUpdates   bool
}

func (f *flakyLogs) Create(ctx context.Context, l *model.CommunicationLog) error {
	if l.CustomerID == f.failCreateFor {
		return errors.New("insert rejected")
	}
	return f.CommunicationLogRepositoryInterface.Create(ctx, l)
}

func (f *flakyLogs) Update(ctx context.Context, id string, u model.LogUpdate) (*model.CommunicationLog, error) {
	if f.failUpdates {
		return nil, errors.New("connection reset")
	}
	return f.CommunicationLogRepositoryInterface.Update(ctx, id, u)
}

// gatewayFunc adapts a function to provider.Gateway.
type gatewayFunc func(ctx context.Context, message string, customer *model.Customer) (*provider.DeliveryResult, error)

func (f gatewayFunc) Send(ctx context.Context, message string, customer *model.Customer) (*provider.DeliveryResult, error) {
	return f(ctx, message, customer)
}

func TestRunAllSucceed(t *testing.T) {
	h := newHarness(t, provider.AlwaysSucceed{}, nil)
	c := h.addCampaign(t, 3)

	out, err := h.dispatch.Run(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, out.Status)
	assert.Equal(t, 3, out.AudienceSize)
	assert.Equal(t, 3, out.Sent)
	assert.Equal(t, 0, out.Failed)

	got := h.campaign(t, c.ID)
	assert.Equal(t, model.CampaignCompleted, got.Status)
	assert.Equal(t, 3, got.Stats.AudienceSize)
	assert.Equal(t, 3, got.Stats.Sent)
	assert.Equal(t, 0, got.Stats.Failed)
	assert.Equal(t, 100.0, got.Stats.Progress())

	logs := h.logs(t, c.ID, "")
	require.Len(t, logs, 3)
	for _, l := range logs {
		assert.Equal(t, model.LogSent, l.Status)
		require.NotNil(t, l.DeliveryReceipt)
		assert.Equal(t, model.ReceiptDelivered, l.DeliveryReceipt.Status)
		assert.NotEmpty(t, l.DeliveryReceipt.MessageID)
		assert.Contains(t, l.Message, ", 20% off today")
	}
}

func TestRunPartialFailures(t *testing.T) {
	h := newHarness(t, provider.NewFailingFor("cust-03", "cust-07"), nil)
	c := h.addCampaign(t, 10)

	out, err := h.dispatch.Run(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, out.Sent)
	assert.Equal(t, 2, out.Failed)

	got := h.campaign(t, c.ID)
	assert.Equal(t, 8, got.Stats.Sent)
	assert.Equal(t, 2, got.Stats.Failed)
	assert.Equal(t, 100.0, got.Stats.Progress())

	failed := h.logs(t, c.ID, model.LogFailed)
	require.Len(t, failed, 2)
	for _, l := range failed {
		assert.Contains(t, []string{"cust-03", "cust-07"}, l.CustomerID)
		require.NotNil(t, l.DeliveryReceipt)
		assert.Equal(t, model.ReceiptFailed, l.DeliveryReceipt.Status)
		assert.NotEmpty(t, l.DeliveryReceipt.ErrorMessage)
	}
	assert.Len(t, h.logs(t, c.ID, model.LogPending), 0)
}

func TestRunEmptySegment(t *testing.T) {
	h := newHarness(t, provider.AlwaysSucceed{}, nil)
	c := h.addCampaign(t, 0)

	out, err := h.dispatch.Run(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, out.Status)
	assert.Equal(t, 0, out.AudienceSize)

	progress, err := h.dispatch.Progress(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, progress)
}

func TestRunMissingSegmentFailsCampaign(t *testing.T) {
	h := newHarness(t, provider.AlwaysSucceed{}, nil)
	c := &model.Campaign{Name: "Orphan", SegmentID: "seg-gone"}
	require.NoError(t, h.store.Campaigns().Create(context.Background(), c))

	out, err := h.dispatch.Run(context.Background(), c.ID)
	require.Error(t, err)

	var runErr *appErrors.CampaignRunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "resolve segment", runErr.Stage)
	assert.True(t, appErrors.IsNotFound(err))
	assert.Equal(t, model.CampaignFailed, out.Status)
	assert.Equal(t, model.CampaignFailed, h.campaign(t, c.ID).Status)
}

func TestRunUnknownCampaign(t *testing.T) {
	h := newHarness(t, provider.AlwaysSucceed{}, nil)
	_, err := h.dispatch.Run(context.Background(), "nope")
	assert.True(t, appErrors.IsNotFound(err))
}

func TestRunRejectsRunningCampaign(t *testing.T) {
	h := newHarness(t, provider.AlwaysSucceed{}, nil)
	c := h.addCampaign(t, 2)
	require.NoError(t, h.store.Campaigns().UpdateStatus(context.Background(), c.ID, model.CampaignRunning))

	_, err := h.dispatch.Run(context.Background(), c.ID)
	assert.ErrorIs(t, err, appErrors.ErrCampaignRunning)
	assert.Empty(t, h.logs(t, c.ID, ""))
}

func TestConcurrentRunsOnlyOneStarts(t *testing.T) {
	release := make(chan struct{})
	gw := gatewayFunc(func(ctx context.Context, _ string, customer *model.Customer) (*provider.DeliveryResult, error) {
		<-release
		return provider.AlwaysSucceed{}.Send(ctx, "", customer)
	})
	h := newHarness(t, gw, nil)
	c := h.addCampaign(t, 6)

	const runs = 5
	results := make(chan error, runs)
	for i := 0; i < runs; i++ {
		go func() {
			_, err := h.dispatch.Run(context.Background(), c.ID)
			results <- err
		}()
	}

	// the winner is parked in the gateway until every loser has returned
	for i := 0; i < runs-1; i++ {
		assert.ErrorIs(t, <-results, appErrors.ErrCampaignRunning)
	}
	close(release)
	require.NoError(t, <-results)

	assert.Len(t, h.logs(t, c.ID, ""), 6, "only one run wrote logs")
	assert.Equal(t, 6, h.campaign(t, c.ID).Stats.Sent)
}

func TestDispatchRejectsReentrySynchronously(t *testing.T) {
	release := make(chan struct{})
	gw := gatewayFunc(func(ctx context.Context, _ string, customer *model.Customer) (*provider.DeliveryResult, error) {
		<-release
		return provider.AlwaysSucceed{}.Send(ctx, "", customer)
	})
	h := newHarness(t, gw, nil)
	c := h.addCampaign(t, 2)

	handle, err := h.dispatch.Dispatch(context.Background(), c.ID)
	require.NoError(t, err)

	_, err = h.dispatch.Dispatch(context.Background(), c.ID)
	assert.ErrorIs(t, err, appErrors.ErrCampaignRunning)

	close(release)
	out, err := handle.Wait()
	require.NoError(t, err)
	assert.Equal(t, 2, out.Sent)

	// finished campaigns can run again with fresh stats
	out, err = h.dispatch.Run(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Sent)
	assert.Equal(t, 2, h.campaign(t, c.ID).Stats.Sent)
}

func TestCancelStopsBeforeNextBatch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gw := gatewayFunc(func(ctx context.Context, _ string, customer *model.Customer) (*provider.DeliveryResult, error) {
		once.Do(func() {
			close(started)
			<-release
		})
		return provider.AlwaysSucceed{}.Send(ctx, "", customer)
	})
	h := newHarness(t, gw, nil)
	h.dispatch.Config = service.DispatchConfig{BatchSize: 2, Workers: 1, VendorTimeout: time.Second}
	c := h.addCampaign(t, 10)

	handle, err := h.dispatch.Dispatch(context.Background(), c.ID)
	require.NoError(t, err)

	<-started
	assert.True(t, h.dispatch.Cancel(c.ID))
	close(release)

	out, err := handle.Wait()
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCancelled, out.Status)
	assert.Equal(t, 2, out.Sent, "the in-flight batch finishes")
	assert.Equal(t, 10, out.AudienceSize)

	got := h.campaign(t, c.ID)
	assert.Equal(t, model.CampaignCancelled, got.Status)
	assert.Equal(t, 2, got.Stats.Sent)
	assert.Len(t, h.logs(t, c.ID, ""), 2)
	assert.False(t, h.dispatch.Cancel(c.ID), "run is over")
}

func TestVendorTimeoutMarksFailed(t *testing.T) {
	h := newHarness(t, provider.Delayed{Gateway: provider.AlwaysSucceed{}, Delay: time.Second}, nil)
	h.dispatch.Config.VendorTimeout = 20 * time.Millisecond
	c := h.addCampaign(t, 2)

	out, err := h.dispatch.Run(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Sent)
	assert.Equal(t, 2, out.Failed)

	for _, l := range h.logs(t, c.ID, "") {
		assert.Equal(t, model.LogFailed, l.Status)
		assert.Contains(t, l.DeliveryReceipt.ErrorMessage, "timeout")
	}
}

func TestReceiptBeforeSendReturnIsNotDoubleCounted(t *testing.T) {
	var h *harness
	gw := gatewayFunc(func(ctx context.Context, _ string, customer *model.Customer) (*provider.DeliveryResult, error) {
		// the vendor reports failure before the synchronous call returns
		_, err := h.receipts.ReconcileVendorReceipt(ctx, provider.Receipt{
			CampaignID: "camp-race",
			CustomerID: customer.ID,
			Status:     "failed",
		})
		if err != nil {
			return nil, err
		}
		return provider.AlwaysSucceed{}.Send(ctx, "", customer)
	})
	h = newHarness(t, gw, nil)
	h.store.AddCustomers(model.Customer{ID: "cust-01", Name: "Amina"})
	h.store.AddSegment(model.Segment{ID: "seg-1", CustomerIDs: []string{"cust-01"}})
	require.NoError(t, h.store.Campaigns().Create(context.Background(), &model.Campaign{ID: "camp-race", SegmentID: "seg-1"}))

	out, err := h.dispatch.Run(context.Background(), "camp-race")
	require.NoError(t, err)
	assert.Equal(t, 0, out.Sent)
	assert.Equal(t, 1, out.Failed)

	got := h.campaign(t, "camp-race")
	assert.Equal(t, 0, got.Stats.Sent)
	assert.Equal(t, 1, got.Stats.Failed)

	logs := h.logs(t, "camp-race", "")
	require.Len(t, logs, 1)
	assert.Equal(t, model.LogFailed, logs[0].Status)
	require.Len(t, logs[0].ReceiptHistory, 2)
	assert.Equal(t, string(service.OutcomeApplied), logs[0].ReceiptHistory[0].Outcome)
	assert.Equal(t, string(service.OutcomeConflict), logs[0].ReceiptHistory[1].Outcome)
}

func TestMissingLogIsConsistencyFault(t *testing.T) {
	logs := &flakyLogs{failCreateFor: "cust-02"}
	h := newHarness(t, provider.AlwaysSucceed{}, logs)
	logs.CommunicationLogRepositoryInterface = h.store.Logs()
	c := h.addCampaign(t, 3)

	out, err := h.dispatch.Run(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Sent)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, 1, out.Faults)

	got := h.campaign(t, c.ID)
	assert.Equal(t, 2, got.Stats.Sent)
	assert.Equal(t, 1, got.Stats.Failed)
	assert.Len(t, h.logs(t, c.ID, ""), 2, "the fault has no backing record")
}

func TestPersistenceFailureFailsCampaign(t *testing.T) {
	logs := &flakyLogs{failUpdates: true}
	h := newHarness(t, provider.AlwaysSucceed{}, logs)
	logs.CommunicationLogRepositoryInterface = h.store.Logs()
	c := h.addCampaign(t, 3)

	_, err := h.dispatch.Run(context.Background(), c.ID)
	var runErr *appErrors.CampaignRunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "persist outcome", runErr.Stage)
	assert.Equal(t, model.CampaignFailed, h.campaign(t, c.ID).Status)
	assert.False(t, h.dispatch.Cancel(c.ID))
}

func TestProgressUnknownCampaign(t *testing.T) {
	h := newHarness(t, provider.AlwaysSucceed{}, nil)
	_, err := h.dispatch.Progress(context.Background(), "nope")
	assert.True(t, appErrors.IsNotFound(err))
}

func TestProgressNeverDecreasesDuringRun(t *testing.T) {
	h := newHarness(t, provider.Delayed{Gateway: provider.AlwaysSucceed{}, Delay: 5 * time.Millisecond}, nil)
	h.dispatch.Config = service.DispatchConfig{BatchSize: 3, Workers: 2, VendorTimeout: time.Second}
	c := h.addCampaign(t, 12)

	handle, err := h.dispatch.Dispatch(context.Background(), c.ID)
	require.NoError(t, err)

	var seen []float64
	for done := false; !done; {
		select {
		case <-handle.Done():
			done = true
		case <-time.After(time.Millisecond):
		}
		p, err := h.dispatch.Progress(context.Background(), c.ID)
		require.NoError(t, err)
		seen = append(seen, p)
	}

	_, err = handle.Wait()
	require.NoError(t, err)
	for i := 1; i < len(seen); i++ {
		require.GreaterOrEqual(t, seen[i], seen[i-1], "progress went from %v to %v", seen[i-1], seen[i])
	}
	assert.Equal(t, 100.0, seen[len(seen)-1])
}

func TestShutdownStopsRunsInTerminalState(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gw := gatewayFunc(func(ctx context.Context, _ string, customer *model.Customer) (*provider.DeliveryResult, error) {
		once.Do(func() {
			close(started)
			<-release
		})
		return provider.AlwaysSucceed{}.Send(ctx, "", customer)
	})
	h := newHarness(t, gw, nil)
	h.dispatch.Config = service.DispatchConfig{BatchSize: 2, Workers: 1, VendorTimeout: time.Second}
	c := h.addCampaign(t, 6)

	handle, err := h.dispatch.Dispatch(context.Background(), c.ID)
	require.NoError(t, err)
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- h.dispatch.Shutdown(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Shutdown returned while a send was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-stopped)

	out, err := handle.Wait()
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCancelled, out.Status)
	assert.Equal(t, model.CampaignCancelled, h.campaign(t, c.ID).Status)

	_, err = h.dispatch.Dispatch(context.Background(), c.ID)
	assert.ErrorIs(t, err, appErrors.ErrDispatcherClosed)
	_, err = h.dispatch.Run(context.Background(), c.ID)
	assert.ErrorIs(t, err, appErrors.ErrDispatcherClosed)
}

func TestShutdownTimesOut(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gw := gatewayFunc(func(ctx context.Context, _ string, customer *model.Customer) (*provider.DeliveryResult, error) {
		once.Do(func() { close(started) })
		<-release
		return provider.AlwaysSucceed{}.Send(ctx, "", customer)
	})
	h := newHarness(t, gw, nil)
	c := h.addCampaign(t, 1)

	handle, err := h.dispatch.Dispatch(context.Background(), c.ID)
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.dispatch.Shutdown(ctx), context.DeadlineExceeded)

	close(release)
	out, err := handle.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, out.Sent, "a send already in flight is recorded")
}

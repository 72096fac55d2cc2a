package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/provider"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
)

type DispatchConfig struct {
	BatchSize     int
	Workers       int
	VendorTimeout time.Duration
}

func (c DispatchConfig) withDefaults() DispatchConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.Workers > c.BatchSize {
		c.Workers = c.BatchSize
	}
	if c.VendorTimeout <= 0 {
		c.VendorTimeout = 5 * time.Second
	}
	return c
}

// RunOutcome summarizes one campaign run as this process observed it.
type RunOutcome struct {
	CampaignID   string        `json:"campaign_id"`
	Status       string        `json:"status"`
	AudienceSize int           `json:"audience_size"`
	Sent         int           `json:"sent"`
	Failed       int           `json:"failed"`
	Faults       int           `json:"consistency_faults"`
	Duration     time.Duration `json:"duration_ns"`
}

// RunHandle tracks a run started with Dispatch.
type RunHandle struct {
	CampaignID string
	done       chan struct{}
	outcome    *RunOutcome
	err        error
}

func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run ends.
func (h *RunHandle) Wait() (*RunOutcome, error) {
	<-h.done
	return h.outcome, h.err
}

type runTally struct {
	sent, failed, faults atomic.Int64
}

// DispatchService delivers a campaign's message to every customer in its
// segment. Batches run one after another; recipients inside a batch share a
// bounded worker pool.
type DispatchService struct {
	Campaigns repository.CampaignRepositoryInterface
	Customers repository.CustomerRepositoryInterface
	Logs      repository.CommunicationLogRepositoryInterface
	Stats     *StatsTracker
	Gateway   provider.Gateway
	Config    DispatchConfig
	Logger    *zap.Logger

	mu     sync.Mutex
	runs   map[string]context.CancelFunc
	active sync.WaitGroup
	closed bool
}

// Run dispatches a campaign and returns when every recipient has an outcome.
// Campaign-level faults come back as *appErrors.CampaignRunError together with
// the partial outcome.
func (s *DispatchService) Run(ctx context.Context, campaignID string) (*RunOutcome, error) {
	campaign, runCtx, err := s.begin(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return s.execute(runCtx, campaign)
}

// Dispatch starts a run in the background. Re-entry and unknown campaigns are
// reported synchronously. The run outlives ctx; stop it with Cancel.
func (s *DispatchService) Dispatch(ctx context.Context, campaignID string) (*RunHandle, error) {
	campaign, runCtx, err := s.begin(context.WithoutCancel(ctx), campaignID)
	if err != nil {
		return nil, err
	}
	h := &RunHandle{CampaignID: campaignID, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.outcome, h.err = s.execute(runCtx, campaign)
	}()
	return h, nil
}

// Cancel asks a running campaign to stop. No new batch starts; sends already
// in flight finish and are recorded.
func (s *DispatchService) Cancel(campaignID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.runs[campaignID]
	if ok {
		cancel()
	}
	return ok
}

// Shutdown cancels every run and waits for them to finish. Cancelled runs end
// as cancelled, so no campaign is left running. Later runs are refused with
// ErrDispatcherClosed.
func (s *DispatchService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.runs {
		cancel()
	}
	n := len(s.runs)
	s.mu.Unlock()
	if n > 0 {
		s.Logger.Info("waiting for campaign runs to stop", zap.Int("runs", n))
	}

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for campaign runs: %w", ctx.Err())
	}
}

// Progress is the share of the audience with a terminal outcome, in percent.
func (s *DispatchService) Progress(ctx context.Context, campaignID string) (float64, error) {
	campaign, err := s.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	return campaign.Stats.Progress(), nil
}

func (s *DispatchService) begin(ctx context.Context, campaignID string) (*model.Campaign, context.Context, error) {
	// hold a slot so Shutdown waits for this run even before it is registered
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, appErrors.ErrDispatcherClosed
	}
	s.active.Add(1)
	s.mu.Unlock()

	campaign, runCtx, err := s.start(ctx, campaignID)
	if err != nil {
		s.active.Done()
		return nil, nil, err
	}
	return campaign, runCtx, nil
}

func (s *DispatchService) start(ctx context.Context, campaignID string) (*model.Campaign, context.Context, error) {
	campaign, err := s.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, nil, err
	}
	if campaign.IsRunning() {
		return nil, nil, appErrors.ErrCampaignRunning
	}

	ok, err := s.Campaigns.TransitionStatus(ctx, campaignID, model.StartableStatuses, model.CampaignRunning)
	if err != nil {
		return nil, nil, fmt.Errorf("mark campaign %s running: %w", campaignID, err)
	}
	if !ok {
		return nil, nil, appErrors.ErrCampaignRunning
	}
	campaign.Status = model.CampaignRunning

	seq, err := s.Stats.StartRun(ctx, campaignID)
	if err != nil {
		out := &RunOutcome{CampaignID: campaignID}
		return nil, nil, s.fail(context.WithoutCancel(ctx), out, "reset stats", err)
	}
	campaign.RunSeq = seq
	campaign.Stats = model.CampaignStats{}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.runs == nil {
		s.runs = make(map[string]context.CancelFunc)
	}
	s.runs[campaignID] = cancel
	if s.closed {
		// Shutdown already swept the registry
		cancel()
	}
	s.mu.Unlock()
	return campaign, runCtx, nil
}

// release ends a registered run. It is called exactly once per run.
func (s *DispatchService) release(campaignID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.runs[campaignID]; ok {
		cancel()
		delete(s.runs, campaignID)
	}
	s.active.Done()
}

func (s *DispatchService) cfg() DispatchConfig {
	return s.Config.withDefaults()
}

func (s *DispatchService) execute(ctx context.Context, campaign *model.Campaign) (*RunOutcome, error) {
	started := time.Now()
	defer s.release(campaign.ID)

	cfg := s.cfg()
	log := s.Logger.With(zap.String("campaign_id", campaign.ID))
	out := &RunOutcome{CampaignID: campaign.ID}
	tally := &runTally{}
	// in-flight work and bookkeeping must finish even after Cancel
	persistCtx := context.WithoutCancel(ctx)

	finish := func() {
		out.Sent = int(tally.sent.Load())
		out.Failed = int(tally.failed.Load())
		out.Faults = int(tally.faults.Load())
		out.Duration = time.Since(started)
	}

	customers, err := s.Customers.ResolveCustomers(persistCtx, campaign.SegmentID)
	if err != nil {
		finish()
		return out, s.fail(persistCtx, out, "resolve segment", err)
	}
	out.AudienceSize = len(customers)
	if err := s.Campaigns.AddAudience(persistCtx, campaign.ID, len(customers)); err != nil {
		finish()
		return out, s.fail(persistCtx, out, "persist stats", err)
	}
	log.Info("campaign run started",
		zap.Int("audience_size", len(customers)),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("workers", cfg.Workers))

	stopped := false
	for start := 0; start < len(customers); start += cfg.BatchSize {
		if ctx.Err() != nil {
			stopped = true
			log.Info("campaign run cancelled", zap.Int("processed", start))
			break
		}
		end := min(start+cfg.BatchSize, len(customers))

		var g errgroup.Group
		g.SetLimit(cfg.Workers)
		for i := start; i < end; i++ {
			customer := customers[i]
			g.Go(func() error {
				return s.processRecipient(persistCtx, campaign, &customer, tally)
			})
		}
		if err := g.Wait(); err != nil {
			finish()
			return out, s.fail(persistCtx, out, "persist outcome", err)
		}
	}

	status := model.CampaignCompleted
	if stopped {
		status = model.CampaignCancelled
	}
	if err := s.Campaigns.UpdateStatus(persistCtx, campaign.ID, status); err != nil {
		finish()
		return out, s.fail(persistCtx, out, "finalize", err)
	}
	out.Status = status
	finish()
	runsTotal.WithLabelValues(status).Inc()
	log.Info("campaign run finished",
		zap.String("status", status),
		zap.Int("sent", out.Sent),
		zap.Int("failed", out.Failed),
		zap.Int("consistency_faults", out.Faults),
		zap.Duration("duration", out.Duration))
	return out, nil
}

// fail marks the campaign failed and wraps err. Counts recorded so far stay.
func (s *DispatchService) fail(ctx context.Context, out *RunOutcome, stage string, err error) error {
	if uerr := s.Campaigns.UpdateStatus(ctx, out.CampaignID, model.CampaignFailed); uerr != nil {
		s.Logger.Error("failed to mark campaign failed", zap.String("campaign_id", out.CampaignID), zap.Error(uerr))
	}
	out.Status = model.CampaignFailed
	runsTotal.WithLabelValues(model.CampaignFailed).Inc()
	runErr := &appErrors.CampaignRunError{CampaignID: out.CampaignID, Stage: stage, Err: err}
	s.Logger.Error("campaign run failed", zap.String("campaign_id", out.CampaignID), zap.String("stage", stage), zap.Error(err))
	return runErr
}

// processRecipient renders, logs and sends one message. Vendor failures are
// recorded and swallowed; only persistence failures are returned.
func (s *DispatchService) processRecipient(ctx context.Context, campaign *model.Campaign, customer *model.Customer, tally *runTally) error {
	message := RenderMessage(campaign.Template(), customer.Name, campaign.MessageContent)

	entry := &model.CommunicationLog{
		CampaignID: campaign.ID,
		CustomerID: customer.ID,
		Message:    message,
		Status:     model.LogPending,
		RunSeq:     campaign.RunSeq,
	}
	var sendErr error
	if err := s.Logs.Create(ctx, entry); err != nil {
		s.Logger.Warn("failed to create communication log",
			zap.String("campaign_id", campaign.ID), zap.String("customer_id", customer.ID), zap.Error(err))
		sendErr = &appErrors.DeliveryError{CustomerID: customer.ID, Reason: "communication log not created", Err: err}
	} else {
		var result *provider.DeliveryResult
		result, sendErr = s.send(ctx, message, customer)
		if sendErr == nil {
			return s.record(ctx, entry.ID, model.DeliveryReceipt{
				Status:    model.ReceiptDelivered,
				Timestamp: result.Timestamp,
				MessageID: result.MessageID,
			}, tally)
		}
	}

	pending, err := s.Logs.FindPending(ctx, campaign.ID, customer.ID)
	if err != nil {
		return fmt.Errorf("find pending log for customer %s: %w", customer.ID, err)
	}
	if pending == nil {
		fault := &appErrors.ConsistencyFault{CampaignID: campaign.ID, CustomerID: customer.ID, Detail: sendErr.Error()}
		s.Logger.Error("delivery outcome has no pending log", zap.Error(fault))
		consistencyFaults.Inc()
		messagesTotal.WithLabelValues("fault").Inc()
		tally.failed.Add(1)
		tally.faults.Add(1)
		return s.Stats.CountUnrecordedFailure(ctx, campaign.ID)
	}

	return s.record(ctx, pending.ID, model.DeliveryReceipt{
		Status:       model.ReceiptFailed,
		Timestamp:    time.Now().UTC(),
		ErrorMessage: failureReason(sendErr),
	}, tally)
}

func (s *DispatchService) send(ctx context.Context, message string, customer *model.Customer) (*provider.DeliveryResult, error) {
	cfg := s.cfg()
	sendCtx, cancel := context.WithTimeout(ctx, cfg.VendorTimeout)
	defer cancel()

	started := time.Now()
	result, err := s.Gateway.Send(sendCtx, message, customer)
	if err == nil {
		vendorCallDuration.WithLabelValues("ok").Observe(time.Since(started).Seconds())
		return result, nil
	}
	vendorCallDuration.WithLabelValues("error").Observe(time.Since(started).Seconds())

	var de *appErrors.DeliveryError
	if !errors.As(err, &de) {
		de = &appErrors.DeliveryError{CustomerID: customer.ID, Reason: "vendor error", Err: err}
	}
	if errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
		de.Timeout = true
		de.Reason = fmt.Sprintf("vendor timeout after %s", cfg.VendorTimeout)
	}
	return nil, de
}

func (s *DispatchService) record(ctx context.Context, logID string, receipt model.DeliveryReceipt, tally *runTally) error {
	updated, _, err := s.Stats.ApplyOutcome(ctx, logID, receipt)
	if err != nil {
		return err
	}
	// a receipt may have finalized the log first; count what the log says
	if updated.Status == model.LogSent {
		tally.sent.Add(1)
		messagesTotal.WithLabelValues("sent").Inc()
	} else {
		tally.failed.Add(1)
		messagesTotal.WithLabelValues("failed").Inc()
	}
	return nil
}

func failureReason(err error) string {
	var de *appErrors.DeliveryError
	if errors.As(err, &de) {
		return de.Reason
	}
	return err.Error()
}

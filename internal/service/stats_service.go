package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/distlock"
	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
)

// ReceiptOutcome says what applying a delivery outcome did to a log.
type ReceiptOutcome string

const (
	// OutcomeApplied finalized a PENDING log and bumped a counter.
	OutcomeApplied ReceiptOutcome = "applied"
	// OutcomeDuplicate repeated the log's terminal status. Receipt refreshed, counters untouched.
	OutcomeDuplicate ReceiptOutcome = "duplicate"
	// OutcomeConflict contradicted the log's terminal status. Only the history records it.
	OutcomeConflict ReceiptOutcome = "conflict"
	// OutcomeIgnored was a non-terminal status. Only the history records it.
	OutcomeIgnored ReceiptOutcome = "ignored"
)

func campaignLockKey(campaignID string) string {
	return "campaign:" + campaignID
}

// StatsTracker is the single writer of terminal log states and campaign
// counters. All mutations for a campaign happen under its lock, and the first
// terminal status a log receives is the one that counts.
type StatsTracker struct {
	Campaigns repository.CampaignRepositoryInterface
	Logs      repository.CommunicationLogRepositoryInterface
	Locker    distlock.Locker
	Logger    *zap.Logger
}

// ApplyOutcome lands a receipt on a log. The log's new status follows from
// receipt.Status: DELIVERED or SENT finalize as SENT, FAILED as FAILED, and
// anything else is recorded without effect.
func (t *StatsTracker) ApplyOutcome(ctx context.Context, logID string, receipt model.DeliveryReceipt) (*model.CommunicationLog, ReceiptOutcome, error) {
	entry, err := t.Logs.GetByID(ctx, logID)
	if err != nil {
		return nil, "", err
	}

	unlock, err := t.Locker.Lock(ctx, campaignLockKey(entry.CampaignID))
	if err != nil {
		return nil, "", fmt.Errorf("lock campaign %s: %w", entry.CampaignID, err)
	}
	defer unlock()

	// re-read under the lock; a concurrent writer may have finalized it
	entry, err = t.Logs.GetByID(ctx, logID)
	if err != nil {
		return nil, "", err
	}

	if receipt.Timestamp.IsZero() {
		receipt.Timestamp = time.Now().UTC()
	}
	target := model.LogStatusForReceipt(receipt.Status)

	var (
		outcome ReceiptOutcome
		update  model.LogUpdate
	)
	switch {
	case target == model.LogPending:
		outcome = OutcomeIgnored
	case entry.IsPending():
		outcome = OutcomeApplied
		update.Status = &target
		update.DeliveryReceipt = &receipt
	case entry.Status == target:
		outcome = OutcomeDuplicate
		update.DeliveryReceipt = &receipt
	default:
		outcome = OutcomeConflict
	}
	update.AppendHistory = &model.ReceiptEntry{
		Status:       receipt.Status,
		ErrorMessage: receipt.ErrorMessage,
		Outcome:      string(outcome),
		ReceivedAt:   receipt.Timestamp,
	}

	// counters move before the log so a failed write leaves the log PENDING
	// and a retry can still apply it
	sent, failed := 0, 0
	if outcome == OutcomeApplied {
		campaign, err := t.Campaigns.GetByID(ctx, entry.CampaignID)
		if err != nil {
			return nil, "", fmt.Errorf("load campaign %s: %w", entry.CampaignID, err)
		}
		if campaign.Counts(entry) {
			if target == model.LogSent {
				sent = 1
			} else {
				failed = 1
			}
			if err := t.Campaigns.IncrementStats(ctx, entry.CampaignID, sent, failed); err != nil {
				return nil, "", fmt.Errorf("increment stats for campaign %s: %w", entry.CampaignID, err)
			}
		} else {
			t.Logger.Info("outcome for an earlier run leaves stats untouched",
				zap.String("log_id", logID),
				zap.String("campaign_id", entry.CampaignID),
				zap.Int("log_run", entry.RunSeq),
				zap.Int("current_run", campaign.RunSeq))
		}
	}

	updated, err := t.Logs.Update(ctx, logID, update)
	if err != nil {
		if sent+failed > 0 {
			if cerr := t.Campaigns.IncrementStats(context.WithoutCancel(ctx), entry.CampaignID, -sent, -failed); cerr != nil {
				t.Logger.Error("failed to roll back stats after log update failure",
					zap.String("log_id", logID),
					zap.String("campaign_id", entry.CampaignID),
					zap.Error(cerr))
			}
		}
		return nil, "", fmt.Errorf("update log %s: %w", logID, err)
	}

	if outcome == OutcomeConflict {
		t.Logger.Warn("conflicting delivery receipt ignored",
			zap.String("log_id", logID),
			zap.String("campaign_id", entry.CampaignID),
			zap.String("current_status", entry.Status),
			zap.String("receipt_status", receipt.Status))
	}
	receiptOutcomes.WithLabelValues(string(outcome)).Inc()
	return updated, outcome, nil
}

// StartRun resets the campaign's stats for a new run and returns the run
// sequence its logs must carry.
func (t *StatsTracker) StartRun(ctx context.Context, campaignID string) (int, error) {
	unlock, err := t.Locker.Lock(ctx, campaignLockKey(campaignID))
	if err != nil {
		return 0, fmt.Errorf("lock campaign %s: %w", campaignID, err)
	}
	defer unlock()
	return t.Campaigns.StartRun(ctx, campaignID)
}

// TrackPending creates a PENDING log outside a dispatch run and adds it to
// the audience of the campaign's current run. Running campaigns refuse it.
func (t *StatsTracker) TrackPending(ctx context.Context, entry *model.CommunicationLog) error {
	unlock, err := t.Locker.Lock(ctx, campaignLockKey(entry.CampaignID))
	if err != nil {
		return fmt.Errorf("lock campaign %s: %w", entry.CampaignID, err)
	}
	defer unlock()

	campaign, err := t.Campaigns.GetByID(ctx, entry.CampaignID)
	if err != nil {
		return err
	}
	if campaign.IsRunning() {
		return appErrors.ErrCampaignRunning
	}
	entry.Status = model.LogPending
	entry.RunSeq = campaign.RunSeq

	if err := t.Campaigns.AddAudience(ctx, campaign.ID, 1); err != nil {
		return fmt.Errorf("grow audience: %w", err)
	}
	if err := t.Logs.Create(ctx, entry); err != nil {
		if uerr := t.Campaigns.AddAudience(context.WithoutCancel(ctx), campaign.ID, -1); uerr != nil {
			t.Logger.Error("failed to shrink audience after log insert failure",
				zap.String("campaign_id", campaign.ID), zap.Error(uerr))
		}
		return fmt.Errorf("create communication log: %w", err)
	}
	return nil
}

// CountUnrecordedFailure bumps the failed counter for an outcome that has no
// log to land on.
func (t *StatsTracker) CountUnrecordedFailure(ctx context.Context, campaignID string) error {
	unlock, err := t.Locker.Lock(ctx, campaignLockKey(campaignID))
	if err != nil {
		return fmt.Errorf("lock campaign %s: %w", campaignID, err)
	}
	defer unlock()
	return t.Campaigns.IncrementStats(ctx, campaignID, 0, 1)
}

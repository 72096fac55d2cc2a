package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/provider"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
)

type ReconcileResult struct {
	Outcome ReceiptOutcome          `json:"outcome"`
	Log     *model.CommunicationLog `json:"log"`
}

// ReceiptService applies vendor delivery receipts to communication logs.
type ReceiptService struct {
	Logs   repository.CommunicationLogRepositoryInterface
	Stats  *StatsTracker
	Logger *zap.Logger
}

// Reconcile applies a receipt to a log by id. Unknown logs return a
// NotFoundError and nothing is written.
func (s *ReceiptService) Reconcile(ctx context.Context, logID, status, errorMessage string) (*ReconcileResult, error) {
	return s.reconcile(ctx, logID, status, errorMessage, "")
}

func (s *ReceiptService) reconcile(ctx context.Context, logID, status, errorMessage, messageID string) (*ReconcileResult, error) {
	normalized, err := model.ParseReceiptStatus(status)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", appErrors.ErrInvalidReceiptStatus, err)
	}

	updated, outcome, err := s.Stats.ApplyOutcome(ctx, logID, model.DeliveryReceipt{
		Status:       normalized,
		Timestamp:    time.Now().UTC(),
		MessageID:    messageID,
		ErrorMessage: errorMessage,
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("delivery receipt reconciled",
		zap.String("log_id", logID),
		zap.String("status", normalized),
		zap.String("outcome", string(outcome)))
	return &ReconcileResult{Outcome: outcome, Log: updated}, nil
}

// ReconcileVendorReceipt reconciles the log the receipt names. Receipts that
// carry no log id fall back to the newest PENDING log for their campaign and
// customer. A receipt with nowhere to land is a *appErrors.ConsistencyFault.
func (s *ReceiptService) ReconcileVendorReceipt(ctx context.Context, r provider.Receipt) (*ReconcileResult, error) {
	logID := r.LogID
	if logID == "" {
		pending, err := s.Logs.FindPending(ctx, r.CampaignID, r.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("find pending log: %w", err)
		}
		if pending == nil {
			return nil, s.fault(r, "has no pending log")
		}
		logID = pending.ID
	}

	res, err := s.reconcile(ctx, logID, r.Status, r.ErrorMessage, r.MessageID)
	if err != nil && appErrors.IsNotFound(err) && r.LogID != "" {
		return nil, s.fault(r, fmt.Sprintf("names unknown log %s", r.LogID))
	}
	return res, err
}

func (s *ReceiptService) fault(r provider.Receipt, detail string) error {
	fault := &appErrors.ConsistencyFault{
		CampaignID: r.CampaignID,
		CustomerID: r.CustomerID,
		Detail:     fmt.Sprintf("receipt %s (%s) %s", r.MessageID, r.Status, detail),
	}
	consistencyFaults.Inc()
	s.Logger.Error("vendor receipt dropped", zap.Error(fault))
	return fault
}

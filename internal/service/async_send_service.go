package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/provider"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
)

// Enqueuer is the queue-and-confirm side of the vendor.
type Enqueuer interface {
	Enqueue(ctx context.Context, sub provider.Submission) (*provider.Ticket, error)
}

type QueuedSend struct {
	LogID     string `json:"log_id"`
	MessageID string `json:"message_id"`
}

// AsyncSendService sends a single message that the vendor confirms later
// with a receipt.
type AsyncSendService struct {
	Campaigns repository.CampaignRepositoryInterface
	// Customers, when set, rejects unknown recipients before anything is written.
	Customers repository.CustomerRepositoryInterface
	Stats     *StatsTracker
	Vendor    Enqueuer
	Logger    *zap.Logger
}

// QueueSend records a PENDING log, counts the recipient in the audience and
// hands the message to the vendor with the log id as its reference. If the vendor refuses it the log is failed
// straight away.
func (s *AsyncSendService) QueueSend(ctx context.Context, campaignID, customerID, message string) (*QueuedSend, error) {
	campaign, err := s.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	// a dispatch run resets stats; mixing the two would lose the audience bump
	if campaign.IsRunning() {
		return nil, appErrors.ErrCampaignRunning
	}
	if s.Customers != nil {
		customer, err := s.Customers.GetByID(ctx, customerID)
		if err != nil {
			return nil, fmt.Errorf("load customer: %w", err)
		}
		if customer == nil {
			return nil, appErrors.NewCustomerNotFound(customerID)
		}
	}

	entry := &model.CommunicationLog{
		CampaignID: campaignID,
		CustomerID: customerID,
		Message:    message,
	}
	if err := s.Stats.TrackPending(ctx, entry); err != nil {
		return nil, err
	}

	ticket, err := s.Vendor.Enqueue(ctx, provider.Submission{
		LogID:      entry.ID,
		CampaignID: campaignID,
		CustomerID: customerID,
		Message:    message,
	})
	if err != nil {
		s.Logger.Warn("vendor refused message",
			zap.String("campaign_id", campaignID),
			zap.String("customer_id", customerID),
			zap.Error(err))
		if _, _, ferr := s.Stats.ApplyOutcome(ctx, entry.ID, model.DeliveryReceipt{
			Status:       model.ReceiptFailed,
			ErrorMessage: err.Error(),
		}); ferr != nil {
			return nil, fmt.Errorf("fail refused log %s: %w", entry.ID, ferr)
		}
		return nil, fmt.Errorf("enqueue message: %w", err)
	}

	asyncQueued.Inc()
	s.Logger.Info("message queued with vendor",
		zap.String("log_id", entry.ID),
		zap.String("message_id", ticket.MessageID))
	return &QueuedSend{LogID: entry.ID, MessageID: ticket.MessageID}, nil
}

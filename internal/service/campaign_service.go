// internal/service/campaign_service.go
package service

import (
	"context"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
)

// CampaignService is the read side used by the audit endpoints.
type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	LogRepo      repository.CommunicationLogRepositoryInterface
}

type ProgressReport struct {
	CampaignID string              `json:"campaign_id"`
	Status     string              `json:"status"`
	Progress   float64             `json:"progress"`
	Stats      model.CampaignStats `json:"stats"`
}

func (s *CampaignService) Get(ctx context.Context, id string) (*model.Campaign, error) {
	return s.CampaignRepo.GetByID(ctx, id)
}

func (s *CampaignService) Progress(ctx context.Context, id string) (*ProgressReport, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ProgressReport{
		CampaignID: campaign.ID,
		Status:     campaign.Status,
		Progress:   campaign.Stats.Progress(),
		Stats:      campaign.Stats,
	}, nil
}

// ListLogs returns a campaign's communication logs, optionally filtered by
// status. Unknown campaigns are a NotFoundError rather than an empty list.
func (s *CampaignService) ListLogs(ctx context.Context, campaignID, status string) ([]*model.CommunicationLog, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return nil, err
	}
	logs, err := s.LogRepo.ListByCampaign(ctx, campaignID, status)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []*model.CommunicationLog{}
	}
	return logs, nil
}

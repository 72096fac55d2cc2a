// internal/model/campaign.go
package model

import "time"

const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignRunning   = "running"
	CampaignCompleted = "completed"
	CampaignFailed    = "failed"
	CampaignCancelled = "cancelled"
)

// DefaultMessageTemplate is used when a campaign carries no template of its own.
const DefaultMessageTemplate = "Hi {{customerName}}, {{message}}"

// StartableStatuses are the states a run may begin from.
var StartableStatuses = []string{
	CampaignDraft,
	CampaignScheduled,
	CampaignCompleted,
	CampaignFailed,
	CampaignCancelled,
}

type CampaignStats struct {
	AudienceSize int        `db:"audience_size" json:"audience_size"`
	Sent         int        `db:"sent" json:"sent"`
	Failed       int        `db:"failed" json:"failed"`
	LastUpdated  *time.Time `db:"stats_updated_at" json:"last_updated,omitempty"`
}

// Progress is the share of the audience with a terminal outcome, in percent.
func (s CampaignStats) Progress() float64 {
	if s.AudienceSize <= 0 {
		return 0
	}
	return float64(s.Sent+s.Failed) / float64(s.AudienceSize) * 100
}

type Campaign struct {
	ID              string        `db:"id" json:"id"`
	Name            string        `db:"name" json:"name"`
	SegmentID       string        `db:"segment_id" json:"segment_id"`
	Status          string        `db:"status" json:"status"`
	MessageTemplate string        `db:"message_template" json:"message_template"`
	MessageContent  string        `db:"message_content" json:"message_content"`
	// RunSeq counts the runs started so far. Stats belong to the current run.
	RunSeq          int           `db:"run_seq" json:"run_seq"`
	Stats           CampaignStats `json:"stats"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       *time.Time    `db:"updated_at" json:"updated_at,omitempty"`
}

// Template returns the campaign template, falling back to the default.
func (c *Campaign) Template() string {
	if c.MessageTemplate == "" {
		return DefaultMessageTemplate
	}
	return c.MessageTemplate
}

func (c *Campaign) IsRunning() bool {
	return c.Status == CampaignRunning
}

// Counts reports whether l is part of the campaign's current stats. Logs
// left over from an earlier run still finalize but move no counter.
func (c *Campaign) Counts(l *CommunicationLog) bool {
	return l.RunSeq == c.RunSeq
}

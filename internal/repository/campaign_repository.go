package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

type CampaignRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	Create(ctx context.Context, c *model.Campaign) error
	Update(ctx context.Context, c *model.Campaign) error
	UpdateStatus(ctx context.Context, id, status string) error
	// TransitionStatus moves the campaign to `to` only if its status is one of
	// `from`. It reports whether the row changed.
	TransitionStatus(ctx context.Context, id string, from []string, to string) (bool, error)
	SetStats(ctx context.Context, id string, stats model.CampaignStats) error
	// StartRun zeroes the counters, advances the run sequence and returns it.
	StartRun(ctx context.Context, id string) (int, error)
	// FailRunning marks every running campaign failed and reports how many.
	FailRunning(ctx context.Context) (int, error)
	IncrementStats(ctx context.Context, id string, sentDelta, failedDelta int) error
	AddAudience(ctx context.Context, id string, delta int) error
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, name, segment_id, status, message_template, message_content, run_seq,
	audience_size, sent, failed, stats_updated_at, created_at, updated_at`

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	if c.MessageTemplate == "" {
		c.MessageTemplate = model.DefaultMessageTemplate
	}
	c.CreatedAt = time.Now().UTC()
	query := `
		INSERT INTO campaigns (id, name, segment_id, status, message_template, message_content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.DB.ExecContext(ctx, query, c.ID, c.Name, c.SegmentID, c.Status, c.MessageTemplate, c.MessageContent, c.CreatedAt)
	return err
}

func (r *CampaignRepository) Update(ctx context.Context, c *model.Campaign) error {
	query := `
		UPDATE campaigns
		SET name=$1, segment_id=$2, message_template=$3, message_content=$4, status=$5, updated_at=NOW()
		WHERE id=$6
	`
	res, err := r.DB.ExecContext(ctx, query, c.Name, c.SegmentID, c.MessageTemplate, c.MessageContent, c.Status, c.ID)
	return requireRow(res, err, appErrors.NewCampaignNotFound(c.ID))
}

func (r *CampaignRepository) UpdateStatus(ctx context.Context, id, status string) error {
	query := `UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2`
	res, err := r.DB.ExecContext(ctx, query, status, id)
	return requireRow(res, err, appErrors.NewCampaignNotFound(id))
}

func (r *CampaignRepository) TransitionStatus(ctx context.Context, id string, from []string, to string) (bool, error) {
	query := `UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2 AND status = ANY($3)`
	res, err := r.DB.ExecContext(ctx, query, to, id, pq.Array(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *CampaignRepository) SetStats(ctx context.Context, id string, stats model.CampaignStats) error {
	query := `
		UPDATE campaigns
		SET audience_size=$1, sent=$2, failed=$3, stats_updated_at=NOW()
		WHERE id=$4
	`
	res, err := r.DB.ExecContext(ctx, query, stats.AudienceSize, stats.Sent, stats.Failed, id)
	return requireRow(res, err, appErrors.NewCampaignNotFound(id))
}

func (r *CampaignRepository) StartRun(ctx context.Context, id string) (int, error) {
	query := `
		UPDATE campaigns
		SET run_seq = run_seq + 1, audience_size = 0, sent = 0, failed = 0, stats_updated_at = NOW()
		WHERE id = $1
		RETURNING run_seq
	`
	var seq int
	if err := r.DB.QueryRowContext(ctx, query, id).Scan(&seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, appErrors.NewCampaignNotFound(id)
		}
		return 0, err
	}
	return seq, nil
}

func (r *CampaignRepository) FailRunning(ctx context.Context) (int, error) {
	query := `UPDATE campaigns SET status=$1, updated_at=NOW() WHERE status=$2`
	res, err := r.DB.ExecContext(ctx, query, model.CampaignFailed, model.CampaignRunning)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// IncrementStats adds to the counters in a single statement so concurrent
// writers never lose an update.
func (r *CampaignRepository) IncrementStats(ctx context.Context, id string, sentDelta, failedDelta int) error {
	query := `
		UPDATE campaigns
		SET sent = sent + $1, failed = failed + $2, stats_updated_at = NOW()
		WHERE id = $3
	`
	res, err := r.DB.ExecContext(ctx, query, sentDelta, failedDelta, id)
	return requireRow(res, err, appErrors.NewCampaignNotFound(id))
}

func (r *CampaignRepository) AddAudience(ctx context.Context, id string, delta int) error {
	query := `UPDATE campaigns SET audience_size = audience_size + $1, stats_updated_at = NOW() WHERE id = $2`
	res, err := r.DB.ExecContext(ctx, query, delta, id)
	return requireRow(res, err, appErrors.NewCampaignNotFound(id))
}

func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	var c model.Campaign
	err := r.DB.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.Name, &c.SegmentID, &c.Status, &c.MessageTemplate, &c.MessageContent, &c.RunSeq,
		&c.Stats.AudienceSize, &c.Stats.Sent, &c.Stats.Failed, &c.Stats.LastUpdated,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return &c, nil
}

// requireRow turns a zero-row update into notFound.
func requireRow(res sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)

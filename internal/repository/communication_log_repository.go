package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

type CommunicationLogRepositoryInterface interface {
	Create(ctx context.Context, l *model.CommunicationLog) error
	GetByID(ctx context.Context, id string) (*model.CommunicationLog, error)
	// FindPending returns the newest PENDING log for the pair, or nil.
	FindPending(ctx context.Context, campaignID, customerID string) (*model.CommunicationLog, error)
	Update(ctx context.Context, id string, u model.LogUpdate) (*model.CommunicationLog, error)
	// ListByCampaign returns logs oldest first. An empty status matches all.
	ListByCampaign(ctx context.Context, campaignID, status string) ([]*model.CommunicationLog, error)
}

type CommunicationLogRepository struct {
	DB *sql.DB
}

const logColumns = `id, campaign_id, customer_id, message, status, run_seq,
	receipt_status, receipt_timestamp, receipt_message_id, receipt_error_message,
	receipt_history, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLog(row rowScanner) (*model.CommunicationLog, error) {
	var (
		l                        model.CommunicationLog
		rStatus, rMsgID, rErrMsg sql.NullString
		rTimestamp               sql.NullTime
		history                  []byte
	)
	if err := row.Scan(
		&l.ID, &l.CampaignID, &l.CustomerID, &l.Message, &l.Status, &l.RunSeq,
		&rStatus, &rTimestamp, &rMsgID, &rErrMsg,
		&history, &l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if rStatus.Valid {
		l.DeliveryReceipt = &model.DeliveryReceipt{
			Status:       rStatus.String,
			Timestamp:    rTimestamp.Time,
			MessageID:    rMsgID.String,
			ErrorMessage: rErrMsg.String,
		}
	}
	l.ReceiptHistory = []model.ReceiptEntry{}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &l.ReceiptHistory); err != nil {
			return nil, fmt.Errorf("decode receipt history for log %s: %w", l.ID, err)
		}
	}
	return &l, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (r *CommunicationLogRepository) Create(ctx context.Context, l *model.CommunicationLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = model.LogPending
	}
	now := time.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now
	if l.ReceiptHistory == nil {
		l.ReceiptHistory = []model.ReceiptEntry{}
	}
	query := `
		INSERT INTO communication_logs (id, campaign_id, customer_id, message, status, run_seq, receipt_history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, '[]'::jsonb, $7, $8)
	`
	_, err := r.DB.ExecContext(ctx, query, l.ID, l.CampaignID, l.CustomerID, l.Message, l.Status, l.RunSeq, l.CreatedAt, l.UpdatedAt)
	return err
}

func (r *CommunicationLogRepository) GetByID(ctx context.Context, id string) (*model.CommunicationLog, error) {
	query := `SELECT ` + logColumns + ` FROM communication_logs WHERE id=$1`
	l, err := scanLog(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewLogNotFound(id)
		}
		return nil, err
	}
	return l, nil
}

func (r *CommunicationLogRepository) FindPending(ctx context.Context, campaignID, customerID string) (*model.CommunicationLog, error) {
	query := `SELECT ` + logColumns + `
		FROM communication_logs
		WHERE campaign_id=$1 AND customer_id=$2 AND status='PENDING'
		ORDER BY created_at DESC
		LIMIT 1`
	l, err := scanLog(r.DB.QueryRowContext(ctx, query, campaignID, customerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return l, nil
}

func (r *CommunicationLogRepository) Update(ctx context.Context, id string, u model.LogUpdate) (*model.CommunicationLog, error) {
	sets := []string{}
	args := []any{}
	argPos := 1
	add := func(expr string, v any) {
		sets = append(sets, fmt.Sprintf(expr, argPos))
		args = append(args, v)
		argPos++
	}

	if u.Status != nil {
		add("status=$%d", *u.Status)
	}
	if u.DeliveryReceipt != nil {
		add("receipt_status=$%d", u.DeliveryReceipt.Status)
		add("receipt_timestamp=$%d", u.DeliveryReceipt.Timestamp)
		add("receipt_message_id=$%d", nullString(u.DeliveryReceipt.MessageID))
		add("receipt_error_message=$%d", nullString(u.DeliveryReceipt.ErrorMessage))
	}
	if u.AppendHistory != nil {
		entry, err := json.Marshal([]model.ReceiptEntry{*u.AppendHistory})
		if err != nil {
			return nil, fmt.Errorf("encode receipt history entry: %w", err)
		}
		add("receipt_history = receipt_history || $%d::jsonb", string(entry))
	}
	sets = append(sets, "updated_at=NOW()")

	query := fmt.Sprintf(`UPDATE communication_logs SET %s WHERE id=$%d RETURNING %s`,
		strings.Join(sets, ", "), argPos, logColumns)
	args = append(args, id)

	l, err := scanLog(r.DB.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewLogNotFound(id)
		}
		return nil, err
	}
	return l, nil
}

func (r *CommunicationLogRepository) ListByCampaign(ctx context.Context, campaignID, status string) ([]*model.CommunicationLog, error) {
	query := `SELECT ` + logColumns + ` FROM communication_logs WHERE campaign_id=$1`
	args := []any{campaignID}
	if status != "" {
		query += ` AND status=$2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []*model.CommunicationLog{}
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

var _ CommunicationLogRepositoryInterface = (*CommunicationLogRepository)(nil)

package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

var logCols = []string{"id", "campaign_id", "customer_id", "message", "status", "run_seq",
	"receipt_status", "receipt_timestamp", "receipt_message_id", "receipt_error_message",
	"receipt_history", "created_at", "updated_at"}

func TestLogGetByIDDecodesReceipt(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	repo := &CommunicationLogRepository{DB: conn}

	now := time.Now().UTC()
	history := `[{"status":"DELIVERED","outcome":"applied","received_at":"2026-01-02T03:04:05Z"}]`
	mock.ExpectQuery("FROM communication_logs WHERE id=\\$1").WithArgs("l1").WillReturnRows(
		sqlmock.NewRows(logCols).AddRow("l1", "c1", "u1", "Hi", "SENT", 1,
			"DELIVERED", now, "msg-1", nil, []byte(history), now, now))

	l, err := repo.GetByID(context.Background(), "l1")
	require.NoError(t, err)
	require.NotNil(t, l.DeliveryReceipt)
	assert.Equal(t, "msg-1", l.DeliveryReceipt.MessageID)
	assert.Empty(t, l.DeliveryReceipt.ErrorMessage)
	require.Len(t, l.ReceiptHistory, 1)
	assert.Equal(t, "applied", l.ReceiptHistory[0].Outcome)
}

func TestLogGetByIDNotFound(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	repo := &CommunicationLogRepository{DB: conn}

	mock.ExpectQuery("FROM communication_logs").WillReturnRows(sqlmock.NewRows(logCols))

	_, err = repo.GetByID(context.Background(), "nope")
	assert.True(t, appErrors.IsNotFound(err))
}

func TestLogFindPendingNone(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	repo := &CommunicationLogRepository{DB: conn}

	mock.ExpectQuery("status='PENDING'").WithArgs("c1", "u1").WillReturnRows(sqlmock.NewRows(logCols))

	l, err := repo.FindPending(context.Background(), "c1", "u1")
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestLogUpdateBuildsStatement(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	repo := &CommunicationLogRepository{DB: conn}

	now := time.Now().UTC()
	status := model.LogFailed
	update := model.LogUpdate{
		Status:          &status,
		DeliveryReceipt: &model.DeliveryReceipt{Status: model.ReceiptFailed, Timestamp: now, ErrorMessage: "timeout"},
		AppendHistory:   &model.ReceiptEntry{Status: model.ReceiptFailed, Outcome: "applied", ReceivedAt: now},
	}

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE communication_logs SET status=$1, receipt_status=$2, receipt_timestamp=$3, receipt_message_id=$4, receipt_error_message=$5, receipt_history = receipt_history || $6::jsonb, updated_at=NOW() WHERE id=$7")).
		WithArgs(model.LogFailed, model.ReceiptFailed, now, nil, "timeout", sqlmock.AnyArg(), "l1").
		WillReturnRows(sqlmock.NewRows(logCols).AddRow("l1", "c1", "u1", "Hi", "FAILED", 1,
			"FAILED", now, nil, "timeout", []byte(`[]`), now, now))

	l, err := repo.Update(context.Background(), "l1", update)
	require.NoError(t, err)
	assert.Equal(t, model.LogFailed, l.Status)
	assert.Equal(t, "timeout", l.DeliveryReceipt.ErrorMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogListByCampaignFiltersStatus(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	repo := &CommunicationLogRepository{DB: conn}

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE campaign_id=$1 AND status=$2 ORDER BY created_at, id")).
		WithArgs("c1", model.LogPending).
		WillReturnRows(sqlmock.NewRows(logCols).
			AddRow("l1", "c1", "u1", "Hi", "PENDING", 1, nil, nil, nil, nil, []byte(`[]`), now, now).
			AddRow("l2", "c1", "u2", "Hi", "PENDING", 1, nil, nil, nil, nil, []byte(`[]`), now, now))

	logs, err := repo.ListByCampaign(context.Background(), "c1", model.LogPending)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Nil(t, logs[0].DeliveryReceipt)
	assert.Empty(t, logs[1].ReceiptHistory)
}

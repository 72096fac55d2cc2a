// internal/model/communication_log.go
package model

import (
	"fmt"
	"strings"
	"time"
)

const (
	LogPending = "PENDING"
	LogSent    = "SENT"
	LogFailed  = "FAILED"
)

const (
	ReceiptDelivered = "DELIVERED"
	ReceiptFailed    = "FAILED"
)

type DeliveryReceipt struct {
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	MessageID    string    `json:"message_id,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// ReceiptEntry records one receipt and what was done with it.
type ReceiptEntry struct {
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Outcome      string    `json:"outcome"`
	ReceivedAt   time.Time `json:"received_at"`
}

type CommunicationLog struct {
	ID              string           `db:"id" json:"id"`
	CampaignID      string           `db:"campaign_id" json:"campaign_id"`
	CustomerID      string           `db:"customer_id" json:"customer_id"`
	Message         string           `db:"message" json:"message"`
	Status          string           `db:"status" json:"status"`
	RunSeq          int              `db:"run_seq" json:"run_seq"`
	DeliveryReceipt *DeliveryReceipt `json:"delivery_receipt,omitempty"`
	ReceiptHistory  []ReceiptEntry   `db:"receipt_history" json:"receipt_history"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

func (l *CommunicationLog) IsPending() bool {
	return l.Status == LogPending
}

// LogUpdate is a partial update. Nil fields are left alone.
type LogUpdate struct {
	Status          *string
	DeliveryReceipt *DeliveryReceipt
	AppendHistory   *ReceiptEntry
}

// ParseReceiptStatus normalizes vendor delivery vocabulary onto log statuses.
func ParseReceiptStatus(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "sending", "pending":
		return LogPending, nil
	case "sent":
		return LogSent, nil
	case "delivered":
		return ReceiptDelivered, nil
	case "undelivered", "failed":
		return LogFailed, nil
	}
	return "", fmt.Errorf("unknown delivery status %q", raw)
}

// LogStatusForReceipt maps a receipt status onto the log status it finalizes.
// DELIVERED and SENT both count as a send.
func LogStatusForReceipt(status string) string {
	switch status {
	case ReceiptDelivered, LogSent:
		return LogSent
	case ReceiptFailed:
		return LogFailed
	}
	return LogPending
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/provider"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
)

// ReceiptReconciler is what the worker needs from ReceiptService.
type ReceiptReconciler interface {
	ReconcileVendorReceipt(ctx context.Context, r provider.Receipt) (*ReconcileResult, error)
}

// ReceiptWorker consumes vendor receipts from the queue.
type ReceiptWorker struct {
	Receipts ReceiptReconciler
	Logger   *zap.Logger
	// Topic defaults to queue.TopicDeliveryReceipts.
	Topic string
}

// Constructor
func NewReceiptWorker(receipts ReceiptReconciler, logger *zap.Logger) *ReceiptWorker {
	return &ReceiptWorker{Receipts: receipts, Logger: logger}
}

func receiptTopic(topic string) string {
	if topic == "" {
		return queue.TopicDeliveryReceipts
	}
	return topic
}

// Subscribe attaches the worker to the receipts topic.
func (w *ReceiptWorker) Subscribe(q queue.Queue) error {
	return q.Subscribe(receiptTopic(w.Topic), w.Handle)
}

// Handle reconciles one payload. Only transient errors are returned so the
// queue retries them; bad payloads and receipts without a log are dropped.
func (w *ReceiptWorker) Handle(payload any) error {
	receipt, err := decodeReceipt(payload)
	if err != nil {
		w.Logger.Error("dropping malformed receipt", zap.Error(err))
		return nil
	}

	_, err = w.Receipts.ReconcileVendorReceipt(context.Background(), receipt)
	var fault *appErrors.ConsistencyFault
	switch {
	case err == nil:
		return nil
	case errors.As(err, &fault), appErrors.IsNotFound(err), errors.Is(err, appErrors.ErrInvalidReceiptStatus):
		w.Logger.Warn("receipt not applied",
			zap.String("message_id", receipt.MessageID),
			zap.Error(err))
		return nil
	default:
		return err
	}
}

func decodeReceipt(payload any) (provider.Receipt, error) {
	switch p := payload.(type) {
	case provider.Receipt:
		return p, nil
	case *provider.Receipt:
		if p == nil {
			return provider.Receipt{}, errors.New("nil receipt")
		}
		return *p, nil
	case []byte:
		var r provider.Receipt
		if err := json.Unmarshal(p, &r); err != nil {
			return provider.Receipt{}, fmt.Errorf("decode receipt: %w", err)
		}
		return r, nil
	default:
		return provider.Receipt{}, fmt.Errorf("unexpected receipt payload %T", payload)
	}
}

// ReceiptPublisher puts vendor receipts on the queue.
type ReceiptPublisher struct {
	Queue queue.Queue
	Topic string
}

func (p *ReceiptPublisher) Deliver(_ context.Context, r provider.Receipt) error {
	return p.Queue.Publish(receiptTopic(p.Topic), r)
}

package provider

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

var (
	ErrAsyncClosed = errors.New("vendor queue is closed")

	errTaskCancelled = errors.New("delivery cancelled")
	errTaskClosed    = errors.New("vendor queue closed")
)

// Receipt is the vendor's asynchronous delivery report for one message. LogID
// echoes the reference supplied at enqueue time.
type Receipt struct {
	MessageID    string    `json:"message_id"`
	LogID        string    `json:"log_id,omitempty"`
	CampaignID   string    `json:"campaign_id"`
	CustomerID   string    `json:"customer_id"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ReceiptSink receives receipts as the vendor produces them.
type ReceiptSink interface {
	Deliver(ctx context.Context, r Receipt) error
}

// Submission is one message handed to the vendor. LogID is our reference and
// comes back on the receipt.
type Submission struct {
	LogID      string
	CampaignID string
	CustomerID string
	Message    string
}

// Ticket acknowledges an accepted message.
type Ticket struct {
	MessageID  string    `json:"message_id"`
	LogID      string    `json:"log_id,omitempty"`
	CampaignID string    `json:"campaign_id"`
	CustomerID string    `json:"customer_id"`
	AcceptedAt time.Time `json:"accepted_at"`
	Deadline   time.Time `json:"deadline"`
}

type AsyncConfig struct {
	// Delay before the terminal status is resolved.
	Delay time.Duration
	// Deadline bounds the whole delivery. Exceeding it yields a FAILED receipt.
	Deadline time.Duration
}

type asyncTask struct {
	ticket  Ticket
	message string
	cancel  context.CancelCauseFunc
}

// Async accepts messages immediately and reports their outcome later through
// a ReceiptSink. Each message is a scheduled task that can be cancelled.
type Async struct {
	inner  Gateway
	sink   ReceiptSink
	cfg    AsyncConfig
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*asyncTask
	closed  bool
	wg      sync.WaitGroup
}

func NewAsync(inner Gateway, sink ReceiptSink, cfg AsyncConfig, logger *zap.Logger) *Async {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Async{
		inner:   inner,
		sink:    sink,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]*asyncTask),
	}
}

func (a *Async) Enqueue(ctx context.Context, sub Submission) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	t := &asyncTask{
		ticket: Ticket{
			MessageID:  uuid.NewString(),
			LogID:      sub.LogID,
			CampaignID: sub.CampaignID,
			CustomerID: sub.CustomerID,
			AcceptedAt: now,
			Deadline:   now.Add(a.cfg.Deadline),
		},
		message: sub.Message,
	}

	deadlineCtx, cancelDeadline := context.WithDeadline(context.Background(), t.ticket.Deadline)
	taskCtx, cancel := context.WithCancelCause(deadlineCtx)
	t.cancel = cancel

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		cancel(errTaskClosed)
		cancelDeadline()
		return nil, ErrAsyncClosed
	}
	a.pending[t.ticket.MessageID] = t
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		defer cancelDeadline()
		a.run(taskCtx, t)
	}()

	ticket := t.ticket
	return &ticket, nil
}

func (a *Async) run(ctx context.Context, t *asyncTask) {
	receipt := Receipt{
		MessageID:  t.ticket.MessageID,
		LogID:      t.ticket.LogID,
		CampaignID: t.ticket.CampaignID,
		CustomerID: t.ticket.CustomerID,
	}

	err := wait(ctx, a.cfg.Delay)
	if err == nil {
		_, err = a.inner.Send(ctx, t.message, &model.Customer{ID: t.ticket.CustomerID})
	}

	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errTaskClosed):
		return
	case errors.Is(cause, errTaskCancelled):
		receipt.Status = model.ReceiptFailed
		receipt.ErrorMessage = errTaskCancelled.Error()
	case errors.Is(cause, context.DeadlineExceeded):
		receipt.Status = model.ReceiptFailed
		receipt.ErrorMessage = "delivery deadline exceeded"
	case err != nil:
		receipt.Status = model.ReceiptFailed
		receipt.ErrorMessage = err.Error()
	default:
		receipt.Status = model.ReceiptDelivered
	}

	a.mu.Lock()
	_, owned := a.pending[t.ticket.MessageID]
	delete(a.pending, t.ticket.MessageID)
	a.mu.Unlock()

	// A task resolved concurrently with Cancel or Close follows whoever claimed it.
	if !owned {
		if !errors.Is(context.Cause(ctx), errTaskCancelled) {
			return
		}
		receipt.Status = model.ReceiptFailed
		receipt.ErrorMessage = errTaskCancelled.Error()
	}

	receipt.Timestamp = time.Now().UTC()
	sinkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.sink.Deliver(sinkCtx, receipt); err != nil {
		a.logger.Error("failed to publish delivery receipt",
			zap.String("message_id", receipt.MessageID),
			zap.String("campaign_id", receipt.CampaignID),
			zap.Error(err))
	}
}

// Cancel stops a pending message. It is reported FAILED with "delivery cancelled".
func (a *Async) Cancel(messageID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.pending[messageID]
	if !ok {
		return false
	}
	// cancel under the lock so a task that finds itself unclaimed sees the cause
	delete(a.pending, messageID)
	t.cancel(errTaskCancelled)
	return true
}

func (a *Async) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Close stops every pending task without emitting receipts and returns their
// tickets, oldest first. Their logs stay PENDING.
func (a *Async) Close() []Ticket {
	a.mu.Lock()
	a.closed = true
	tickets := make([]Ticket, 0, len(a.pending))
	for id, t := range a.pending {
		t.cancel(errTaskClosed)
		tickets = append(tickets, t.ticket)
		delete(a.pending, id)
	}
	a.mu.Unlock()
	a.wg.Wait()

	sort.Slice(tickets, func(i, j int) bool { return tickets[i].AcceptedAt.Before(tickets[j].AcceptedAt) })
	if len(tickets) > 0 {
		a.logger.Warn("vendor queue closed with undelivered messages", zap.Int("count", len(tickets)))
	}
	return tickets
}

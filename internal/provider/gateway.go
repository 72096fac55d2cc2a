package provider

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// DeliveryResult is what the vendor hands back for an accepted message.
type DeliveryResult struct {
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

// Gateway sends one message to one customer. Failures are *appErrors.DeliveryError.
// Implementations never touch logs or stats.
type Gateway interface {
	Send(ctx context.Context, message string, customer *model.Customer) (*DeliveryResult, error)
}

func delivered() *DeliveryResult {
	return &DeliveryResult{
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Status:    model.ReceiptDelivered,
	}
}

func ctxFailure(customerID string, err error) error {
	return &appErrors.DeliveryError{
		CustomerID: customerID,
		Reason:     "vendor call interrupted",
		Timeout:    errors.Is(err, context.DeadlineExceeded),
		Err:        err,
	}
}

// wait sleeps for d unless ctx ends first.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type AlwaysSucceed struct{}

func (AlwaysSucceed) Send(ctx context.Context, _ string, customer *model.Customer) (*DeliveryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxFailure(customer.ID, err)
	}
	return delivered(), nil
}

type AlwaysFail struct {
	Reason string
}

func (g AlwaysFail) Send(_ context.Context, _ string, customer *model.Customer) (*DeliveryResult, error) {
	reason := g.Reason
	if reason == "" {
		reason = "Simulated delivery failure"
	}
	return nil, appErrors.NewDeliveryError(customer.ID, reason)
}

// FailingFor fails for the listed customer ids and succeeds for everyone else.
type FailingFor struct {
	ids map[string]struct{}
}

func NewFailingFor(customerIDs ...string) *FailingFor {
	ids := make(map[string]struct{}, len(customerIDs))
	for _, id := range customerIDs {
		ids[id] = struct{}{}
	}
	return &FailingFor{ids: ids}
}

func (g *FailingFor) Send(ctx context.Context, message string, customer *model.Customer) (*DeliveryResult, error) {
	if _, ok := g.ids[customer.ID]; ok {
		return nil, appErrors.NewDeliveryError(customer.ID, "Simulated delivery failure")
	}
	return AlwaysSucceed{}.Send(ctx, message, customer)
}

// Scripted returns outcomes in call order: true succeeds, false fails.
// Calls past the end of the script succeed.
type Scripted struct {
	mu       sync.Mutex
	outcomes []bool
	calls    int
}

func NewScripted(outcomes ...bool) *Scripted {
	return &Scripted{outcomes: outcomes}
}

func (g *Scripted) Send(ctx context.Context, message string, customer *model.Customer) (*DeliveryResult, error) {
	g.mu.Lock()
	n := g.calls
	g.calls++
	g.mu.Unlock()

	if n < len(g.outcomes) && !g.outcomes[n] {
		return nil, appErrors.NewDeliveryError(customer.ID, "Simulated delivery failure")
	}
	return AlwaysSucceed{}.Send(ctx, message, customer)
}

func (g *Scripted) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Delayed holds every call for Delay before handing it to Gateway.
type Delayed struct {
	Gateway Gateway
	Delay   time.Duration
}

func (g Delayed) Send(ctx context.Context, message string, customer *model.Customer) (*DeliveryResult, error) {
	if err := wait(ctx, g.Delay); err != nil {
		return nil, ctxFailure(customer.ID, err)
	}
	return g.Gateway.Send(ctx, message, customer)
}

type SimulatedConfig struct {
	FailureRate float64
	MinLatency  time.Duration
	MaxLatency  time.Duration
	// Seed fixes the random source. Zero picks a time based seed.
	Seed uint64
}

// Simulated fails a configured share of calls after a random bounded latency.
type Simulated struct {
	cfg SimulatedConfig
	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulated(cfg SimulatedConfig) *Simulated {
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	return &Simulated{cfg: cfg, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// draw returns the latency and outcome for one call.
func (g *Simulated) draw() (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	latency := g.cfg.MinLatency
	if span := g.cfg.MaxLatency - g.cfg.MinLatency; span > 0 {
		latency += time.Duration(g.rng.Int64N(int64(span) + 1))
	}
	return latency, g.rng.Float64() >= g.cfg.FailureRate
}

func (g *Simulated) Send(ctx context.Context, _ string, customer *model.Customer) (*DeliveryResult, error) {
	latency, ok := g.draw()
	if err := wait(ctx, latency); err != nil {
		return nil, ctxFailure(customer.ID, err)
	}
	if !ok {
		return nil, appErrors.NewDeliveryError(customer.ID, "Simulated delivery failure")
	}
	return delivered(), nil
}

// Paced limits calls to the inner gateway to perSecond. Zero or less is unpaced.
type Paced struct {
	inner   Gateway
	limiter *rate.Limiter
}

func NewPaced(inner Gateway, perSecond float64) *Paced {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Paced{inner: inner, limiter: rate.NewLimiter(limit, 1)}
}

func (g *Paced) Send(ctx context.Context, message string, customer *model.Customer) (*DeliveryResult, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, ctxFailure(customer.ID, err)
	}
	return g.inner.Send(ctx, message, customer)
}

package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// MemoryStore keeps campaigns, logs, customers and segments in process.
// Every read returns a copy. Use Campaigns, Logs and Customers for the
// repository views.
type MemoryStore struct {
	mu        sync.RWMutex
	campaigns map[string]*model.Campaign
	logs      map[string]*model.CommunicationLog
	logOrder  []string
	customers map[string]model.Customer
	segments  map[string]model.Segment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns: make(map[string]*model.Campaign),
		logs:      make(map[string]*model.CommunicationLog),
		customers: make(map[string]model.Customer),
		segments:  make(map[string]model.Segment),
	}
}

func (s *MemoryStore) Campaigns() *MemoryCampaignRepository { return &MemoryCampaignRepository{s} }
func (s *MemoryStore) Logs() *MemoryLogRepository           { return &MemoryLogRepository{s} }
func (s *MemoryStore) Customers() *MemoryCustomerRepository { return &MemoryCustomerRepository{s} }

func (s *MemoryStore) AddCustomers(customers ...model.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range customers {
		s.customers[c.ID] = c
	}
}

func (s *MemoryStore) AddSegment(seg model.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg.CustomerIDs = append([]string(nil), seg.CustomerIDs...)
	s.segments[seg.ID] = seg
}

func copyCampaign(c *model.Campaign) *model.Campaign {
	cp := *c
	if c.UpdatedAt != nil {
		t := *c.UpdatedAt
		cp.UpdatedAt = &t
	}
	if c.Stats.LastUpdated != nil {
		t := *c.Stats.LastUpdated
		cp.Stats.LastUpdated = &t
	}
	return &cp
}

func copyLog(l *model.CommunicationLog) *model.CommunicationLog {
	cp := *l
	if l.DeliveryReceipt != nil {
		r := *l.DeliveryReceipt
		cp.DeliveryReceipt = &r
	}
	cp.ReceiptHistory = append([]model.ReceiptEntry{}, l.ReceiptHistory...)
	return &cp
}

// ====================== Campaigns ======================

type MemoryCampaignRepository struct{ s *MemoryStore }

func (r *MemoryCampaignRepository) GetByID(_ context.Context, id string) (*model.Campaign, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return copyCampaign(c), nil
}

func (r *MemoryCampaignRepository) Create(_ context.Context, c *model.Campaign) error {
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
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.campaigns[c.ID] = copyCampaign(c)
	return nil
}

func (r *MemoryCampaignRepository) mutate(id string, fn func(c *model.Campaign)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	fn(c)
	return nil
}

func (r *MemoryCampaignRepository) Update(_ context.Context, c *model.Campaign) error {
	return r.mutate(c.ID, func(stored *model.Campaign) {
		now := time.Now().UTC()
		stored.Name = c.Name
		stored.SegmentID = c.SegmentID
		stored.MessageTemplate = c.MessageTemplate
		stored.MessageContent = c.MessageContent
		stored.Status = c.Status
		stored.UpdatedAt = &now
	})
}

func (r *MemoryCampaignRepository) UpdateStatus(_ context.Context, id, status string) error {
	return r.mutate(id, func(c *model.Campaign) {
		now := time.Now().UTC()
		c.Status = status
		c.UpdatedAt = &now
	})
}

func (r *MemoryCampaignRepository) TransitionStatus(_ context.Context, id string, from []string, to string) (bool, error) {
	changed := false
	err := r.mutate(id, func(c *model.Campaign) {
		for _, f := range from {
			if c.Status == f {
				now := time.Now().UTC()
				c.Status = to
				c.UpdatedAt = &now
				changed = true
				return
			}
		}
	})
	if err != nil && appErrors.IsNotFound(err) {
		return false, nil
	}
	return changed, err
}

func (r *MemoryCampaignRepository) SetStats(_ context.Context, id string, stats model.CampaignStats) error {
	return r.mutate(id, func(c *model.Campaign) {
		now := time.Now().UTC()
		c.Stats.AudienceSize = stats.AudienceSize
		c.Stats.Sent = stats.Sent
		c.Stats.Failed = stats.Failed
		c.Stats.LastUpdated = &now
	})
}

func (r *MemoryCampaignRepository) StartRun(_ context.Context, id string) (int, error) {
	var seq int
	err := r.mutate(id, func(c *model.Campaign) {
		now := time.Now().UTC()
		c.RunSeq++
		c.Stats = model.CampaignStats{LastUpdated: &now}
		seq = c.RunSeq
	})
	return seq, err
}

func (r *MemoryCampaignRepository) FailRunning(_ context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, c := range r.s.campaigns {
		if c.Status == model.CampaignRunning {
			now := time.Now().UTC()
			c.Status = model.CampaignFailed
			c.UpdatedAt = &now
			n++
		}
	}
	return n, nil
}

func (r *MemoryCampaignRepository) IncrementStats(_ context.Context, id string, sentDelta, failedDelta int) error {
	return r.mutate(id, func(c *model.Campaign) {
		now := time.Now().UTC()
		c.Stats.Sent += sentDelta
		c.Stats.Failed += failedDelta
		c.Stats.LastUpdated = &now
	})
}

func (r *MemoryCampaignRepository) AddAudience(_ context.Context, id string, delta int) error {
	return r.mutate(id, func(c *model.Campaign) {
		now := time.Now().UTC()
		c.Stats.AudienceSize += delta
		c.Stats.LastUpdated = &now
	})
}

// ====================== Logs ======================

type MemoryLogRepository struct{ s *MemoryStore }

func (r *MemoryLogRepository) Create(_ context.Context, l *model.CommunicationLog) error {
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
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.logs[l.ID] = copyLog(l)
	r.s.logOrder = append(r.s.logOrder, l.ID)
	return nil
}

func (r *MemoryLogRepository) GetByID(_ context.Context, id string) (*model.CommunicationLog, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	l, ok := r.s.logs[id]
	if !ok {
		return nil, appErrors.NewLogNotFound(id)
	}
	return copyLog(l), nil
}

func (r *MemoryLogRepository) FindPending(_ context.Context, campaignID, customerID string) (*model.CommunicationLog, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for i := len(r.s.logOrder) - 1; i >= 0; i-- {
		l := r.s.logs[r.s.logOrder[i]]
		if l.CampaignID == campaignID && l.CustomerID == customerID && l.Status == model.LogPending {
			return copyLog(l), nil
		}
	}
	return nil, nil
}

func (r *MemoryLogRepository) Update(_ context.Context, id string, u model.LogUpdate) (*model.CommunicationLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.logs[id]
	if !ok {
		return nil, appErrors.NewLogNotFound(id)
	}
	if u.Status != nil {
		l.Status = *u.Status
	}
	if u.DeliveryReceipt != nil {
		receipt := *u.DeliveryReceipt
		l.DeliveryReceipt = &receipt
	}
	if u.AppendHistory != nil {
		l.ReceiptHistory = append(l.ReceiptHistory, *u.AppendHistory)
	}
	l.UpdatedAt = time.Now().UTC()
	return copyLog(l), nil
}

func (r *MemoryLogRepository) ListByCampaign(_ context.Context, campaignID, status string) ([]*model.CommunicationLog, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	logs := []*model.CommunicationLog{}
	for _, id := range r.s.logOrder {
		l := r.s.logs[id]
		if l.CampaignID != campaignID || (status != "" && l.Status != status) {
			continue
		}
		logs = append(logs, copyLog(l))
	}
	return logs, nil
}

// ====================== Customers ======================

type MemoryCustomerRepository struct{ s *MemoryStore }

func (r *MemoryCustomerRepository) GetByID(_ context.Context, id string) (*model.Customer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.customers[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// ResolveCustomers skips member ids with no customer record.
func (r *MemoryCustomerRepository) ResolveCustomers(_ context.Context, segmentID string) ([]model.Customer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	seg, ok := r.s.segments[segmentID]
	if !ok {
		return nil, appErrors.NewSegmentNotFound(segmentID)
	}
	customers := make([]model.Customer, 0, len(seg.CustomerIDs))
	for _, id := range seg.CustomerIDs {
		if c, ok := r.s.customers[id]; ok {
			customers = append(customers, c)
		}
	}
	return customers, nil
}

// SeedDemo loads the same demo data as the SQL seed.
func (s *MemoryStore) SeedDemo() {
	names := []string{
		"Amina Wanjiru", "Brian Otieno", "Cynthia Mutua", "David Kamau", "Esther Njeri",
		"Felix Ochieng", "Grace Akinyi", "Hassan Abdi", "Irene Chebet", "James Mwangi",
	}
	all := make([]string, 0, len(names))
	for i, name := range names {
		id := fmt.Sprintf("cust-%03d", i+1)
		s.AddCustomers(model.Customer{ID: id, Name: name, Phone: fmt.Sprintf("+2547000000%02d", i+1)})
		all = append(all, id)
	}
	s.AddSegment(model.Segment{ID: "seg-all", Name: "All customers", CustomerIDs: all})
	s.AddSegment(model.Segment{ID: "seg-nairobi", Name: "Nairobi shoppers", CustomerIDs: []string{"cust-001", "cust-004", "cust-008"}})
	s.AddSegment(model.Segment{ID: "seg-empty", Name: "Nobody yet"})

	campaigns := s.Campaigns()
	for _, c := range []*model.Campaign{
		{ID: "camp-welcome", Name: "Welcome offer", SegmentID: "seg-all", MessageContent: "enjoy 10% off your next order."},
		{ID: "camp-nairobi", Name: "Nairobi launch", SegmentID: "seg-nairobi", MessageTemplate: "Hello {{customerName}}! {{message}}", MessageContent: "our new store opens Friday."},
		{ID: "camp-empty", Name: "Dry run", SegmentID: "seg-empty", MessageContent: "nothing to see here."},
	} {
		_ = campaigns.Create(context.Background(), c)
	}
}

var (
	_ CampaignRepositoryInterface         = (*MemoryCampaignRepository)(nil)
	_ CommunicationLogRepositoryInterface = (*MemoryLogRepository)(nil)
	_ CustomerRepositoryInterface         = (*MemoryCustomerRepository)(nil)
)

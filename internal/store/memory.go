package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"CanvasPay/internal/models"
)

// Memory is an in-process store with the same write rules as Store. It
// backs tests and single-node development runs.
type Memory struct {
	mu        sync.Mutex
	nextID    int64
	records   map[int64]*models.TransactionRecord
	resources map[string]models.ResourceStatus
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		records:   make(map[int64]*models.TransactionRecord),
		resources: make(map[string]models.ResourceStatus),
		now:       time.Now,
	}
}

func (m *Memory) CreateTransactionRecord(_ context.Context, rec *models.TransactionRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	cp := cloneRecord(rec)
	cp.ID = m.nextID
	if cp.Status == "" {
		cp.Status = models.RecordInitialized
	}
	cp.CreatedAt = m.now()
	cp.UpdatedAt = cp.CreatedAt
	m.records[cp.ID] = cp
	rec.ID = cp.ID
	return cp.ID, nil
}

func (m *Memory) UpdateTransactionStatus(_ context.Context, id int64, u StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	next := cloneRecord(rec)
	if err := apply(next, u); err != nil {
		return err
	}
	next.UpdatedAt = m.now()
	m.records[id] = next
	return nil
}

func (m *Memory) RecordLateSignature(_ context.Context, id int64, signature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.TransferSignature == nil {
		sig := signature
		rec.TransferSignature = &sig
		rec.UpdatedAt = m.now()
	}
	return nil
}

func (m *Memory) GetTransactionByID(_ context.Context, id int64) (*models.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *Memory) GetTransactionByResource(_ context.Context, resourceID string) (*models.TransactionRecord, error) {
	return m.latest(func(r *models.TransactionRecord) bool { return r.ResourceID == resourceID })
}

func (m *Memory) GetTransactionByPayment(_ context.Context, paymentID string) (*models.TransactionRecord, error) {
	return m.latest(func(r *models.TransactionRecord) bool { return r.PaymentID == paymentID })
}

func (m *Memory) latest(match func(*models.TransactionRecord) bool) (*models.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *models.TransactionRecord
	for _, r := range m.records {
		if r.SupersededBy != nil || !match(r) {
			continue
		}
		if best == nil || r.ID > best.ID {
			best = r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneRecord(best), nil
}

func (m *Memory) MarkSuperseded(_ context.Context, oldID, newID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[oldID]
	if !ok || rec.SupersededBy != nil {
		return ErrNotFound
	}
	id := newID
	rec.SupersededBy = &id
	rec.UpdatedAt = m.now()
	return nil
}

func (m *Memory) ListStale(_ context.Context, statuses []models.RecordStatus, before time.Time, limit int) ([]*models.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[models.RecordStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*models.TransactionRecord
	for _, r := range m.records {
		if r.SupersededBy == nil && want[r.Status] && r.UpdatedAt.Before(before) {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkResourceStatus(_ context.Context, resourceID string, status models.ResourceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[resourceID] = status
	return nil
}

func (m *Memory) GetResourceStatus(_ context.Context, resourceID string) (models.ResourceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.resources[resourceID]
	if !ok {
		return "", ErrNotFound
	}
	return st, nil
}

// Records returns every record, superseded ones included, ordered by id.
func (m *Memory) Records() []*models.TransactionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.TransactionRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetClock overrides the timestamp source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func cloneRecord(r *models.TransactionRecord) *models.TransactionRecord {
	cp := *r
	if r.Mint != nil {
		v := *r.Mint
		cp.Mint = &v
	}
	if r.TransferSignature != nil {
		v := *r.TransferSignature
		cp.TransferSignature = &v
	}
	if r.SupersededBy != nil {
		v := *r.SupersededBy
		cp.SupersededBy = &v
	}
	return &cp
}

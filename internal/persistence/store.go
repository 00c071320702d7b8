package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"CanvasPay/internal/config"
	"CanvasPay/internal/models"
)

var ErrNotFound = errors.New("session snapshot not found")

// Store keeps one snapshot per paymentId.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, paymentID string) (Snapshot, error)
	Delete(ctx context.Context, paymentID string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Open picks the driver named in the config.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Persistence.Driver {
	case "redis":
		return NewRedis(ctx, cfg.Persistence.RedisAddr, cfg.PersistenceTTL())
	case "sqlite":
		return OpenSQLite(cfg.Persistence.SQLitePath)
	case "memory", "":
		return NewMemory(), nil
	}
	return nil, errors.Errorf("unknown persistence driver %q", cfg.Persistence.Driver)
}

func SaveSession(ctx context.Context, st Store, s *models.PaymentSession) error {
	return st.Save(ctx, Encode(s))
}

func LoadSession(ctx context.Context, st Store, paymentID string) (*models.PaymentSession, error) {
	snap, err := st.Load(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return Decode(snap)
}

// Memory is the in-process driver used by tests and single-node setups.
type Memory struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
}

func NewMemory() *Memory {
	return &Memory{snaps: make(map[string]Snapshot)}
}

func (m *Memory) Save(_ context.Context, snap Snapshot) error {
	id := snap[FieldPaymentID]
	if id == "" {
		return errors.Wrap(ErrMalformed, "missing paymentId")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[id] = copySnapshot(snap)
	return nil
}

func (m *Memory) Load(_ context.Context, paymentID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	return copySnapshot(snap), nil
}

func (m *Memory) Delete(_ context.Context, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, paymentID)
	return nil
}

func (m *Memory) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.snaps))
	for id := range m.snaps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Close() error { return nil }

func copySnapshot(in Snapshot) Snapshot {
	out := make(Snapshot, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Package session holds live payment sessions together with their timeout
// handles. All status changes that race a timer go through
// CompareAndTransition so the check, the write and the disarm happen under
// one lock.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"CanvasPay/internal/models"
)

var (
	ErrNotTracked    = errors.New("payment session not tracked")
	ErrStatusChanged = errors.New("payment session status changed")
	// ErrInvalidTransition is a move models.CanTransition does not allow.
	ErrInvalidTransition = errors.New("invalid payment session transition")
)

// TimeoutFunc is called once when an armed timer elapses.
type TimeoutFunc func(paymentID string)

type entry struct {
	session *models.PaymentSession
	timer   *time.Timer
	// gen invalidates callbacks from handles that were disarmed or replaced.
	gen uint64
}

type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// SetClock replaces the clock used for UpdatedAt and ExpiresAt.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Track stores a copy of s. An existing entry keeps its timer.
func (c *Cache) Track(s *models.PaymentSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[s.PaymentID]; ok {
		e.session = s.Clone()
		return
	}
	c.entries[s.PaymentID] = &entry{session: s.Clone()}
}

// Get returns a copy; mutations go through Update or CompareAndTransition.
func (c *Cache) Get(paymentID string) (*models.PaymentSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[paymentID]
	if !ok {
		return nil, false
	}
	return e.session.Clone(), true
}

// Update runs fn on the tracked session under the lock. A non-nil error from
// fn discards the mutation.
func (c *Cache) Update(paymentID string, fn func(s *models.PaymentSession) error) (*models.PaymentSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[paymentID]
	if !ok {
		return nil, ErrNotTracked
	}
	next := e.session.Clone()
	if err := fn(next); err != nil {
		return e.session.Clone(), err
	}
	next.UpdatedAt = c.now()
	e.session = next
	return next.Clone(), nil
}

// CompareAndTransition moves the session to `to` only if its current status
// is one of allowedFrom. fn, when set, mutates the session in the same
// critical section. Entering a terminal status disarms the timer.
// On mismatch the current session is returned with ErrStatusChanged; a move
// the status table forbids returns ErrInvalidTransition.
func (c *Cache) CompareAndTransition(paymentID string, allowedFrom []models.PaymentStatus, to models.PaymentStatus, fn func(s *models.PaymentSession)) (*models.PaymentSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[paymentID]
	if !ok {
		return nil, ErrNotTracked
	}
	if !containsStatus(allowedFrom, e.session.Status) {
		return e.session.Clone(), errors.Wrapf(ErrStatusChanged, "%s is %s, want one of %v", paymentID, e.session.Status, allowedFrom)
	}
	if !models.CanTransition(e.session.Status, to) {
		return e.session.Clone(), errors.Wrapf(ErrInvalidTransition, "%s: %s -> %s", paymentID, e.session.Status, to)
	}
	next := e.session.Clone()
	next.Status = to
	next.UpdatedAt = c.now()
	if fn != nil {
		fn(next)
	}
	e.session = next
	if to.IsTerminal() {
		c.disarmLocked(e)
	}
	return next.Clone(), nil
}

// Arm replaces any existing timer with one that calls fn after d.
func (c *Cache) Arm(paymentID string, d time.Duration, fn TimeoutFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[paymentID]
	if !ok {
		return ErrNotTracked
	}
	c.disarmLocked(e)
	gen := e.gen
	e.session.ExpiresAt = c.now().Add(d)
	e.timer = time.AfterFunc(d, func() { c.fire(paymentID, gen, fn) })
	return nil
}

func (c *Cache) fire(paymentID string, gen uint64, fn TimeoutFunc) {
	c.mu.Lock()
	e, ok := c.entries[paymentID]
	if !ok || e.gen != gen || e.timer == nil {
		c.mu.Unlock()
		return
	}
	e.timer = nil
	c.mu.Unlock()
	fn(paymentID)
}

func (c *Cache) Disarm(paymentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[paymentID]; ok {
		c.disarmLocked(e)
	}
}

func (c *Cache) disarmLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
}

// Armed reports whether a timer is pending for the session.
func (c *Cache) Armed(paymentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[paymentID]
	return ok && e.timer != nil
}

// Evict disarms and forgets the session.
func (c *Cache) Evict(paymentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[paymentID]; ok {
		c.disarmLocked(e)
		delete(c.entries, paymentID)
	}
}

func (c *Cache) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// DisarmAll stops every timer; sessions stay tracked.
func (c *Cache) DisarmAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		c.disarmLocked(e)
	}
}

func containsStatus(list []models.PaymentStatus, s models.PaymentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

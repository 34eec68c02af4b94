package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore is the in-process RideStore used for local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]*models.Ride
	offers   map[string]*models.Offer
	history  map[string][]models.StatusHistoryEntry
	accounts map[string]*models.BillingAccount
	ledger   map[string][]*models.LedgerTransaction // by account
	debited  map[string]*models.LedgerTransaction   // by ride

	perRide   *rideLocks
	accountMu sync.Mutex // debits never interleave

	pub feed.Publisher
}

func NewMemoryStore(pub feed.Publisher) *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]*models.Ride),
		offers:   make(map[string]*models.Offer),
		history:  make(map[string][]models.StatusHistoryEntry),
		accounts: make(map[string]*models.BillingAccount),
		ledger:   make(map[string][]*models.LedgerTransaction),
		debited:  make(map[string]*models.LedgerTransaction),
		perRide:  newRideLocks(),
		pub:      pub,
	}
}

func (m *MemoryStore) publish(ev feed.ChangeEvent) {
	if m.pub != nil {
		_ = m.pub.Publish(ev)
	}
}

func (m *MemoryStore) WithRideLock(ctx context.Context, rideID string, fn func(ctx context.Context) error) error {
	l := m.perRide.lock(rideID)
	defer l.Unlock()
	return fn(ctx)
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	m.rides[r.ID] = r.Clone()
	m.mu.Unlock()
	m.publish(feed.ChangeEvent{Entity: feed.EntityRide, Type: feed.EventInsert, EntityID: r.ID, NewRide: r.Clone()})
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, errs.NotFound("ride", id)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) UpdateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	old, ok := m.rides[r.ID]
	if !ok {
		m.mu.Unlock()
		return errs.NotFound("ride", r.ID)
	}
	oldCopy := old.Clone()
	m.rides[r.ID] = r.Clone()
	m.mu.Unlock()
	m.publish(feed.ChangeEvent{Entity: feed.EntityRide, Type: feed.EventUpdate, EntityID: r.ID, OldRide: oldCopy, NewRide: r.Clone()})
	return nil
}

func (m *MemoryStore) ListRidesByRequester(_ context.Context, requesterID string) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.RequesterID == requesterID {
			out = append(out, r.Clone())
		}
	}
	sortRides(out)
	return out, nil
}

func (m *MemoryStore) ListRidesByDriver(_ context.Context, driverID string) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.DriverID != nil && *r.DriverID == driverID {
			out = append(out, r.Clone())
		}
	}
	sortRides(out)
	return out, nil
}

func (m *MemoryStore) ListPendingRides(_ context.Context) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status == models.StatusPending {
			out = append(out, r.Clone())
		}
	}
	sortRides(out)
	return out, nil
}

func sortRides(rs []*models.Ride) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].CreatedAt.After(rs[j].CreatedAt) })
}

func (m *MemoryStore) CreateOffer(_ context.Context, o *models.Offer) error {
	m.mu.Lock()
	m.offers[o.ID] = o.Clone()
	m.mu.Unlock()
	m.publish(feed.ChangeEvent{Entity: feed.EntityOffer, Type: feed.EventInsert, EntityID: o.ID, NewOffer: o.Clone()})
	return nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, errs.NotFound("offer", id)
	}
	return o.Clone(), nil
}

func (m *MemoryStore) UpdateOffer(_ context.Context, o *models.Offer) error {
	m.mu.Lock()
	old, ok := m.offers[o.ID]
	if !ok {
		m.mu.Unlock()
		return errs.NotFound("offer", o.ID)
	}
	oldCopy := old.Clone()
	m.offers[o.ID] = o.Clone()
	m.mu.Unlock()
	m.publish(feed.ChangeEvent{Entity: feed.EntityOffer, Type: feed.EventUpdate, EntityID: o.ID, OldOffer: oldCopy, NewOffer: o.Clone()})
	return nil
}

func (m *MemoryStore) ApplyAcceptance(_ context.Context, r *models.Ride, winner *models.Offer, rejected []*models.Offer) error {
	m.mu.Lock()
	oldRide, ok := m.rides[r.ID]
	if !ok {
		m.mu.Unlock()
		return errs.NotFound("ride", r.ID)
	}
	oldWinner, ok := m.offers[winner.ID]
	if !ok {
		m.mu.Unlock()
		return errs.NotFound("offer", winner.ID)
	}
	oldRejected := make([]*models.Offer, len(rejected))
	for i, o := range rejected {
		old, ok := m.offers[o.ID]
		if !ok {
			m.mu.Unlock()
			return errs.NotFound("offer", o.ID)
		}
		oldRejected[i] = old.Clone()
	}

	// All rows verified; now write the whole outcome.
	oldRideCopy := oldRide.Clone()
	oldWinnerCopy := oldWinner.Clone()
	m.offers[winner.ID] = winner.Clone()
	for _, o := range rejected {
		m.offers[o.ID] = o.Clone()
	}
	m.rides[r.ID] = r.Clone()
	m.mu.Unlock()

	m.publish(feed.ChangeEvent{Entity: feed.EntityOffer, Type: feed.EventUpdate, EntityID: winner.ID, OldOffer: oldWinnerCopy, NewOffer: winner.Clone()})
	for i, o := range rejected {
		m.publish(feed.ChangeEvent{Entity: feed.EntityOffer, Type: feed.EventUpdate, EntityID: o.ID, OldOffer: oldRejected[i], NewOffer: o.Clone()})
	}
	m.publish(feed.ChangeEvent{Entity: feed.EntityRide, Type: feed.EventUpdate, EntityID: r.ID, OldRide: oldRideCopy, NewRide: r.Clone()})
	return nil
}

func (m *MemoryStore) ListOffersByRide(_ context.Context, rideID string) ([]*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Offer
	for _, o := range m.offers {
		if o.RideID == rideID {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OfferedAt.Before(out[j].OfferedAt) })
	return out, nil
}

func (m *MemoryStore) ListOffersByDriver(_ context.Context, driverID string) ([]*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Offer
	for _, o := range m.offers {
		if o.DriverID == driverID {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OfferedAt.Before(out[j].OfferedAt) })
	return out, nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, e models.StatusHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[e.RideID] = append(m.history[e.RideID], e)
	return nil
}

func (m *MemoryStore) HistoryForRide(_ context.Context, rideID string) ([]models.StatusHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.StatusHistoryEntry, len(m.history[rideID]))
	copy(out, m.history[rideID])
	return out, nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id string) (*models.BillingAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, errs.NotFound("account", id)
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) PutAccount(_ context.Context, a *models.BillingAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.accounts[a.ID] = &cp
	return nil
}

func (m *MemoryStore) DebitForRide(_ context.Context, accountID, rideID string, amount float64) (*models.LedgerTransaction, bool, error) {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if tx, ok := m.debited[rideID]; ok {
		cp := *tx
		return &cp, true, nil
	}
	a, ok := m.accounts[accountID]
	if !ok {
		return nil, false, errs.NotFound("account", accountID)
	}
	tx := &models.LedgerTransaction{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		RideID:        rideID,
		Type:          models.LedgerDebit,
		Amount:        amount,
		BalanceBefore: a.Balance,
		BalanceAfter:  a.Balance - amount,
		At:            time.Now().UTC(),
	}
	a.Balance = tx.BalanceAfter
	a.UpdatedAt = tx.At
	m.ledger[accountID] = append(m.ledger[accountID], tx)
	m.debited[rideID] = tx
	cp := *tx
	return &cp, false, nil
}

func (m *MemoryStore) LedgerForAccount(_ context.Context, accountID string) ([]*models.LedgerTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.LedgerTransaction, 0, len(m.ledger[accountID]))
	for _, tx := range m.ledger[accountID] {
		cp := *tx
		out = append(out, &cp)
	}
	return out, nil
}

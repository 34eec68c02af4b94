package storage

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// RideStore is the authoritative record of rides, offers, history and
// billing ledgers. All writes flow through it; every committed write emits
// exactly one change event.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// UpdateRide replaces the ride row. Call it inside WithRideLock.
	UpdateRide(ctx context.Context, r *models.Ride) error
	// WithRideLock serializes all mutations of one ride and its offers.
	WithRideLock(ctx context.Context, rideID string, fn func(ctx context.Context) error) error

	ListRidesByRequester(ctx context.Context, requesterID string) ([]*models.Ride, error)
	ListRidesByDriver(ctx context.Context, driverID string) ([]*models.Ride, error)
	ListPendingRides(ctx context.Context) ([]*models.Ride, error)

	CreateOffer(ctx context.Context, o *models.Offer) error
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	UpdateOffer(ctx context.Context, o *models.Offer) error
	// ApplyAcceptance commits the full acceptance outcome as one unit:
	// the winning offer, its rejected siblings and the ride row all
	// change together or not at all. One change event per written row is
	// emitted after the commit.
	ApplyAcceptance(ctx context.Context, r *models.Ride, winner *models.Offer, rejected []*models.Offer) error
	ListOffersByRide(ctx context.Context, rideID string) ([]*models.Offer, error)
	ListOffersByDriver(ctx context.Context, driverID string) ([]*models.Offer, error)

	AppendHistory(ctx context.Context, e models.StatusHistoryEntry) error
	HistoryForRide(ctx context.Context, rideID string) ([]models.StatusHistoryEntry, error)

	GetAccount(ctx context.Context, id string) (*models.BillingAccount, error)
	PutAccount(ctx context.Context, a *models.BillingAccount) error
	// DebitForRide atomically reads the balance, subtracts amount and
	// appends a ledger transaction. Debits for one account never
	// interleave. If the ride was already debited the existing
	// transaction is returned with already=true and nothing changes.
	DebitForRide(ctx context.Context, accountID, rideID string, amount float64) (tx *models.LedgerTransaction, already bool, err error)
	LedgerForAccount(ctx context.Context, accountID string) ([]*models.LedgerTransaction, error)
}

// rideLocks hands out one mutex per ride id so writes to different rides
// never contend with each other.
type rideLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRideLocks() *rideLocks {
	return &rideLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *rideLocks) lock(id string) *sync.Mutex {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m
}

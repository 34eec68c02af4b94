// Package projector maintains one observer's categorized view of their
// rides. Events mutate only the category the observer is looking at;
// everything else just gets flagged as stale until the observer switches
// over and a full refresh reconciles the list.
package projector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Role string

const (
	RoleRequester Role = "requester"
	RoleProvider  Role = "provider"
)

type Category string

const (
	CatPending    Category = "pending"
	CatActive     Category = "active"
	CatAvailable  Category = "available"
	CatMyBids     Category = "my_bids"
	CatInProgress Category = "in_progress"
	CatCompleted  Category = "completed"
	CatCancelled  Category = "cancelled"
)

// CategoriesFor lists the categories a role's feed is divided into.
func CategoriesFor(role Role) []Category {
	if role == RoleProvider {
		return []Category{CatAvailable, CatMyBids, CatInProgress, CatCompleted, CatCancelled}
	}
	return []Category{CatPending, CatActive, CatCompleted, CatCancelled}
}

// Categorize assigns a ride to at most one category for the given
// observer. myOffer is the observer's offer on this ride, if any
// (providers only). ok=false means the ride is not relevant.
func Categorize(r *models.Ride, role Role, observerID string, myOffer *models.Offer) (Category, bool) {
	if r == nil {
		return "", false
	}
	if role == RoleRequester {
		if r.RequesterID != observerID {
			return "", false
		}
		switch r.Status {
		case models.StatusPending:
			return CatPending, true
		case models.StatusAccepted, models.StatusDriverEnRoute, models.StatusDriverArrived, models.StatusTripStarted:
			return CatActive, true
		case models.StatusTripCompleted, models.StatusCompleted:
			return CatCompleted, true
		case models.StatusCancelled:
			return CatCancelled, true
		}
		return "", false
	}

	// Provider view.
	assigned := r.DriverID != nil && *r.DriverID == observerID
	switch r.Status {
	case models.StatusPending:
		if myOffer != nil && myOffer.Status == models.OfferPending {
			return CatMyBids, true
		}
		return CatAvailable, true
	case models.StatusAccepted, models.StatusDriverEnRoute, models.StatusDriverArrived, models.StatusTripStarted:
		if assigned {
			return CatInProgress, true
		}
	case models.StatusTripCompleted, models.StatusCompleted:
		if assigned {
			return CatCompleted, true
		}
	case models.StatusCancelled:
		if assigned {
			return CatCancelled, true
		}
	}
	return "", false
}

// Fetcher loads the authoritative list for one category.
type Fetcher interface {
	FetchCategory(ctx context.Context, role Role, observerID string, cat Category) ([]*models.Ride, error)
}

// Snapshot is what the UI renders: the active list plus which other
// categories have unseen changes.
type Snapshot struct {
	Category        Category       `json:"category"`
	Rides           []*models.Ride `json:"rides"`
	StaleCategories []Category     `json:"stale_categories"`
}

type Projector struct {
	mu         sync.Mutex
	role       Role
	observerID string

	active Category
	lists  map[Category][]*models.Ride
	stale  map[Category]bool

	applied  map[string]time.Time     // ride id -> last applied updated_at
	myOffers map[string]*models.Offer // ride id -> this driver's offer
	rides    map[string]*models.Ride  // last seen snapshot per relevant ride

	fetch      Fetcher
	logger     *slog.Logger
	refreshGen int
	cancel     context.CancelFunc
	onRefresh  func()
}

func New(role Role, observerID string, fetch Fetcher, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	cats := CategoriesFor(role)
	return &Projector{
		role:       role,
		observerID: observerID,
		active:     cats[0],
		lists:      make(map[Category][]*models.Ride),
		stale:      make(map[Category]bool),
		applied:    make(map[string]time.Time),
		myOffers:   make(map[string]*models.Offer),
		rides:      make(map[string]*models.Ride),
		fetch:      fetch,
		logger:     logger,
	}
}

// Apply folds one change event into the projection. It never blocks on
// I/O; refreshes run on their own goroutine.
func (p *Projector) Apply(ev feed.ChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Entity {
	case feed.EntityRide:
		p.applyRide(ev)
	case feed.EntityOffer:
		p.applyOffer(ev)
	}
}

func (p *Projector) applyRide(ev feed.ChangeEvent) {
	newRide := ev.NewRide
	oldRide := ev.OldRide
	if newRide == nil && oldRide == nil {
		return
	}

	// Idempotence on (ride id, updated_at): a redelivered event is a no-op.
	if newRide != nil {
		if last, ok := p.applied[newRide.ID]; ok && !newRide.UpdatedAt.After(last) {
			return
		}
		p.applied[newRide.ID] = newRide.UpdatedAt
	}

	myOffer := p.offerFor(rideID(ev))
	oldCat, hadOld := Categorize(oldRide, p.role, p.observerID, myOffer)
	newCat, hasNew := Categorize(newRide, p.role, p.observerID, myOffer)
	if !hadOld && !hasNew {
		return
	}
	if newRide != nil && hasNew {
		p.rides[newRide.ID] = newRide
	}
	if ev.Type == feed.EventDelete || newRide == nil {
		hasNew = false
	}
	p.step(idFor(oldRide, newRide), newRide, oldCat, hadOld, newCat, hasNew)
}

func (p *Projector) applyOffer(ev feed.ChangeEvent) {
	if p.role != RoleProvider {
		return
	}
	offer := ev.NewOffer
	if offer == nil {
		offer = ev.OldOffer
	}
	if offer == nil || offer.DriverID != p.observerID {
		return
	}

	ride := p.rides[offer.RideID]
	oldCat, hadOld := Categorize(ride, p.role, p.observerID, p.myOffers[offer.RideID])

	if ev.Type == feed.EventDelete {
		delete(p.myOffers, offer.RideID)
	} else {
		p.myOffers[offer.RideID] = ev.NewOffer
	}

	if ride == nil {
		// Offer on a ride we have not seen yet; the ride event or the next
		// refresh will place it.
		return
	}
	newCat, hasNew := Categorize(ride, p.role, p.observerID, p.myOffers[offer.RideID])
	p.step(ride.ID, ride, oldCat, hadOld, newCat, hasNew)
}

// step applies the category movement rules: flag non-active destinations,
// remove from the active list on departure, upsert on arrival.
func (p *Projector) step(id string, ride *models.Ride, oldCat Category, hadOld bool, newCat Category, hasNew bool) {
	if hasNew && newCat != p.active && (!hadOld || newCat != oldCat) {
		p.stale[newCat] = true
	}
	if hadOld && oldCat == p.active && (!hasNew || newCat != p.active) {
		p.lists[p.active] = removeByID(p.lists[p.active], id)
	}
	if hasNew && newCat == p.active {
		p.lists[p.active] = upsert(p.lists[p.active], ride)
	}
	if !hasNew {
		delete(p.rides, id)
	}
}

// SetActive switches the viewed category: the destination's stale flag is
// cleared and a full authoritative refresh of it is kicked off. Any
// refresh still in flight for a previous switch is cancelled so it cannot
// write into the wrong slot.
func (p *Projector) SetActive(cat Category) {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.active = cat
	p.stale[cat] = false
	p.refreshGen++
	gen := p.refreshGen
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	go p.refresh(ctx, gen, cat)
}

// OnRefresh registers a callback invoked after an authoritative refresh
// installs its result. Set it before events start flowing; the callback
// must not call back into the projector.
func (p *Projector) OnRefresh(fn func()) {
	p.mu.Lock()
	p.onRefresh = fn
	p.mu.Unlock()
}

func (p *Projector) refresh(ctx context.Context, gen int, cat Category) {
	rides, err := p.fetch.FetchCategory(ctx, p.role, p.observerID, cat)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("category refresh failed", "category", cat, "error", err)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	p.mu.Lock()
	if gen != p.refreshGen || cat != p.active {
		// The observer moved on while we were fetching; discard.
		p.mu.Unlock()
		return
	}
	p.install(cat, rides)
	cb := p.onRefresh
	p.mu.Unlock()
	observability.ProjectorRefreshes.Inc()
	if cb != nil {
		cb()
	}
}

// RefreshActive is the manual escape hatch: synchronously re-fetch the
// active category only. Other categories and their flags are untouched.
func (p *Projector) RefreshActive(ctx context.Context) error {
	p.mu.Lock()
	cat := p.active
	p.mu.Unlock()

	rides, err := p.fetch.FetchCategory(ctx, p.role, p.observerID, cat)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if cat != p.active {
		p.mu.Unlock()
		return nil
	}
	p.install(cat, rides)
	p.stale[cat] = false
	cb := p.onRefresh
	p.mu.Unlock()
	observability.ProjectorRefreshes.Inc()
	if cb != nil {
		cb()
	}
	return nil
}

// install trusts the fetched list over anything event-applied.
func (p *Projector) install(cat Category, rides []*models.Ride) {
	deduped := rides[:0:0]
	seen := make(map[string]bool, len(rides))
	for _, r := range rides {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		deduped = append(deduped, r)
		p.rides[r.ID] = r
		p.applied[r.ID] = r.UpdatedAt
	}
	p.lists[cat] = deduped
}

func (p *Projector) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := Snapshot{Category: p.active}
	out.Rides = append(out.Rides, p.lists[p.active]...)
	for _, c := range CategoriesFor(p.role) {
		if p.stale[c] {
			out.StaleCategories = append(out.StaleCategories, c)
		}
	}
	return out
}

func (p *Projector) Active() Category {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Projector) IsStale(cat Category) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stale[cat]
}

// Close cancels any in-flight refresh.
func (p *Projector) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Projector) offerFor(rideID string) *models.Offer {
	if p.role != RoleProvider {
		return nil
	}
	return p.myOffers[rideID]
}

func rideID(ev feed.ChangeEvent) string {
	if ev.NewRide != nil {
		return ev.NewRide.ID
	}
	if ev.OldRide != nil {
		return ev.OldRide.ID
	}
	return ev.EntityID
}

func idFor(old, new *models.Ride) string {
	if new != nil {
		return new.ID
	}
	return old.ID
}

func removeByID(list []*models.Ride, id string) []*models.Ride {
	out := list[:0]
	for _, r := range list {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

func upsert(list []*models.Ride, r *models.Ride) []*models.Ride {
	for i, existing := range list {
		if existing.ID == r.ID {
			list[i] = r
			return list
		}
	}
	return append(list, r)
}

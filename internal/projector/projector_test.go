package projector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/models"
)

func ride(id string, status models.RideStatus, updated time.Time) *models.Ride {
	r := &models.Ride{
		ID:          id,
		RequesterID: "u1",
		Status:      status,
		UpdatedAt:   updated,
	}
	if status != models.StatusPending {
		d := "d1"
		r.DriverID = &d
	}
	return r
}

func updateEvent(old, new *models.Ride) feed.ChangeEvent {
	return feed.ChangeEvent{Entity: feed.EntityRide, Type: feed.EventUpdate, EntityID: new.ID, OldRide: old, NewRide: new}
}

func insertEvent(r *models.Ride) feed.ChangeEvent {
	return feed.ChangeEvent{Entity: feed.EntityRide, Type: feed.EventInsert, EntityID: r.ID, NewRide: r}
}

type fakeFetcher struct {
	mu    sync.Mutex
	lists map[Category][]*models.Ride
	calls int
	block chan struct{} // when set, FetchCategory waits for it or ctx
}

func (f *fakeFetcher) FetchCategory(ctx context.Context, role Role, observerID string, cat Category) ([]*models.Ride, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	list := f.lists[cat]
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return list, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestCategorizeMutuallyExclusive(t *testing.T) {
	statuses := []models.RideStatus{
		models.StatusPending, models.StatusAccepted, models.StatusDriverEnRoute,
		models.StatusDriverArrived, models.StatusTripStarted, models.StatusTripCompleted,
		models.StatusCompleted, models.StatusCancelled,
	}
	for _, role := range []Role{RoleRequester, RoleProvider} {
		observer := "u1"
		if role == RoleProvider {
			observer = "d1"
		}
		for _, st := range statuses {
			r := ride("rx", st, time.Now())
			got, ok := Categorize(r, role, observer, nil)
			if !ok {
				continue
			}
			valid := false
			for _, cat := range CategoriesFor(role) {
				if got == cat {
					valid = true
				}
			}
			if !valid {
				t.Fatalf("role %s status %s mapped to unknown category %s", role, st, got)
			}
		}
	}
}

func TestRequesterCategories(t *testing.T) {
	cases := map[models.RideStatus]Category{
		models.StatusPending:       CatPending,
		models.StatusAccepted:      CatActive,
		models.StatusTripStarted:   CatActive,
		models.StatusTripCompleted: CatCompleted,
		models.StatusCompleted:     CatCompleted,
		models.StatusCancelled:     CatCancelled,
	}
	for st, want := range cases {
		got, ok := Categorize(ride("r", st, time.Now()), RoleRequester, "u1", nil)
		if !ok || got != want {
			t.Errorf("status %s -> %s (ok=%v), want %s", st, got, ok, want)
		}
	}
	// Someone else's ride is invisible.
	if _, ok := Categorize(ride("r", models.StatusPending, time.Now()), RoleRequester, "u2", nil); ok {
		t.Error("foreign ride should not categorize")
	}
}

func TestProviderCategories(t *testing.T) {
	pending := ride("r", models.StatusPending, time.Now())
	if got, _ := Categorize(pending, RoleProvider, "d1", nil); got != CatAvailable {
		t.Errorf("pending without bid -> %s, want available", got)
	}
	myBid := &models.Offer{RideID: "r", DriverID: "d1", Status: models.OfferPending}
	if got, _ := Categorize(pending, RoleProvider, "d1", myBid); got != CatMyBids {
		t.Errorf("pending with bid -> %s, want my_bids", got)
	}
	inProgress := ride("r", models.StatusTripStarted, time.Now())
	if got, _ := Categorize(inProgress, RoleProvider, "d1", nil); got != CatInProgress {
		t.Errorf("assigned trip -> %s, want in_progress", got)
	}
	// Not my trip.
	if _, ok := Categorize(inProgress, RoleProvider, "d9", nil); ok {
		t.Error("other driver's trip should not categorize")
	}
}

func TestScenarioPendingToActive(t *testing.T) {
	f := &fakeFetcher{lists: map[Category][]*models.Ride{}}
	p := New(RoleRequester, "u1", f, nil)

	t0 := time.Now()
	r1 := ride("r1", models.StatusPending, t0)
	p.Apply(insertEvent(r1))

	snap := p.Snapshot()
	if snap.Category != CatPending || len(snap.Rides) != 1 {
		t.Fatalf("initial snapshot: %+v", snap)
	}

	moved := ride("r1", models.StatusAccepted, t0.Add(time.Second))
	p.Apply(updateEvent(r1, moved))

	snap = p.Snapshot()
	if len(snap.Rides) != 0 {
		t.Fatalf("pending list should lose r1, has %d", len(snap.Rides))
	}
	if !p.IsStale(CatActive) {
		t.Fatal("active should be flagged stale")
	}
	if p.IsStale(CatPending) {
		t.Fatal("pending flag must stay clear")
	}

	// Switching to Active clears its flag and shows r1 after refresh.
	f.mu.Lock()
	f.lists[CatActive] = []*models.Ride{moved}
	f.mu.Unlock()
	p.SetActive(CatActive)
	if p.IsStale(CatActive) {
		t.Fatal("switch must clear the stale flag")
	}
	waitFor(t, func() bool {
		s := p.Snapshot()
		return s.Category == CatActive && len(s.Rides) == 1 && s.Rides[0].ID == "r1"
	})
}

func TestEventReplayIsIdempotent(t *testing.T) {
	f := &fakeFetcher{lists: map[Category][]*models.Ride{}}
	p := New(RoleRequester, "u1", f, nil)

	t0 := time.Now()
	r1 := ride("r1", models.StatusPending, t0)
	ev := insertEvent(r1)
	p.Apply(ev)
	before := p.Snapshot()

	p.Apply(ev)
	after := p.Snapshot()

	if len(before.Rides) != 1 || len(after.Rides) != 1 {
		t.Fatalf("replay changed list size: %d -> %d", len(before.Rides), len(after.Rides))
	}
	if len(after.StaleCategories) != len(before.StaleCategories) {
		t.Fatalf("replay changed stale flags: %v -> %v", before.StaleCategories, after.StaleCategories)
	}
}

func TestNoDuplicateAfterRefreshAndEvents(t *testing.T) {
	f := &fakeFetcher{lists: map[Category][]*models.Ride{}}
	p := New(RoleRequester, "u1", f, nil)

	t0 := time.Now()
	r1 := ride("r1", models.StatusPending, t0)
	p.Apply(insertEvent(r1))

	f.mu.Lock()
	f.lists[CatPending] = []*models.Ride{r1}
	f.mu.Unlock()
	if err := p.RefreshActive(context.Background()); err != nil {
		t.Fatal(err)
	}
	// A later event for the same ride must replace, not duplicate.
	newer := ride("r1", models.StatusPending, t0.Add(time.Second))
	p.Apply(updateEvent(r1, newer))

	snap := p.Snapshot()
	if len(snap.Rides) != 1 {
		t.Fatalf("list has %d entries for one ride", len(snap.Rides))
	}
}

func TestManualRefreshOnlyTouchesActive(t *testing.T) {
	f := &fakeFetcher{lists: map[Category][]*models.Ride{}}
	p := New(RoleRequester, "u1", f, nil)

	// Flag Completed stale via an event while viewing Pending.
	t0 := time.Now()
	old := ride("r9", models.StatusTripStarted, t0)
	done := ride("r9", models.StatusTripCompleted, t0.Add(time.Second))
	p.Apply(updateEvent(old, done))
	if !p.IsStale(CatCompleted) {
		t.Fatal("completed should be stale")
	}

	if err := p.RefreshActive(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !p.IsStale(CatCompleted) {
		t.Fatal("manual refresh of the active category must not clear other flags")
	}
}

func TestSwitchCancelsInFlightRefresh(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFetcher{
		lists: map[Category][]*models.Ride{
			CatActive:    {ride("stale", models.StatusAccepted, time.Now())},
			CatCancelled: {},
		},
		block: release,
	}
	p := New(RoleRequester, "u1", f, nil)

	p.SetActive(CatActive) // refresh blocks
	p.SetActive(CatCancelled)
	close(release)

	waitFor(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.calls >= 2
	})
	// The cancelled first refresh must not have installed into any slot.
	snap := p.Snapshot()
	if snap.Category != CatCancelled {
		t.Fatalf("active = %s", snap.Category)
	}
	for _, r := range snap.Rides {
		if r.ID == "stale" {
			t.Fatal("stale refresh wrote into the wrong category")
		}
	}
	p.Close()
}

func TestFetchErrorSurfacesOnManualRefresh(t *testing.T) {
	f := &failFetcher{}
	p := New(RoleRequester, "u1", f, nil)
	if err := p.RefreshActive(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
}

type failFetcher struct{}

func (f *failFetcher) FetchCategory(context.Context, Role, string, Category) ([]*models.Ride, error) {
	return nil, errors.New("store down")
}

func TestProviderOfferEventMovesRideToMyBids(t *testing.T) {
	f := &fakeFetcher{lists: map[Category][]*models.Ride{}}
	p := New(RoleProvider, "d1", f, nil)

	t0 := time.Now()
	r1 := ride("r1", models.StatusPending, t0)
	p.Apply(insertEvent(r1))

	snap := p.Snapshot()
	if snap.Category != CatAvailable || len(snap.Rides) != 1 {
		t.Fatalf("available snapshot: %+v", snap)
	}

	offer := &models.Offer{ID: "o1", RideID: "r1", DriverID: "d1", Price: 9, Status: models.OfferPending, OfferedAt: t0}
	p.Apply(feed.ChangeEvent{Entity: feed.EntityOffer, Type: feed.EventInsert, EntityID: "o1", NewOffer: offer})

	snap = p.Snapshot()
	if len(snap.Rides) != 0 {
		t.Fatal("ride should leave available once bid on")
	}
	if !p.IsStale(CatMyBids) {
		t.Fatal("my_bids should be flagged")
	}
}

func TestOnRefreshFiresAfterInstall(t *testing.T) {
	f := &fakeFetcher{lists: map[Category][]*models.Ride{
		CatPending: {ride("r1", models.StatusPending, time.Now())},
	}}
	p := New(RoleRequester, "u1", f, nil)

	fired := make(chan struct{}, 1)
	p.OnRefresh(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	p.SetActive(CatPending)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh callback never fired")
	}
	// The callback runs after the result is installed.
	snap := p.Snapshot()
	if len(snap.Rides) != 1 || snap.Rides[0].ID != "r1" {
		t.Fatalf("snapshot after refresh: %+v", snap)
	}
	p.Close()
}

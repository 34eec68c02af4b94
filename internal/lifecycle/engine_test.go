package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type recordingNotifier struct {
	mu           sync.Mutex
	statusCalls  []string
	lowBalances  int
	lastBalance  float64
	lastObserver string
}

func (n *recordingNotifier) StatusChanged(rideID string, oldStatus, newStatus models.RideStatus, observerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statusCalls = append(n.statusCalls, string(oldStatus)+"->"+string(newStatus))
	n.lastObserver = observerID
}

func (n *recordingNotifier) LowBalance(rideID, accountID string, newBalance, threshold float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lowBalances++
	n.lastBalance = newBalance
}

func newTestRide(store *storage.MemoryStore, status models.RideStatus, mutate func(*models.Ride)) *models.Ride {
	now := time.Now().UTC()
	r := &models.Ride{
		ID:            "r1",
		RequesterID:   "u1",
		Status:        status,
		ServiceType:   models.ServiceTaxi,
		TimingMode:    models.TimingInstant,
		PaymentMethod: models.PayCash,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if status != models.StatusPending {
		d := "d1"
		f := 8.0
		r.DriverID = &d
		r.Fare = &f
	}
	if mutate != nil {
		mutate(r)
	}
	_ = store.CreateRide(context.Background(), r)
	return r
}

func TestReachability(t *testing.T) {
	cases := []struct {
		from, to models.RideStatus
		ok       bool
	}{
		{models.StatusPending, models.StatusAccepted, true},
		{models.StatusPending, models.StatusCancelled, true},
		{models.StatusAccepted, models.StatusDriverEnRoute, true},
		{models.StatusDriverEnRoute, models.StatusDriverArrived, true},
		{models.StatusDriverArrived, models.StatusTripStarted, true},
		{models.StatusTripStarted, models.StatusTripCompleted, true},
		{models.StatusTripCompleted, models.StatusCompleted, true},
		{models.StatusTripStarted, models.StatusCancelled, false},
		{models.StatusTripCompleted, models.StatusCancelled, false},
		{models.StatusCompleted, models.StatusCancelled, false},
		{models.StatusPending, models.StatusTripStarted, false},
		{models.StatusAccepted, models.StatusPending, false},
		{models.StatusCancelled, models.StatusAccepted, false},
	}
	for _, c := range cases {
		if got := Reachable(c.from, c.to); got != c.ok {
			t.Errorf("Reachable(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestTransitionAppendsHistory(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	e := NewEngine(store, nil, nil, nil)
	newTestRide(store, models.StatusAccepted, nil)

	ride, err := e.Transition(context.Background(), "r1", models.StatusDriverEnRoute, "d1", "on my way")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if ride.Status != models.StatusDriverEnRoute {
		t.Fatalf("status = %s", ride.Status)
	}
	if ride.EnRouteAt == nil {
		t.Fatal("en_route_at not stamped")
	}
	hist, _ := store.HistoryForRide(context.Background(), "r1")
	if len(hist) != 1 {
		t.Fatalf("history entries = %d, want 1", len(hist))
	}
	h := hist[0]
	if h.OldStatus != models.StatusAccepted || h.NewStatus != models.StatusDriverEnRoute || h.Actor != "d1" || h.Note != "on my way" {
		t.Fatalf("unexpected history entry: %+v", h)
	}
}

func TestCancelFromInProgressConflicts(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	e := NewEngine(store, nil, nil, nil)
	newTestRide(store, models.StatusAccepted, nil)

	for _, target := range []models.RideStatus{models.StatusDriverEnRoute, models.StatusDriverArrived, models.StatusTripStarted} {
		if _, err := e.Transition(context.Background(), "r1", target, "d1", ""); err != nil {
			t.Fatalf("to %s: %v", target, err)
		}
	}
	_, err := e.Cancel(context.Background(), "r1", "u1", "changed my mind")
	if !errs.IsConflict(err) {
		t.Fatalf("expected conflict cancelling an in-progress trip, got %v", err)
	}
}

func TestCancelRecordsReasonAndInitiator(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	e := NewEngine(store, nil, nil, nil)
	newTestRide(store, models.StatusPending, func(r *models.Ride) { r.DriverID = nil; r.Fare = nil })

	ride, err := e.Cancel(context.Background(), "r1", "u1", "waited too long")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ride.Status != models.StatusCancelled || ride.CancelledAt == nil {
		t.Fatalf("ride not cancelled: %+v", ride)
	}
	if ride.CancellationReason != "waited too long" || ride.CancelledBy != "u1" {
		t.Fatalf("cancellation metadata lost: %q by %q", ride.CancellationReason, ride.CancelledBy)
	}
}

func TestCancelWithoutReasonAllowed(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	e := NewEngine(store, nil, nil, nil)
	newTestRide(store, models.StatusPending, func(r *models.Ride) { r.DriverID = nil; r.Fare = nil })

	ride, err := e.Cancel(context.Background(), "r1", "u1", "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ride.CancelledBy != "u1" {
		t.Fatalf("initiator should default to actor, got %q", ride.CancelledBy)
	}
}

func TestUnknownStatusRejected(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	e := NewEngine(store, nil, nil, nil)
	newTestRide(store, models.StatusPending, nil)

	_, err := e.Transition(context.Background(), "r1", "warp_speed", "u1", "")
	if !errs.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTransitionMissingRide(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	e := NewEngine(store, nil, nil, nil)
	_, err := e.Transition(context.Background(), "nope", models.StatusAccepted, "u1", "")
	if !errs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTripCompletionDebitsAccountOnce(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	n := &recordingNotifier{}
	e := NewEngine(store, n, nil, nil)

	_ = store.PutAccount(context.Background(), &models.BillingAccount{
		ID: "acct1", Balance: 50, LowBalanceThreshold: 20, UpdatedAt: time.Now(),
	})
	fare := 40.0
	newTestRide(store, models.StatusTripStarted, func(r *models.Ride) {
		acct := "acct1"
		r.PaymentMethod = models.PayAccount
		r.AccountID = &acct
		r.Fare = &fare
	})

	if _, err := e.Transition(context.Background(), "r1", models.StatusTripCompleted, "d1", ""); err != nil {
		t.Fatalf("trip_completed: %v", err)
	}

	acct, _ := store.GetAccount(context.Background(), "acct1")
	if acct.Balance != 10 {
		t.Fatalf("balance = %.2f, want 10.00", acct.Balance)
	}
	ledger, _ := store.LedgerForAccount(context.Background(), "acct1")
	if len(ledger) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(ledger))
	}
	tx := ledger[0]
	if tx.BalanceBefore != 50 || tx.BalanceAfter != 10 || tx.Amount != 40 || tx.Type != models.LedgerDebit {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	if n.lowBalances != 1 {
		t.Fatalf("low balance alerts = %d, want 1", n.lowBalances)
	}
	if n.lastBalance != 10 {
		t.Fatalf("alert balance = %.2f, want 10.00", n.lastBalance)
	}

	// Replayed completion: the transition is rejected and the first debit
	// stands alone.
	if _, err := e.Transition(context.Background(), "r1", models.StatusTripCompleted, "d1", ""); !errs.IsConflict(err) {
		t.Fatalf("expected conflict on replay, got %v", err)
	}
	ledger, _ = store.LedgerForAccount(context.Background(), "acct1")
	if len(ledger) != 1 {
		t.Fatalf("ledger entries after replay = %d, want 1", len(ledger))
	}
	if n.lowBalances != 1 {
		t.Fatalf("low balance alerts after replay = %d, want 1", n.lowBalances)
	}
}

func TestNoAlertWhenAlreadyBelowThreshold(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	n := &recordingNotifier{}
	e := NewEngine(store, n, nil, nil)

	_ = store.PutAccount(context.Background(), &models.BillingAccount{
		ID: "acct1", Balance: 15, LowBalanceThreshold: 20, UpdatedAt: time.Now(),
	})
	fare := 5.0
	newTestRide(store, models.StatusTripStarted, func(r *models.Ride) {
		acct := "acct1"
		r.PaymentMethod = models.PayAccount
		r.AccountID = &acct
		r.Fare = &fare
	})

	if _, err := e.Transition(context.Background(), "r1", models.StatusTripCompleted, "d1", ""); err != nil {
		t.Fatalf("trip_completed: %v", err)
	}
	if n.lowBalances != 0 {
		t.Fatalf("alerted %d times while already below threshold", n.lowBalances)
	}
}

func TestLedgerFailureDoesNotBlockCompletion(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	e := NewEngine(store, nil, nil, nil)

	// Account deliberately absent: the debit fails.
	fare := 12.0
	newTestRide(store, models.StatusTripStarted, func(r *models.Ride) {
		acct := "ghost"
		r.PaymentMethod = models.PayAccount
		r.AccountID = &acct
		r.Fare = &fare
	})

	ride, err := e.Transition(context.Background(), "r1", models.StatusTripCompleted, "d1", "")
	if !errs.IsLedger(err) {
		t.Fatalf("expected ledger error, got %v", err)
	}
	if ride == nil || ride.Status != models.StatusTripCompleted {
		t.Fatal("transition should commit despite debit failure")
	}
	got, _ := store.GetRide(context.Background(), "r1")
	if got.Status != models.StatusTripCompleted {
		t.Fatalf("persisted status = %s", got.Status)
	}
}

func TestCompleteWithRating(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	e := NewEngine(store, nil, nil, nil)
	newTestRide(store, models.StatusTripCompleted, nil)

	bad := 7.0
	if _, err := e.CompleteWithRating(context.Background(), "r1", "u1", &bad, ""); !errs.IsValidation(err) {
		t.Fatalf("expected validation error for rating 7, got %v", err)
	}

	rating := 4.5
	ride, err := e.CompleteWithRating(context.Background(), "r1", "u1", &rating, "smooth trip")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ride.Status != models.StatusCompleted || ride.Rating == nil || *ride.Rating != 4.5 || ride.RatedAt == nil {
		t.Fatalf("rating not recorded: %+v", ride)
	}
	if ride.Review != "smooth trip" {
		t.Fatalf("review = %q", ride.Review)
	}
}

func TestNotifierReceivesBothParties(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	n := &recordingNotifier{}
	e := NewEngine(store, n, nil, nil)
	newTestRide(store, models.StatusAccepted, nil)

	if _, err := e.Transition(context.Background(), "r1", models.StatusDriverEnRoute, "d1", ""); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(n.statusCalls) != 2 {
		t.Fatalf("status notifications = %d, want 2 (requester and driver)", len(n.statusCalls))
	}
}

// Package lifecycle owns the ride state machine. Every status change flows
// through Engine.Transition, which validates the move, appends the audit
// entry and runs the attached side effects.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// transitions is the adjacency table. Cancellation is reachable up to
// driver_arrived; an in-progress trip must complete, not cancel.
var transitions = map[models.RideStatus][]models.RideStatus{
	models.StatusPending:       {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:      {models.StatusDriverEnRoute, models.StatusCancelled},
	models.StatusDriverEnRoute: {models.StatusDriverArrived, models.StatusCancelled},
	models.StatusDriverArrived: {models.StatusTripStarted, models.StatusCancelled},
	models.StatusTripStarted:   {models.StatusTripCompleted},
	models.StatusTripCompleted: {models.StatusCompleted},
	models.StatusCompleted:     {},
	models.StatusCancelled:     {},
}

// Reachable reports whether target is a legal next status from current.
func Reachable(current, target models.RideStatus) bool {
	for _, s := range transitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

// Notifier receives the trigger payloads for user-facing alerts.
type Notifier interface {
	StatusChanged(rideID string, oldStatus, newStatus models.RideStatus, observerID string)
	LowBalance(rideID, accountID string, newBalance, threshold float64)
}

// Payments is the card hold lifecycle. Both calls are best-effort.
type Payments interface {
	Capture(ctx context.Context, paymentID string) error
	Cancel(ctx context.Context, paymentID string) error
}

type Engine struct {
	Store    storage.RideStore
	Notify   Notifier
	Payments Payments // optional
	Logger   *slog.Logger
}

func NewEngine(store storage.RideStore, notify Notifier, payments Payments, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Store: store, Notify: notify, Payments: payments, Logger: logger}
}

// Transition moves the ride to target. The returned error is nil on
// success, or an *errs.LedgerError when the transition committed but the
// billing debit failed and needs reconciliation.
func (e *Engine) Transition(ctx context.Context, rideID string, target models.RideStatus, actor, note string) (*models.Ride, error) {
	return e.apply(ctx, rideID, target, actor, note, nil)
}

// Cancel is the constrained cancellation path. Reason is optional; the
// initiator defaults to the acting user.
func (e *Engine) Cancel(ctx context.Context, rideID, actor, reason string) (*models.Ride, error) {
	return e.apply(ctx, rideID, models.StatusCancelled, actor, reason, func(r *models.Ride) {
		r.CancellationReason = reason
		r.CancelledBy = actor
	})
}

// CompleteWithRating acknowledges a finished trip, optionally recording the
// requester's rating and review.
func (e *Engine) CompleteWithRating(ctx context.Context, rideID, actor string, rating *float64, review string) (*models.Ride, error) {
	if rating != nil && (*rating < 1 || *rating > 5) {
		return nil, errs.Validation("rating", "must be between 1 and 5")
	}
	return e.apply(ctx, rideID, models.StatusCompleted, actor, review, func(r *models.Ride) {
		if rating != nil {
			now := time.Now().UTC()
			r.Rating = rating
			r.Review = review
			r.RatedAt = &now
		}
	})
}

func (e *Engine) apply(ctx context.Context, rideID string, target models.RideStatus, actor, note string, mutate func(*models.Ride)) (*models.Ride, error) {
	var ride *models.Ride
	var oldStatus models.RideStatus

	err := e.Store.WithRideLock(ctx, rideID, func(ctx context.Context) error {
		var err error
		ride, oldStatus, err = e.applyLocked(ctx, rideID, target, mutate)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e.Finalize(ctx, ride, oldStatus, target, actor, note)
}

// Stage validates the move and returns the mutated ride without
// persisting it. Callers whose transition must commit together with other
// rows (offer acceptance) write the returned ride themselves as one unit,
// then run Finalize. The caller must hold the ride's write lock.
func (e *Engine) Stage(ctx context.Context, rideID string, target models.RideStatus, mutate func(*models.Ride)) (*models.Ride, models.RideStatus, error) {
	if !models.ValidStatus(target) {
		return nil, "", errs.Validation("status", "unknown value "+string(target))
	}
	r, err := e.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, "", err
	}
	if !Reachable(r.Status, target) {
		observability.TransitionRejected.Inc()
		return nil, "", errs.Conflict("cannot transition ride %s from %s to %s", rideID, r.Status, target)
	}
	oldStatus := r.Status
	now := time.Now().UTC()
	r.Status = target
	r.UpdatedAt = now
	stampTransition(r, target, now)
	if mutate != nil {
		mutate(r)
	}
	return r, oldStatus, nil
}

func (e *Engine) applyLocked(ctx context.Context, rideID string, target models.RideStatus, mutate func(*models.Ride)) (*models.Ride, models.RideStatus, error) {
	r, oldStatus, err := e.Stage(ctx, rideID, target, mutate)
	if err != nil {
		return nil, "", err
	}
	if err := e.Store.UpdateRide(ctx, r); err != nil {
		return nil, "", err
	}
	return r, oldStatus, nil
}

// Finalize runs the post-commit side effects of a transition the caller
// staged and persisted: metrics, history, notifications, settlement.
func (e *Engine) Finalize(ctx context.Context, ride *models.Ride, oldStatus, target models.RideStatus, actor, note string) (*models.Ride, error) {
	rideID := ride.ID
	observability.TransitionsTotal.WithLabelValues(string(target)).Inc()

	// History append is best-effort: a failed audit write must not undo a
	// committed transition.
	if herr := e.Store.AppendHistory(ctx, models.StatusHistoryEntry{
		RideID:    rideID,
		OldStatus: oldStatus,
		NewStatus: target,
		Actor:     actor,
		Note:      note,
		At:        time.Now().UTC(),
	}); herr != nil {
		e.Logger.Error("history append failed", "ride_id", rideID, "error", herr)
	}

	e.notifyStatus(ride, oldStatus, target)

	var ledgerErr error
	switch target {
	case models.StatusTripCompleted:
		ledgerErr = e.settleTrip(ctx, ride)
	case models.StatusCancelled:
		e.releaseHold(ctx, ride)
	}
	return ride, ledgerErr
}

func stampTransition(r *models.Ride, target models.RideStatus, now time.Time) {
	switch target {
	case models.StatusAccepted:
		r.AcceptedAt = &now
	case models.StatusDriverEnRoute:
		r.EnRouteAt = &now
	case models.StatusDriverArrived:
		r.ArrivedAt = &now
	case models.StatusTripStarted:
		r.StartedAt = &now
	case models.StatusTripCompleted:
		r.TripCompletedAt = &now
	case models.StatusCompleted:
		r.CompletedAt = &now
	case models.StatusCancelled:
		r.CancelledAt = &now
	}
}

func (e *Engine) notifyStatus(r *models.Ride, oldStatus, newStatus models.RideStatus) {
	if e.Notify == nil {
		return
	}
	e.Notify.StatusChanged(r.ID, oldStatus, newStatus, r.RequesterID)
	if r.DriverID != nil {
		e.Notify.StatusChanged(r.ID, oldStatus, newStatus, *r.DriverID)
	}
}

// settleTrip runs the completion side effects: ledger debit for
// account-billed rides, card capture for card rides. The transition has
// already committed; a debit failure is surfaced, never rolled back into
// the status change.
func (e *Engine) settleTrip(ctx context.Context, r *models.Ride) error {
	if r.PaymentMethod == models.PayCard && r.StripePaymentID != "" && e.Payments != nil {
		if err := e.Payments.Capture(ctx, r.StripePaymentID); err != nil {
			e.Logger.Error("card capture failed", "ride_id", r.ID, "error", err)
		}
	}

	if r.PaymentMethod != models.PayAccount || r.AccountID == nil || r.Fare == nil {
		return nil
	}

	tx, already, err := e.Store.DebitForRide(ctx, *r.AccountID, r.ID, *r.Fare)
	if err != nil {
		observability.LedgerErrorsTotal.Inc()
		lerr := &errs.LedgerError{AccountID: *r.AccountID, RideID: r.ID, Err: err}
		e.Logger.Error("ledger debit failed, needs reconciliation", "ride_id", r.ID, "account_id", *r.AccountID, "error", err)
		return lerr
	}
	if already {
		// Duplicate delivery of the same completion: the first debit stands.
		return nil
	}
	observability.LedgerDebitsTotal.Inc()

	acct, aerr := e.Store.GetAccount(ctx, *r.AccountID)
	if aerr != nil {
		e.Logger.Error("account read after debit failed", "account_id", *r.AccountID, "error", aerr)
		return nil
	}
	// Alert only on the crossing itself, not on every debit below the line.
	if tx.BalanceBefore > acct.LowBalanceThreshold && tx.BalanceAfter <= acct.LowBalanceThreshold {
		observability.LowBalanceAlerts.Inc()
		if e.Notify != nil {
			e.Notify.LowBalance(r.ID, *r.AccountID, tx.BalanceAfter, acct.LowBalanceThreshold)
		}
	}
	return nil
}

func (e *Engine) releaseHold(ctx context.Context, r *models.Ride) {
	if r.PaymentMethod == models.PayCard && r.StripePaymentID != "" && e.Payments != nil {
		if err := e.Payments.Cancel(ctx, r.StripePaymentID); err != nil {
			e.Logger.Error("card hold release failed", "ride_id", r.ID, "error", err)
		}
	}
}

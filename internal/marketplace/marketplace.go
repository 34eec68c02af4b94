// Package marketplace runs the competitive offer process: drivers quote
// against a pending ride, the requester accepts exactly one.
package marketplace

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// CardHolder places and releases fare holds for card-paid rides.
type CardHolder interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Cancel(ctx context.Context, paymentID string) error
}

type Marketplace struct {
	Store  storage.RideStore
	Engine *lifecycle.Engine
	Cards  CardHolder // optional
	Logger *slog.Logger
}

func New(store storage.RideStore, engine *lifecycle.Engine, cards CardHolder, logger *slog.Logger) *Marketplace {
	if logger == nil {
		logger = slog.Default()
	}
	return &Marketplace{Store: store, Engine: engine, Cards: cards, Logger: logger}
}

// SubmitOffer records a driver's quote against a pending ride. A driver
// holds at most one pending offer per ride.
func (m *Marketplace) SubmitOffer(ctx context.Context, rideID, driverID string, price float64) (*models.Offer, error) {
	if price <= 0 {
		return nil, errs.Validation("price", "must be greater than zero")
	}
	if driverID == "" {
		return nil, errs.Validation("driver_id", "is required")
	}

	var offer *models.Offer
	err := m.Store.WithRideLock(ctx, rideID, func(ctx context.Context) error {
		ride, err := m.Store.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		if ride.Status != models.StatusPending {
			observability.OfferConflictsTotal.Inc()
			return errs.Conflict("ride %s is %s, offers are closed", rideID, ride.Status)
		}
		existing, err := m.Store.ListOffersByRide(ctx, rideID)
		if err != nil {
			return err
		}
		for _, o := range existing {
			if o.DriverID == driverID && o.Status == models.OfferPending {
				observability.OfferConflictsTotal.Inc()
				return errs.Conflict("driver %s already has a pending offer on ride %s", driverID, rideID)
			}
		}
		offer = &models.Offer{
			ID:        uuid.NewString(),
			RideID:    rideID,
			DriverID:  driverID,
			Price:     price,
			Status:    models.OfferPending,
			OfferedAt: time.Now().UTC(),
		}
		return m.Store.CreateOffer(ctx, offer)
	})
	if err != nil {
		return nil, err
	}
	observability.OffersTotal.Inc()
	return offer, nil
}

// AcceptOffer accepts one offer, rejects its siblings, assigns the driver
// and fare and transitions the ride to accepted. The winner, the losers
// and the ride row commit as one unit; a failed write leaves every row
// untouched and the requester can retry. Concurrent accept attempts
// resolve to exactly one winner; losers get a conflict.
func (m *Marketplace) AcceptOffer(ctx context.Context, offerID, rideID, actor string) (*models.Ride, error) {
	offer, err := m.Store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.RideID != rideID {
		return nil, errs.NotFound("offer", offerID)
	}
	pre, err := m.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if pre.Status != models.StatusPending {
		observability.OfferConflictsTotal.Inc()
		return nil, errs.Conflict("ride %s is already %s", rideID, pre.Status)
	}

	// Place the card hold before taking the ride lock so a slow gateway
	// cannot stall other writers on this ride. Released again below if
	// the acceptance loses.
	var holdID string
	if pre.PaymentMethod == models.PayCard && m.Cards != nil {
		holdID, err = m.Cards.Hold(ctx, int64(offer.Price*100), "usd", pre.RequesterID)
		if err != nil {
			m.Logger.Error("card hold failed", "ride_id", rideID, "error", err)
			holdID = ""
		}
	}

	var (
		ride      *models.Ride
		oldStatus models.RideStatus
	)
	err = m.Store.WithRideLock(ctx, rideID, func(ctx context.Context) error {
		offer, err := m.Store.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if offer.Status != models.OfferPending {
			observability.OfferConflictsTotal.Inc()
			return errs.Conflict("offer %s is already %s", offerID, offer.Status)
		}
		r, err := m.Store.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		if r.Status != models.StatusPending {
			observability.OfferConflictsTotal.Inc()
			return errs.Conflict("ride %s is already %s", rideID, r.Status)
		}

		now := time.Now().UTC()
		offer.Status = models.OfferAccepted
		offer.RespondedAt = &now

		siblings, err := m.Store.ListOffersByRide(ctx, rideID)
		if err != nil {
			return err
		}
		var rejected []*models.Offer
		for _, s := range siblings {
			if s.ID == offerID || s.Status != models.OfferPending {
				continue
			}
			s.Status = models.OfferRejected
			s.RespondedAt = &now
			rejected = append(rejected, s)
		}

		driverID := offer.DriverID
		price := offer.Price
		staged, old, err := m.Engine.Stage(ctx, rideID, models.StatusAccepted, func(r *models.Ride) {
			r.DriverID = &driverID
			r.Fare = &price
			if holdID != "" {
				r.StripePaymentID = holdID
			}
		})
		if err != nil {
			return err
		}
		if err := m.Store.ApplyAcceptance(ctx, staged, offer, rejected); err != nil {
			return err
		}
		ride, oldStatus = staged, old
		return nil
	})
	if err != nil {
		m.releaseHold(ctx, rideID, holdID)
		return nil, err
	}

	note := fmt.Sprintf("offer %s from driver %s won at %.2f", offer.ID, offer.DriverID, offer.Price)
	ride, err = m.Engine.Finalize(ctx, ride, oldStatus, models.StatusAccepted, actor, note)
	if err != nil {
		return nil, err
	}
	observability.AcceptsTotal.Inc()
	return ride, nil
}

func (m *Marketplace) releaseHold(ctx context.Context, rideID, holdID string) {
	if holdID == "" || m.Cards == nil {
		return
	}
	if err := m.Cards.Cancel(ctx, holdID); err != nil {
		m.Logger.Error("card hold release failed", "ride_id", rideID, "error", err)
	}
}

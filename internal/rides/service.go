// Package rides carries the requester-facing submission path and the
// read-side helpers the feed layer refreshes from.
package rides

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type SubmitRequest struct {
	RequesterID    string               `json:"requester_id"`
	ServiceType    models.ServiceType   `json:"service_type"`
	TimingMode     models.TimingMode    `json:"timing_mode"`
	Pickup         models.Coord         `json:"pickup"`
	PickupAddress  string               `json:"pickup_address"`
	Dropoff        models.Coord         `json:"dropoff"`
	DropoffAddress string               `json:"dropoff_address"`
	PaymentMethod  models.PaymentMethod `json:"payment_method"`
	AccountID      string               `json:"account_id,omitempty"`
}

type Service struct {
	Store  storage.RideStore
	Index  geo.Index // optional
	Logger *slog.Logger
}

func NewService(store storage.RideStore, idx geo.Index, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Store: store, Index: idx, Logger: logger}
}

// Submit validates the request and creates the ride in status pending.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Ride, error) {
	if req.RequesterID == "" {
		return nil, errs.Validation("requester_id", "is required")
	}
	if !models.ValidServiceType(req.ServiceType) {
		return nil, errs.Validation("service_type", "unknown value "+string(req.ServiceType))
	}
	if !models.ValidTimingMode(req.TimingMode) {
		return nil, errs.Validation("timing_mode", "unknown value "+string(req.TimingMode))
	}
	if !models.ValidPaymentMethod(req.PaymentMethod) {
		return nil, errs.Validation("payment_method", "unknown value "+string(req.PaymentMethod))
	}
	if req.PaymentMethod == models.PayAccount && req.AccountID == "" {
		return nil, errs.Validation("account_id", "is required for account billing")
	}
	if !validCoord(req.Pickup) || !validCoord(req.Dropoff) {
		return nil, errs.Validation("coordinates", "out of range")
	}

	now := time.Now().UTC()
	r := &models.Ride{
		ID:             uuid.NewString(),
		RequesterID:    req.RequesterID,
		Status:         models.StatusPending,
		ServiceType:    req.ServiceType,
		TimingMode:     req.TimingMode,
		PaymentMethod:  req.PaymentMethod,
		Pickup:         req.Pickup,
		PickupAddress:  req.PickupAddress,
		Dropoff:        req.Dropoff,
		DropoffAddress: req.DropoffAddress,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.AccountID != "" {
		acct := req.AccountID
		r.AccountID = &acct
	}
	if err := s.Store.CreateRide(ctx, r); err != nil {
		return nil, err
	}
	if s.Index != nil {
		s.Index.Upsert(r.ID, r.Pickup)
	}
	return r, nil
}

// NearbyOpen returns open rides ordered by pickup distance from the given
// point. Index entries that have gone stale (ride matched since) are
// filtered against the store.
func (s *Service) NearbyOpen(ctx context.Context, lat, lon float64, limit int) ([]*models.Ride, error) {
	if s.Index == nil {
		return s.Store.ListPendingRides(ctx)
	}
	if limit <= 0 {
		limit = 20
	}
	ids := s.Index.Nearby(lat, lon, limit)
	out := make([]*models.Ride, 0, len(ids))
	for _, id := range ids {
		r, err := s.Store.GetRide(ctx, id)
		if err != nil {
			continue
		}
		if r.Status == models.StatusPending {
			out = append(out, r)
		}
	}
	return out, nil
}

func validCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

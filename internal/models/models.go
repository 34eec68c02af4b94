package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type RideStatus string

const (
	StatusPending       RideStatus = "pending"
	StatusAccepted      RideStatus = "accepted"
	StatusDriverEnRoute RideStatus = "driver_en_route"
	StatusDriverArrived RideStatus = "driver_arrived"
	StatusTripStarted   RideStatus = "trip_started"
	StatusTripCompleted RideStatus = "trip_completed"
	StatusCompleted     RideStatus = "completed"
	StatusCancelled     RideStatus = "cancelled"
)

// ValidStatus reports whether s is a member of the ride status enum.
func ValidStatus(s RideStatus) bool {
	switch s {
	case StatusPending, StatusAccepted, StatusDriverEnRoute, StatusDriverArrived,
		StatusTripStarted, StatusTripCompleted, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type ServiceType string

const (
	ServiceTaxi      ServiceType = "taxi"
	ServiceCourier   ServiceType = "courier"
	ServiceErrand    ServiceType = "errand"
	ServiceSchoolRun ServiceType = "school_run"
)

func ValidServiceType(s ServiceType) bool {
	switch s {
	case ServiceTaxi, ServiceCourier, ServiceErrand, ServiceSchoolRun:
		return true
	}
	return false
}

type TimingMode string

const (
	TimingInstant   TimingMode = "instant"
	TimingScheduled TimingMode = "scheduled"
	TimingRecurring TimingMode = "recurring"
)

func ValidTimingMode(m TimingMode) bool {
	switch m {
	case TimingInstant, TimingScheduled, TimingRecurring:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PayCash    PaymentMethod = "cash"
	PayCard    PaymentMethod = "card"
	PayAccount PaymentMethod = "account"
)

func ValidPaymentMethod(m PaymentMethod) bool {
	switch m {
	case PayCash, PayCard, PayAccount:
		return true
	}
	return false
}

type Ride struct {
	ID             string        `json:"id"`
	RequesterID    string        `json:"requester_id"`
	DriverID       *string       `json:"driver_id"` // nil iff status == pending
	Status         RideStatus    `json:"status"`
	ServiceType    ServiceType   `json:"service_type"`
	TimingMode     TimingMode    `json:"timing_mode"`
	Fare           *float64      `json:"fare"` // nil until an offer is accepted
	PaymentMethod  PaymentMethod `json:"payment_method"`
	AccountID      *string       `json:"account_id"`
	Pickup         Coord         `json:"pickup"`
	PickupAddress  string        `json:"pickup_address"`
	Dropoff        Coord         `json:"dropoff"`
	DropoffAddress string        `json:"dropoff_address"`

	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	AcceptedAt      *time.Time `json:"accepted_at"`
	EnRouteAt       *time.Time `json:"en_route_at"`
	ArrivedAt       *time.Time `json:"arrived_at"`
	StartedAt       *time.Time `json:"started_at"`
	TripCompletedAt *time.Time `json:"trip_completed_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	CancelledAt     *time.Time `json:"cancelled_at"`

	CancellationReason string `json:"cancellation_reason,omitempty"`
	CancelledBy        string `json:"cancelled_by,omitempty"`

	Rating  *float64   `json:"rating"` // set only once completed
	Review  string     `json:"review,omitempty"`
	RatedAt *time.Time `json:"rated_at"`

	StripePaymentID string `json:"-"` // card hold reference, never exposed
}

// Clone returns a deep copy so stores can hand out snapshots safely.
func (r *Ride) Clone() *Ride {
	c := *r
	c.DriverID = clonePtr(r.DriverID)
	c.Fare = clonePtr(r.Fare)
	c.AccountID = clonePtr(r.AccountID)
	c.AcceptedAt = clonePtr(r.AcceptedAt)
	c.EnRouteAt = clonePtr(r.EnRouteAt)
	c.ArrivedAt = clonePtr(r.ArrivedAt)
	c.StartedAt = clonePtr(r.StartedAt)
	c.TripCompletedAt = clonePtr(r.TripCompletedAt)
	c.CompletedAt = clonePtr(r.CompletedAt)
	c.CancelledAt = clonePtr(r.CancelledAt)
	c.Rating = clonePtr(r.Rating)
	c.RatedAt = clonePtr(r.RatedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
)

type Offer struct {
	ID          string      `json:"id"`
	RideID      string      `json:"ride_id"`
	DriverID    string      `json:"driver_id"`
	Price       float64     `json:"price"` // > 0
	Status      OfferStatus `json:"status"`
	OfferedAt   time.Time   `json:"offered_at"`
	RespondedAt *time.Time  `json:"responded_at,omitempty"`
}

func (o *Offer) Clone() *Offer {
	c := *o
	c.RespondedAt = clonePtr(o.RespondedAt)
	return &c
}

// StatusHistoryEntry is the append-only audit trail for ride transitions.
type StatusHistoryEntry struct {
	RideID    string     `json:"ride_id"`
	OldStatus RideStatus `json:"old_status"`
	NewStatus RideStatus `json:"new_status"`
	Actor     string     `json:"actor"`
	Note      string     `json:"note,omitempty"`
	At        time.Time  `json:"at"`
}

type LedgerType string

const LedgerDebit LedgerType = "debit"

// LedgerTransaction records one balance mutation. At most one debit
// exists per ride.
type LedgerTransaction struct {
	ID            string     `json:"id"`
	AccountID     string     `json:"account_id"`
	RideID        string     `json:"ride_id"`
	Type          LedgerType `json:"type"`
	Amount        float64    `json:"amount"`
	BalanceBefore float64    `json:"balance_before"`
	BalanceAfter  float64    `json:"balance_after"`
	At            time.Time  `json:"at"`
}

type BillingAccount struct {
	ID                  string    `json:"id"`
	Balance             float64   `json:"balance"`
	LowBalanceThreshold float64   `json:"low_balance_threshold"`
	UpdatedAt           time.Time `json:"updated_at"`
}

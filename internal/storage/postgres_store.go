package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore persists rides, offers, history and ledgers in Postgres.
// Per-ride serialization uses the same keyed mutex as MemoryStore (one API
// process owns all writes); the account debit additionally locks the
// account row so balances survive multiple processes.
type PostgresStore struct {
	db      *sql.DB
	perRide *rideLocks
	pub     feed.Publisher
}

func NewPostgresStore(dsn string, pub feed.Publisher) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db, perRide: newRideLocks(), pub: pub}, nil
}

func (p *PostgresStore) publish(ev feed.ChangeEvent) {
	if p.pub != nil {
		_ = p.pub.Publish(ev)
	}
}

func (p *PostgresStore) WithRideLock(ctx context.Context, rideID string, fn func(ctx context.Context) error) error {
	l := p.perRide.lock(rideID)
	defer l.Unlock()
	return fn(ctx)
}

const rideCols = `id, requester_id, driver_id, status, service_type, timing_mode, fare,
payment_method, account_id, pickup_lat, pickup_lon, pickup_address,
dropoff_lat, dropoff_lon, dropoff_address, created_at, updated_at,
accepted_at, en_route_at, arrived_at, started_at, trip_completed_at,
completed_at, cancelled_at, cancellation_reason, cancelled_by,
rating, review, rated_at, stripe_payment_id`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideCols+`) VALUES
($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30)`,
		r.ID, r.RequesterID, r.DriverID, r.Status, r.ServiceType, r.TimingMode, r.Fare,
		r.PaymentMethod, r.AccountID, r.Pickup.Lat, r.Pickup.Lon, r.PickupAddress,
		r.Dropoff.Lat, r.Dropoff.Lon, r.DropoffAddress, r.CreatedAt, r.UpdatedAt,
		r.AcceptedAt, r.EnRouteAt, r.ArrivedAt, r.StartedAt, r.TripCompletedAt,
		r.CompletedAt, r.CancelledAt, nullStr(r.CancellationReason), nullStr(r.CancelledBy),
		r.Rating, nullStr(r.Review), r.RatedAt, nullStr(r.StripePaymentID))
	if err != nil {
		return err
	}
	p.publish(feed.ChangeEvent{Entity: feed.EntityRide, Type: feed.EventInsert, EntityID: r.ID, NewRide: r.Clone()})
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("ride", id)
	}
	return r, err
}

// execer lets the single-row paths and the transactional acceptance share
// one set of UPDATE statements.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execUpdateRide(ctx context.Context, ex execer, r *models.Ride) error {
	_, err := ex.ExecContext(ctx, `UPDATE rides SET driver_id=$2, status=$3, fare=$4,
updated_at=$5, accepted_at=$6, en_route_at=$7, arrived_at=$8, started_at=$9,
trip_completed_at=$10, completed_at=$11, cancelled_at=$12, cancellation_reason=$13,
cancelled_by=$14, rating=$15, review=$16, rated_at=$17, stripe_payment_id=$18 WHERE id=$1`,
		r.ID, r.DriverID, r.Status, r.Fare, r.UpdatedAt, r.AcceptedAt, r.EnRouteAt,
		r.ArrivedAt, r.StartedAt, r.TripCompletedAt, r.CompletedAt, r.CancelledAt,
		nullStr(r.CancellationReason), nullStr(r.CancelledBy), r.Rating, nullStr(r.Review),
		r.RatedAt, nullStr(r.StripePaymentID))
	return err
}

func execUpdateOffer(ctx context.Context, ex execer, o *models.Offer) error {
	_, err := ex.ExecContext(ctx, `UPDATE offers SET status=$2, responded_at=$3 WHERE id=$1`,
		o.ID, o.Status, o.RespondedAt)
	return err
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	old, err := p.GetRide(ctx, r.ID)
	if err != nil {
		return err
	}
	if err := execUpdateRide(ctx, p.db, r); err != nil {
		return err
	}
	p.publish(feed.ChangeEvent{Entity: feed.EntityRide, Type: feed.EventUpdate, EntityID: r.ID, OldRide: old, NewRide: r.Clone()})
	return nil
}

func (p *PostgresStore) ApplyAcceptance(ctx context.Context, r *models.Ride, winner *models.Offer, rejected []*models.Offer) error {
	oldRide, err := p.GetRide(ctx, r.ID)
	if err != nil {
		return err
	}
	oldWinner, err := p.GetOffer(ctx, winner.ID)
	if err != nil {
		return err
	}
	oldRejected := make([]*models.Offer, len(rejected))
	for i, o := range rejected {
		old, err := p.GetOffer(ctx, o.ID)
		if err != nil {
			return err
		}
		oldRejected[i] = old
	}

	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	if err := execUpdateOffer(ctx, dbtx, winner); err != nil {
		return err
	}
	for _, o := range rejected {
		if err := execUpdateOffer(ctx, dbtx, o); err != nil {
			return err
		}
	}
	if err := execUpdateRide(ctx, dbtx, r); err != nil {
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return err
	}

	p.publish(feed.ChangeEvent{Entity: feed.EntityOffer, Type: feed.EventUpdate, EntityID: winner.ID, OldOffer: oldWinner, NewOffer: winner.Clone()})
	for i, o := range rejected {
		p.publish(feed.ChangeEvent{Entity: feed.EntityOffer, Type: feed.EventUpdate, EntityID: o.ID, OldOffer: oldRejected[i], NewOffer: o.Clone()})
	}
	p.publish(feed.ChangeEvent{Entity: feed.EntityRide, Type: feed.EventUpdate, EntityID: r.ID, OldRide: oldRide, NewRide: r.Clone()})
	return nil
}

func (p *PostgresStore) listRides(ctx context.Context, where string, args ...any) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideCols+` FROM rides WHERE `+where+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListRidesByRequester(ctx context.Context, requesterID string) ([]*models.Ride, error) {
	return p.listRides(ctx, `requester_id=$1`, requesterID)
}

func (p *PostgresStore) ListRidesByDriver(ctx context.Context, driverID string) ([]*models.Ride, error) {
	return p.listRides(ctx, `driver_id=$1`, driverID)
}

func (p *PostgresStore) ListPendingRides(ctx context.Context) ([]*models.Ride, error) {
	return p.listRides(ctx, `status=$1`, models.StatusPending)
}

func (p *PostgresStore) CreateOffer(ctx context.Context, o *models.Offer) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO offers(id, ride_id, driver_id, price, status, offered_at, responded_at)
VALUES($1,$2,$3,$4,$5,$6,$7)`, o.ID, o.RideID, o.DriverID, o.Price, o.Status, o.OfferedAt, o.RespondedAt)
	if err != nil {
		return err
	}
	p.publish(feed.ChangeEvent{Entity: feed.EntityOffer, Type: feed.EventInsert, EntityID: o.ID, NewOffer: o.Clone()})
	return nil
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, ride_id, driver_id, price, status, offered_at, responded_at FROM offers WHERE id=$1`, id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("offer", id)
	}
	return o, err
}

func (p *PostgresStore) UpdateOffer(ctx context.Context, o *models.Offer) error {
	old, err := p.GetOffer(ctx, o.ID)
	if err != nil {
		return err
	}
	if err := execUpdateOffer(ctx, p.db, o); err != nil {
		return err
	}
	p.publish(feed.ChangeEvent{Entity: feed.EntityOffer, Type: feed.EventUpdate, EntityID: o.ID, OldOffer: old, NewOffer: o.Clone()})
	return nil
}

func (p *PostgresStore) listOffers(ctx context.Context, where string, args ...any) ([]*models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, ride_id, driver_id, price, status, offered_at, responded_at FROM offers WHERE `+where+` ORDER BY offered_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListOffersByRide(ctx context.Context, rideID string) ([]*models.Offer, error) {
	return p.listOffers(ctx, `ride_id=$1`, rideID)
}

func (p *PostgresStore) ListOffersByDriver(ctx context.Context, driverID string) ([]*models.Offer, error) {
	return p.listOffers(ctx, `driver_id=$1`, driverID)
}

func (p *PostgresStore) AppendHistory(ctx context.Context, e models.StatusHistoryEntry) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO status_history(ride_id, old_status, new_status, actor, note, at)
VALUES($1,$2,$3,$4,$5,$6)`, e.RideID, e.OldStatus, e.NewStatus, e.Actor, nullStr(e.Note), e.At)
	return err
}

func (p *PostgresStore) HistoryForRide(ctx context.Context, rideID string) ([]models.StatusHistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT ride_id, old_status, new_status, actor, COALESCE(note,''), at FROM status_history WHERE ride_id=$1 ORDER BY at`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.StatusHistoryEntry
	for rows.Next() {
		var e models.StatusHistoryEntry
		if err := rows.Scan(&e.RideID, &e.OldStatus, &e.NewStatus, &e.Actor, &e.Note, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*models.BillingAccount, error) {
	var a models.BillingAccount
	err := p.db.QueryRowContext(ctx, `SELECT id, balance, low_balance_threshold, updated_at FROM billing_accounts WHERE id=$1`, id).
		Scan(&a.ID, &a.Balance, &a.LowBalanceThreshold, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("account", id)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *PostgresStore) PutAccount(ctx context.Context, a *models.BillingAccount) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO billing_accounts(id, balance, low_balance_threshold, updated_at)
VALUES($1,$2,$3,$4) ON CONFLICT (id) DO UPDATE SET balance=$2, low_balance_threshold=$3, updated_at=$4`,
		a.ID, a.Balance, a.LowBalanceThreshold, a.UpdatedAt)
	return err
}

func (p *PostgresStore) DebitForRide(ctx context.Context, accountID, rideID string, amount float64) (*models.LedgerTransaction, bool, error) {
	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer dbtx.Rollback()

	var existing models.LedgerTransaction
	err = dbtx.QueryRowContext(ctx, `SELECT id, account_id, ride_id, type, amount, balance_before, balance_after, at
FROM ledger_transactions WHERE ride_id=$1`, rideID).
		Scan(&existing.ID, &existing.AccountID, &existing.RideID, &existing.Type,
			&existing.Amount, &existing.BalanceBefore, &existing.BalanceAfter, &existing.At)
	if err == nil {
		return &existing, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	var balance, threshold float64
	err = dbtx.QueryRowContext(ctx, `SELECT balance, low_balance_threshold FROM billing_accounts WHERE id=$1 FOR UPDATE`, accountID).
		Scan(&balance, &threshold)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, errs.NotFound("account", accountID)
	}
	if err != nil {
		return nil, false, err
	}

	tx := &models.LedgerTransaction{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		RideID:        rideID,
		Type:          models.LedgerDebit,
		Amount:        amount,
		BalanceBefore: balance,
		BalanceAfter:  balance - amount,
		At:            time.Now().UTC(),
	}
	if _, err := dbtx.ExecContext(ctx, `UPDATE billing_accounts SET balance=$2, updated_at=$3 WHERE id=$1`,
		accountID, tx.BalanceAfter, tx.At); err != nil {
		return nil, false, err
	}
	if _, err := dbtx.ExecContext(ctx, `INSERT INTO ledger_transactions(id, account_id, ride_id, type, amount, balance_before, balance_after, at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		tx.ID, tx.AccountID, tx.RideID, tx.Type, tx.Amount, tx.BalanceBefore, tx.BalanceAfter, tx.At); err != nil {
		return nil, false, err
	}
	if err := dbtx.Commit(); err != nil {
		return nil, false, err
	}
	return tx, false, nil
}

func (p *PostgresStore) LedgerForAccount(ctx context.Context, accountID string) ([]*models.LedgerTransaction, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, account_id, ride_id, type, amount, balance_before, balance_after, at
FROM ledger_transactions WHERE account_id=$1 ORDER BY at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.LedgerTransaction
	for rows.Next() {
		var tx models.LedgerTransaction
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.RideID, &tx.Type, &tx.Amount,
			&tx.BalanceBefore, &tx.BalanceAfter, &tx.At); err != nil {
			return nil, err
		}
		out = append(out, &tx)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var cancelReason, cancelledBy, review, stripeID sql.NullString
	err := row.Scan(&r.ID, &r.RequesterID, &r.DriverID, &r.Status, &r.ServiceType,
		&r.TimingMode, &r.Fare, &r.PaymentMethod, &r.AccountID,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.PickupAddress,
		&r.Dropoff.Lat, &r.Dropoff.Lon, &r.DropoffAddress,
		&r.CreatedAt, &r.UpdatedAt, &r.AcceptedAt, &r.EnRouteAt, &r.ArrivedAt,
		&r.StartedAt, &r.TripCompletedAt, &r.CompletedAt, &r.CancelledAt,
		&cancelReason, &cancelledBy, &r.Rating, &review, &r.RatedAt, &stripeID)
	if err != nil {
		return nil, err
	}
	r.CancellationReason = cancelReason.String
	r.CancelledBy = cancelledBy.String
	r.Review = review.String
	r.StripePaymentID = stripeID.String
	return &r, nil
}

func scanOffer(row rowScanner) (*models.Offer, error) {
	var o models.Offer
	err := row.Scan(&o.ID, &o.RideID, &o.DriverID, &o.Price, &o.Status, &o.OfferedAt, &o.RespondedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

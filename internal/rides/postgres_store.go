package rides

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore implements Store on a rides table. The conditional
// UPDATE carries the whole CAS: status (and driver) guards live in the
// WHERE clause, so concurrent transitions on one ride serialize at the
// row and losers see zero rows updated.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const rideColumns = `id, passenger_id, COALESCE(driver_id, ''), origin_address, origin_lat, origin_lon,
	destination_address, destination_lat, destination_lon, category,
	estimated_price, COALESCE(final_price, 0), status, COALESCE(reason, ''),
	created_at, accepted_at, arriving_at, started_at, completed_at, cancelled_at`

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (id, passenger_id, origin_address, origin_lat, origin_lon,
			destination_address, destination_lat, destination_lon, category,
			estimated_price, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.PassengerID, r.Origin.Address, r.Origin.Lat, r.Origin.Lon,
		r.Destination.Address, r.Destination.Lat, r.Destination.Lon, r.Category,
		int64(r.Estimated), string(r.Status), r.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	return scanRide(row, id)
}

func (p *PostgresStore) Apply(ctx context.Context, rideID string, tr Transition) (*models.Ride, error) {
	query := `
		UPDATE rides SET
			status = $1,
			driver_id = CASE
				WHEN $2 <> '' THEN $2
				WHEN $3 THEN NULL
				ELSE driver_id
			END,
			final_price = CASE WHEN $4 THEN $5 ELSE final_price END,
			reason = CASE WHEN $6 <> '' THEN $6 ELSE reason END,
			accepted_at = CASE WHEN $1 = 'ACCEPTED' THEN $7 ELSE accepted_at END,
			arriving_at = CASE WHEN $1 = 'DRIVER_ARRIVING' THEN $7 ELSE arriving_at END,
			started_at = CASE WHEN $1 = 'IN_PROGRESS' THEN $7 ELSE started_at END,
			completed_at = CASE WHEN $1 = 'COMPLETED' THEN $7 ELSE completed_at END,
			cancelled_at = CASE WHEN $1 = 'CANCELLED' THEN $7 ELSE cancelled_at END
		WHERE id = $8 AND status = $9`
	args := []any{
		string(tr.To), tr.SetDriver, tr.ClearDriver,
		tr.SetFinalPrice, int64(tr.FinalPrice), tr.Reason,
		tr.At, rideID, string(tr.From),
	}
	if tr.RequireUnbound {
		query += ` AND driver_id IS NULL`
	}
	if tr.RequireDriver != "" {
		query += fmt.Sprintf(` AND driver_id = $%d`, len(args)+1)
		args = append(args, tr.RequireDriver)
	}
	query += ` RETURNING ` + rideColumns

	row := p.db.QueryRowContext(ctx, query, args...)
	ride, err := scanRide(row, rideID)
	if err == nil {
		return ride, nil
	}
	if !errors.Is(err, fault.ErrNotFound) {
		return nil, err
	}
	// Zero rows: either the ride does not exist or the CAS lost.
	if _, getErr := p.Get(ctx, rideID); getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("ride %s transition %s->%s: %w", rideID, tr.From, tr.To, fault.ErrConflict)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner, id string) (*models.Ride, error) {
	var r models.Ride
	var estimated, final int64
	var status string
	var acceptedAt, arrivingAt, startedAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.PassengerID, &r.DriverID, &r.Origin.Address, &r.Origin.Lat, &r.Origin.Lon,
		&r.Destination.Address, &r.Destination.Lat, &r.Destination.Lon, &r.Category,
		&estimated, &final, &status, &r.Reason,
		&r.CreatedAt, &acceptedAt, &arrivingAt, &startedAt, &completedAt, &cancelledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ride %s: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	r.Estimated = models.Money(estimated)
	r.FinalPrice = models.Money(final)
	r.Status = models.RideStatus(status)
	if acceptedAt.Valid {
		r.AcceptedAt = acceptedAt.Time
	}
	if arrivingAt.Valid {
		r.ArrivingAt = arrivingAt.Time
	}
	if startedAt.Valid {
		r.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = completedAt.Time
	}
	if cancelledAt.Valid {
		r.CancelledAt = cancelledAt.Time
	}
	return &r, nil
}

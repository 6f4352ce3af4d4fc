package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// uniqueViolation is the Postgres SQLSTATE raised by the partial unique
// indexes on active rides.
const uniqueViolation = "23505"

const rideColumns = `id, requester_id, requester_name, requester_phone, driver_id, origin, destination, distance,
	vehicle_class, payment_method, fare, status, code, code_attempts, cancel_reason, created_at, updated_at`

var activeStatuses = pq.Array([]string{
	string(models.StatusPending), string(models.StatusAccepted), string(models.StatusOngoing),
})

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(s rowScanner) (models.Ride, error) {
	var r models.Ride
	var reason sql.NullString
	err := s.Scan(&r.ID, &r.RequesterID, &r.Requester.Name, &r.Requester.Phone, &r.DriverID,
		&r.Route.Origin, &r.Route.Destination, &r.Route.Distance,
		&r.Class, &r.Payment, &r.Fare, &r.Status, &r.Code, &r.CodeAttempts, &reason,
		&r.CreatedAt, &r.UpdatedAt)
	r.CancelReason = models.CancelReason(reason.String)
	return r, err
}

func (p *PostgresStore) Create(ctx context.Context, r models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NULLIF($15,''),$16,$17)`,
		r.ID, r.RequesterID, r.Requester.Name, r.Requester.Phone, r.DriverID,
		r.Route.Origin, r.Route.Destination, r.Route.Distance,
		string(r.Class), string(r.Payment), r.Fare, string(r.Status), r.Code, r.CodeAttempts, string(r.CancelReason),
		r.CreatedAt, r.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		switch pqErr.Constraint {
		case "rides_active_driver":
			return apperr.Conflict("driver already has an active ride")
		default:
			return apperr.Conflict("requester already has an active ride")
		}
	}
	if err != nil {
		return apperr.Internal(err, "insert ride")
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, apperr.NotFound("ride %s not found", id)
	}
	if err != nil {
		return models.Ride{}, apperr.Internal(err, "get ride")
	}
	return r, nil
}

func (p *PostgresStore) ActiveForRequester(ctx context.Context, requesterID string) (models.Ride, bool, error) {
	return p.activeBy(ctx, "requester_id", requesterID)
}

func (p *PostgresStore) ActiveForDriver(ctx context.Context, driverID string) (models.Ride, bool, error) {
	return p.activeBy(ctx, "driver_id", driverID)
}

// column is always one of the two literals above.
func (p *PostgresStore) activeBy(ctx context.Context, column, id string) (models.Ride, bool, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE `+column+` = $1 AND status = ANY($2) ORDER BY created_at DESC LIMIT 1`,
		id, activeStatuses))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, false, nil
	}
	if err != nil {
		return models.Ride{}, false, apperr.Internal(err, "active ride by %s", column)
	}
	return r, true, nil
}

func (p *PostgresStore) CompareAndSetStatus(ctx context.Context, id string, from, to models.Status, reason models.CancelReason, at time.Time) (models.Ride, error) {
	var reasonArg string
	if to == models.StatusCancelled {
		reasonArg = string(reason)
	}
	r, err := scanRide(p.db.QueryRowContext(ctx, `UPDATE rides
		SET status = $1, cancel_reason = COALESCE(NULLIF($2, ''), cancel_reason), updated_at = $3
		WHERE id = $4 AND status = $5
		RETURNING `+rideColumns,
		string(to), reasonArg, at, id, string(from)))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, apperr.Internal(err, "update ride status")
	}
	cur, err := p.Get(ctx, id)
	if err != nil {
		return models.Ride{}, err
	}
	return models.Ride{}, apperr.InvalidTransition("ride is %s, not %s", cur.Status, from)
}

func (p *PostgresStore) ReserveCodeAttempt(ctx context.Context, id string, max int) (string, error) {
	var code string
	err := p.db.QueryRowContext(ctx,
		`UPDATE rides SET code_attempts = code_attempts + 1
		WHERE id = $1 AND code_attempts < $2 RETURNING code`, id, max).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := p.Get(ctx, id); err != nil {
			return "", err
		}
		return "", apperr.ErrCodeLocked
	}
	if err != nil {
		return "", apperr.Internal(err, "reserve code attempt")
	}
	return code, nil
}

func (p *PostgresStore) ActiveCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM rides WHERE code = $1 AND status = ANY($2))`, code, activeStatuses).Scan(&exists)
	if err != nil {
		return false, apperr.Internal(err, "check active code")
	}
	return exists, nil
}

func (p *PostgresStore) PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Ride, error) {
	return p.list(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE status = 'pending' AND created_at < $1 ORDER BY created_at ASC LIMIT $2`, cutoff, limitOrAll(limit))
}

func (p *PostgresStore) History(ctx context.Context, role models.Role, id string, limit int) ([]models.Ride, error) {
	column := "requester_id"
	if role == models.RoleDriver {
		column = "driver_id"
	}
	return p.list(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE `+column+` = $1 ORDER BY created_at DESC LIMIT $2`, id, limitOrAll(limit))
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal(err, "list rides")
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, apperr.Internal(err, "scan ride")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "list rides")
	}
	return out, nil
}

// limitOrAll maps a non-positive limit to NULL, which LIMIT treats as no limit.
func limitOrAll(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}

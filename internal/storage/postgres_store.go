package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresStore implements TripStore on the trips and trip_rejections tables.
// Accept, Start, Complete and Cancel are single conditional UPDATEs checked by
// affected-row count; transitions that touch the rejection table run in a
// transaction holding the trip row lock.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded migrations in file name order. Every statement
// is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrationFiles.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const tripColumns = `id, rider_id, city, pickup_lat, pickup_lon, pickup_label, dest_lat, dest_lon, dest_label,
	class, distance_m, duration_s, status, assigned_driver, offered_to, quoted_fare, final_fare, commission, tip,
	cancel_reason, cancelled_by, created_at, offered_at, accepted_at, started_at, completed_at, cancelled_at`

func (p *PostgresStore) Create(ctx context.Context, t *models.Trip) (string, error) {
	if t.ID == "" {
		return "", ErrMissingID
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips (id, rider_id, city, pickup_lat, pickup_lon, pickup_label,
		dest_lat, dest_lon, dest_label, class, distance_m, duration_s, status, quoted_fare, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,'pending',$13,$14)`,
		t.ID, t.RiderID, t.City, t.Pickup.Lat, t.Pickup.Lon, t.PickupLabel,
		t.Destination.Lat, t.Destination.Lon, t.DestLabel, string(t.Class),
		t.DistanceM, t.DurationS, t.QuotedFare, t.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return "", ErrAlreadyTaken
		}
		return "", fmt.Errorf("insert trip: %w", err)
	}
	return t.ID, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Trip, error) {
	return loadTrip(ctx, p.db, id, false)
}

func (p *PostgresStore) Offer(ctx context.Context, id string, driverIDs []string, at time.Time) (*models.Trip, error) {
	return p.inTx(ctx, id, func(tx *sql.Tx, t *models.Trip) error {
		if err := checkOffer(t, driverIDs); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE trips SET status = 'offered', offered_at = $2, offered_to = $3 WHERE id = $1`,
			id, at, pq.Array(union(t.OfferedTo, driverIDs)))
		return err
	})
}

func (p *PostgresStore) Accept(ctx context.Context, id, driverID string, at time.Time) (*models.Trip, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET status = 'accepted', assigned_driver = $2, accepted_at = $3
		WHERE id = $1 AND status IN ('pending', 'offered') AND assigned_driver IS NULL
		AND NOT EXISTS (SELECT 1 FROM trip_rejections r WHERE r.trip_id = $1 AND r.driver_id = $2)`,
		id, driverID, at)
	if err != nil {
		return nil, fmt.Errorf("accept trip: %w", err)
	}
	t, err := p.afterCAS(ctx, id, res)
	if errors.Is(err, ErrInvalidTransition) {
		if cerr := checkAccept(t, driverID); cerr != nil {
			return t, cerr
		}
		// the row changed between the UPDATE and the read
		return t, ErrAlreadyTaken
	}
	return t, err
}

func (p *PostgresStore) Reject(ctx context.Context, id, driverID string, at time.Time) (*models.Trip, error) {
	return p.inTx(ctx, id, func(tx *sql.Tx, t *models.Trip) error {
		if !cancellable(t.Status) {
			return ErrInvalidTransition
		}
		if err := insertRejection(ctx, tx, id, driverID, "rejected", at); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE trips SET
			offered_to = array_remove(offered_to, $2),
			status = CASE
				WHEN assigned_driver = $2 THEN 'pending'
				WHEN status = 'offered' AND $2 = ANY(offered_to) THEN 'pending'
				ELSE status END,
			accepted_at = CASE WHEN assigned_driver = $2 THEN NULL ELSE accepted_at END,
			assigned_driver = CASE WHEN assigned_driver = $2 THEN NULL ELSE assigned_driver END
			WHERE id = $1`, id, driverID)
		return err
	})
}

func (p *PostgresStore) Release(ctx context.Context, id string, at time.Time) (*models.Trip, error) {
	return p.inTx(ctx, id, func(tx *sql.Tx, t *models.Trip) error {
		switch t.Status {
		case models.TripPending:
			return nil
		case models.TripOffered:
		default:
			return ErrInvalidTransition
		}
		for _, d := range t.OfferedTo {
			if err := insertRejection(ctx, tx, id, d, "timeout", at); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `UPDATE trips SET status = 'pending', offered_to = '{}' WHERE id = $1`, id)
		return err
	})
}

func (p *PostgresStore) Start(ctx context.Context, id, driverID string, at time.Time) (*models.Trip, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET status = 'in_progress', started_at = $3
		WHERE id = $1 AND status = 'accepted' AND assigned_driver = $2`, id, driverID, at)
	if err != nil {
		return nil, fmt.Errorf("start trip: %w", err)
	}
	return p.afterCAS(ctx, id, res)
}

func (p *PostgresStore) Complete(ctx context.Context, id, driverID string, s models.Settlement, at time.Time) (*models.Trip, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET status = 'completed', final_fare = $3, commission = $4,
		distance_m = $5, duration_s = $6, completed_at = $7
		WHERE id = $1 AND status = 'in_progress' AND assigned_driver = $2`,
		id, driverID, s.Fare, s.Commission, s.DistanceM, s.DurationS, at)
	if err != nil {
		return nil, fmt.Errorf("complete trip: %w", err)
	}
	return p.afterCAS(ctx, id, res)
}

func (p *PostgresStore) Cancel(ctx context.Context, id, actor, reason string, at time.Time) (*models.Trip, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET status = 'cancelled', assigned_driver = NULL,
		cancelled_by = $2, cancel_reason = $3, cancelled_at = $4
		WHERE id = $1 AND status IN ('pending', 'offered', 'accepted')`, id, actor, reason, at)
	if err != nil {
		return nil, fmt.Errorf("cancel trip: %w", err)
	}
	return p.afterCAS(ctx, id, res)
}

func (p *PostgresStore) CountPending(ctx context.Context, city string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM trips WHERE city = $1 AND status IN ('pending', 'offered')`, city).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListOpen(ctx context.Context) ([]*models.Trip, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+tripColumns+` FROM trips
		WHERE status IN ('pending', 'offered') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list open trips: %w", err)
	}
	defer rows.Close()
	var out []*models.Trip
	byID := make(map[string]*models.Trip)
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		byID[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(out))
	for _, t := range out {
		ids = append(ids, t.ID)
	}
	rrows, err := p.db.QueryContext(ctx, `SELECT trip_id, driver_id FROM trip_rejections
		WHERE trip_id = ANY($1) ORDER BY rejected_at, driver_id`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("list rejections: %w", err)
	}
	defer rrows.Close()
	for rrows.Next() {
		var tripID, driverID string
		if err := rrows.Scan(&tripID, &driverID); err != nil {
			return nil, err
		}
		if t := byID[tripID]; t != nil {
			t.Rejected = append(t.Rejected, driverID)
		}
	}
	return out, rrows.Err()
}

// afterCAS reloads the trip after a conditional UPDATE. Zero affected rows
// means the trip is missing or not in the required state.
func (p *PostgresStore) afterCAS(ctx context.Context, id string, res sql.Result) (*models.Trip, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	t, err := loadTrip(ctx, p.db, id, false)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return t, ErrInvalidTransition
	}
	return t, nil
}

// inTx locks the trip row, hands the current state to fn and commits when fn
// succeeds. The returned trip is re-read inside the transaction.
func (p *PostgresStore) inTx(ctx context.Context, id string, fn func(tx *sql.Tx, t *models.Trip) error) (*models.Trip, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := loadTrip(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if err := fn(tx, t); err != nil {
		return t, err
	}
	after, err := loadTrip(ctx, tx, id, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return after, nil
}

func insertRejection(ctx context.Context, q queryer, tripID, driverID, reason string, at time.Time) error {
	_, err := q.ExecContext(ctx, `INSERT INTO trip_rejections (trip_id, driver_id, reason, rejected_at)
		VALUES ($1, $2, $3, $4) ON CONFLICT (trip_id, driver_id) DO NOTHING`, tripID, driverID, reason, at)
	return err
}

func loadTrip(ctx context.Context, q queryer, id string, forUpdate bool) (*models.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	t, err := scanTrip(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load trip: %w", err)
	}

	rows, err := q.QueryContext(ctx, `SELECT driver_id FROM trip_rejections WHERE trip_id = $1 ORDER BY rejected_at, driver_id`, id)
	if err != nil {
		return nil, fmt.Errorf("load rejections: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		t.Rejected = append(t.Rejected, d)
	}
	return t, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrip(row scanner) (*models.Trip, error) {
	var (
		t                                models.Trip
		class, status                    string
		distance, duration               sql.NullFloat64
		quoted, final, commission        sql.NullFloat64
		assigned                         sql.NullString
		offeredTo                        pq.StringArray
		offeredAt, acceptedAt, startedAt sql.NullTime
		completedAt, cancelledAt         sql.NullTime
	)
	err := row.Scan(&t.ID, &t.RiderID, &t.City, &t.Pickup.Lat, &t.Pickup.Lon, &t.PickupLabel,
		&t.Destination.Lat, &t.Destination.Lon, &t.DestLabel,
		&class, &distance, &duration, &status, &assigned, &offeredTo, &quoted, &final, &commission, &t.Tip,
		&t.CancelReason, &t.CancelledBy, &t.CreatedAt, &offeredAt, &acceptedAt, &startedAt, &completedAt, &cancelledAt)
	if err != nil {
		return nil, err
	}
	t.Class = models.CarClass(class)
	t.Status = models.TripStatus(status)
	t.DistanceM = nullFloat(distance)
	t.DurationS = nullFloat(duration)
	t.QuotedFare = nullFloat(quoted)
	t.FinalFare = nullFloat(final)
	t.Commission = nullFloat(commission)
	if assigned.Valid {
		t.AssignedDriver = &assigned.String
	}
	if len(offeredTo) > 0 {
		t.OfferedTo = []string(offeredTo)
	}
	t.OfferedAt = nullTime(offeredAt)
	t.AcceptedAt = nullTime(acceptedAt)
	t.StartedAt = nullTime(startedAt)
	t.CompletedAt = nullTime(completedAt)
	t.CancelledAt = nullTime(cancelledAt)
	return &t, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

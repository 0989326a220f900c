package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore implements RequestStore on a transactional SQL database.
// Row locks (SELECT ... FOR UPDATE) make read-validate-write atomic; change
// events ride on LISTEN/NOTIFY from a trigger in migrations/001_init.sql.
type PostgresStore struct {
	db  *sql.DB
	dsn string
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db, dsn: dsn}, nil
}

const requestColumns = `id, kind, rider_id,
	pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, pickup_addr, dropoff_addr,
	vehicle_type, target_driver_id, target_expires,
	status, version, driver_id, driver_name, driver_vehicle, driver_rating,
	fare_cents, payment_ref,
	created_at, accepted_at, arrived_at, started_at, completed_at, cancelled_at,
	cancel_reason`

func (p *PostgresStore) Create(ctx context.Context, r *models.Request) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)`,
		r.ID, string(r.Kind), r.RiderID,
		r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon, r.PickupAddr, r.DropoffAddr,
		r.VehicleType, nullStr(r.TargetDriverID), nullTime(&r.TargetExpires),
		string(r.Status), r.Version, nullStr(r.DriverID), nullStr(r.Driver.Name), nullStr(r.Driver.Vehicle), r.Driver.Rating,
		r.FareCents, nullStr(r.PaymentRef),
		r.CreatedAt, r.AcceptedAt, r.ArrivedAt, r.StartedAt, r.CompletedAt, r.CancelledAt,
		nullStr(r.CancelReason),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Request, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
	return scanRequest(row)
}

func (p *PostgresStore) Open(ctx context.Context, vehicleType string) ([]*models.Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE status = $1 AND vehicle_type = $2
		ORDER BY created_at`, string(models.StatusSearching), vehicleType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type pgTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *pgTx) Get(id string) (*models.Request, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1 FOR UPDATE`, id)
	return scanRequest(row)
}

func (t *pgTx) Put(r *models.Request) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE requests SET
			status = $2,
			version = version + 1,
			target_driver_id = $3,
			target_expires = $4,
			driver_id = $5, driver_name = $6, driver_vehicle = $7, driver_rating = $8,
			payment_ref = $9,
			accepted_at = $10, arrived_at = $11, started_at = $12, completed_at = $13, cancelled_at = $14,
			cancel_reason = $15
		WHERE id = $1`,
		r.ID, string(r.Status),
		nullStr(r.TargetDriverID), nullTime(&r.TargetExpires),
		nullStr(r.DriverID), nullStr(r.Driver.Name), nullStr(r.Driver.Vehicle), r.Driver.Rating,
		nullStr(r.PaymentRef),
		r.AcceptedAt, r.ArrivedAt, r.StartedAt, r.CompletedAt, r.CancelledAt,
		nullStr(r.CancelReason),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) CreditDriver(driverID string, amountCents int64) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO driver_ledger (driver_id, balance_cents, trips)
		VALUES ($1, $2, 1)
		ON CONFLICT (driver_id)
		DO UPDATE SET balance_cents = driver_ledger.balance_cents + $2,
		              trips = driver_ledger.trips + 1`,
		driverID, amountCents)
	return err
}

// RunTx retries on serialization and deadlock failures a bounded number of
// times; anything else, including errors from fn, aborts immediately.
func (p *PostgresStore) RunTx(ctx context.Context, fn func(Tx) error) error {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
			_ = tx.Rollback()
			if retryable(err) {
				lastErr = err
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if retryable(err) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return errors.Join(ErrConflict, lastErr)
}

func retryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func (p *PostgresStore) DriverLedger(ctx context.Context, driverID string) (Ledger, error) {
	l := Ledger{DriverID: driverID}
	err := p.db.QueryRowContext(ctx,
		`SELECT balance_cents, trips FROM driver_ledger WHERE driver_id = $1`, driverID).
		Scan(&l.BalanceCents, &l.Trips)
	if errors.Is(err, sql.ErrNoRows) {
		return l, nil
	}
	return l, err
}

// Watch listens on the request_events channel populated by the table trigger.
// Payloads look like "id|STATUS|version".
func (p *PostgresStore) Watch(ctx context.Context) (<-chan Event, error) {
	listener := pq.NewListener(p.dsn, 2*time.Second, time.Minute, nil)
	if err := listener.Listen("request_events"); err != nil {
		_ = listener.Close()
		return nil, err
	}

	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				if n == nil {
					// reconnect; consumers recompute periodically anyway
					continue
				}
				if e, ok := parseEvent(n.Extra); ok {
					select {
					case ch <- e:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

func parseEvent(payload string) (Event, bool) {
	parts := strings.SplitN(payload, "|", 3)
	if len(parts) != 3 {
		return Event{}, false
	}
	v, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Event{}, false
	}
	return Event{RequestID: parts[0], Status: models.Status(parts[1]), Version: v}, true
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.Request, error) {
	var r models.Request
	var kind, status string
	var targetDriver, driverID, driverName, driverVehicle, paymentRef, cancelReason sql.NullString
	var targetExpires, acceptedAt, arrivedAt, startedAt, completedAt, cancelledAt sql.NullTime

	err := row.Scan(
		&r.ID, &kind, &r.RiderID,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon, &r.PickupAddr, &r.DropoffAddr,
		&r.VehicleType, &targetDriver, &targetExpires,
		&status, &r.Version, &driverID, &driverName, &driverVehicle, &r.Driver.Rating,
		&r.FareCents, &paymentRef,
		&r.CreatedAt, &acceptedAt, &arrivedAt, &startedAt, &completedAt, &cancelledAt,
		&cancelReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.Kind = models.RequestKind(kind)
	r.Status = models.Status(status)
	r.TargetDriverID = targetDriver.String
	if targetExpires.Valid {
		r.TargetExpires = targetExpires.Time
	}
	r.DriverID = driverID.String
	r.Driver.Name = driverName.String
	r.Driver.Vehicle = driverVehicle.String
	r.PaymentRef = paymentRef.String
	r.AcceptedAt = timePtr(acceptedAt)
	r.ArrivedAt = timePtr(arrivedAt)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cancelledAt)
	r.CancelReason = cancelReason.String
	return &r, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

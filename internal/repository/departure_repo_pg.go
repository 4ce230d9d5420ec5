package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/bookingengine/internal/domain"
	"github.com/Domenick1991/bookingengine/internal/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const departureColumns = `id, product_id, label, starts_at, ends_at, status, created_at, updated_at`

const resourceColumns = `departure_id, resource_id, resource_type, catalog_item_id,
	total_capacity, available, held, booked, price_override, currency`

type PGDepartureRepository struct {
	tx *TxManager
}

func NewDepartureRepository(db *pgxpool.Pool) *PGDepartureRepository {
	return &PGDepartureRepository{tx: NewTxManager(db)}
}

func (r *PGDepartureRepository) Create(ctx context.Context, d *domain.Departure) error {
	return r.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		db := r.tx.conn(ctx)
		if _, err := db.Exec(ctx, `INSERT INTO departures (`+departureColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			d.ID, d.ProductID, d.Label, d.StartsAt, d.EndsAt, d.Status, d.CreatedAt, d.UpdatedAt); err != nil {
			return fmt.Errorf("insert departure: %w", err)
		}

		for i, res := range d.Resources {
			if _, err := db.Exec(ctx, `INSERT INTO departure_resources (`+resourceColumns+`, position)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				d.ID, res.ID, res.Type, res.CatalogItemID,
				res.Total, res.Available, res.Held, res.Booked, res.PriceOverride, res.Currency, i); err != nil {
				return fmt.Errorf("insert resource %s: %w", res.ID, err)
			}
		}
		return nil
	})
}

func (r *PGDepartureRepository) GetByID(ctx context.Context, id string) (*domain.Departure, error) {
	db := r.tx.conn(ctx)
	row := db.QueryRow(ctx, `SELECT `+departureColumns+` FROM departures WHERE id=$1`, id)
	d, err := scanDeparture(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, departureNotFound(id)
		}
		return nil, fmt.Errorf("get departure: %w", err)
	}

	resources, err := r.loadResources(ctx, db, []string{id})
	if err != nil {
		return nil, err
	}
	d.Resources = resources[id]
	return d, nil
}

func (r *PGDepartureRepository) List(ctx context.Context, filter domain.DepartureFilter) ([]domain.Departure, error) {
	db := r.tx.conn(ctx)
	rows, err := db.Query(ctx, `SELECT `+departureColumns+` FROM departures
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR product_id = $2)
		ORDER BY starts_at, id`, string(filter.Status), filter.ProductID)
	if err != nil {
		return nil, fmt.Errorf("list departures: %w", err)
	}
	defer rows.Close()

	departures := make([]domain.Departure, 0)
	ids := make([]string, 0)
	for rows.Next() {
		d, err := scanDeparture(rows)
		if err != nil {
			return nil, err
		}
		departures = append(departures, *d)
		ids = append(ids, d.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return departures, nil
	}

	resources, err := r.loadResources(ctx, db, ids)
	if err != nil {
		return nil, err
	}
	for i := range departures {
		departures[i].Resources = resources[departures[i].ID]
	}
	return departures, nil
}

func (r *PGDepartureRepository) Update(ctx context.Context, id string, update domain.DepartureUpdate, at time.Time) (*domain.Departure, error) {
	var updated *domain.Departure
	err := r.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		d, err := r.lock(ctx, id)
		if err != nil {
			return err
		}
		if d.Status.Terminal() {
			return domain.NewError(domain.KindInvalidState, "departure %s is %s", id, d.Status)
		}
		if err := applyDepartureUpdate(d, update, at); err != nil {
			return err
		}

		db := r.tx.conn(ctx)
		if _, err := db.Exec(ctx, `UPDATE departures SET label=$2, starts_at=$3, ends_at=$4, updated_at=$5 WHERE id=$1`,
			d.ID, d.Label, d.StartsAt, d.EndsAt, d.UpdatedAt); err != nil {
			return fmt.Errorf("update departure: %w", err)
		}
		for _, ru := range update.Resources {
			res, _ := d.Resource(ru.ResourceID)
			if _, err := db.Exec(ctx, `UPDATE departure_resources SET price_override=$3, currency=$4
				WHERE departure_id=$1 AND resource_id=$2`, d.ID, res.ID, res.PriceOverride, res.Currency); err != nil {
				return fmt.Errorf("update resource %s: %w", res.ID, err)
			}
		}
		updated = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PGDepartureRepository) TransitionStatus(ctx context.Context, id string, from []domain.DepartureStatus, to domain.DepartureStatus, at time.Time) (*domain.Departure, error) {
	var updated *domain.Departure
	err := r.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		d, err := r.lock(ctx, id)
		if err != nil {
			return err
		}
		if !departureStatusAllowed(d.Status, from) {
			return domain.NewError(domain.KindInvalidState, "departure %s is %s, cannot become %s", id, d.Status, to)
		}
		if _, err := r.tx.conn(ctx).Exec(ctx, `UPDATE departures SET status=$2, updated_at=$3 WHERE id=$1`, id, to, at); err != nil {
			return fmt.Errorf("update departure status: %w", err)
		}
		d.Status = to
		d.UpdatedAt = at
		updated = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PGDepartureRepository) DeleteDraft(ctx context.Context, id string) error {
	db := r.tx.conn(ctx)
	cmd, err := db.Exec(ctx, `DELETE FROM departures WHERE id=$1 AND status=$2`, id, domain.DepartureStatusDraft)
	if err != nil {
		return fmt.Errorf("delete departure: %w", err)
	}
	if cmd.RowsAffected() == 1 {
		return nil
	}

	var status domain.DepartureStatus
	if err := db.QueryRow(ctx, `SELECT status FROM departures WHERE id=$1`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return departureNotFound(id)
		}
		return fmt.Errorf("get departure status: %w", err)
	}
	return domain.NewError(domain.KindInvalidState, "departure %s is %s, only drafts can be deleted", id, status)
}

// TryReserve is a single conditional UPDATE: the guard and the mutation
// are evaluated by Postgres as one statement under the row lock.
func (r *PGDepartureRepository) TryReserve(ctx context.Context, departureID, resourceID string, qty int) (bool, error) {
	if qty <= 0 {
		return false, nil
	}
	db := r.tx.conn(ctx)
	cmd, err := db.Exec(ctx, `UPDATE departure_resources
		SET available = available - $3, held = held + $3
		WHERE departure_id=$1 AND resource_id=$2 AND available >= $3`, departureID, resourceID, qty)
	if err != nil {
		return false, fmt.Errorf("reserve capacity: %w", err)
	}
	if cmd.RowsAffected() == 1 {
		return true, nil
	}
	if err := r.resourceExists(ctx, db, departureID, resourceID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *PGDepartureRepository) Settle(ctx context.Context, departureID, resourceID string, qty int, from, to ledger.Bucket) error {
	if !from.Valid() || !to.Valid() || from == to {
		return fmt.Errorf("settle %s->%s: invalid buckets", from, to)
	}
	if qty <= 0 {
		return fmt.Errorf("settle %s->%s: quantity must be positive", from, to)
	}

	// Bucket names are validated above, so interpolating them is safe.
	db := r.tx.conn(ctx)
	cmd, err := db.Exec(ctx, fmt.Sprintf(`UPDATE departure_resources
		SET %[1]s = %[1]s - $3, %[2]s = %[2]s + $3
		WHERE departure_id=$1 AND resource_id=$2 AND %[1]s >= $3`, from, to), departureID, resourceID, qty)
	if err != nil {
		return fmt.Errorf("settle capacity: %w", err)
	}
	if cmd.RowsAffected() == 1 {
		return nil
	}
	if err := r.resourceExists(ctx, db, departureID, resourceID); err != nil {
		return err
	}
	return fmt.Errorf("settle %d %s->%s on %s/%s: %w", qty, from, to, departureID, resourceID, ledger.ErrInvariant)
}

func (r *PGDepartureRepository) CheckConsistency(ctx context.Context) ([]domain.CapacityViolation, error) {
	rows, err := r.tx.conn(ctx).Query(ctx, `SELECT departure_id, resource_id, total_capacity, available, held, booked
		FROM departure_resources
		WHERE available < 0 OR held < 0 OR booked < 0 OR available + held + booked <> total_capacity`)
	if err != nil {
		return nil, fmt.Errorf("check consistency: %w", err)
	}
	defer rows.Close()

	var violations []domain.CapacityViolation
	for rows.Next() {
		var v domain.CapacityViolation
		if err := rows.Scan(&v.DepartureID, &v.ResourceID, &v.Counters.Total, &v.Counters.Available, &v.Counters.Held, &v.Counters.Booked); err != nil {
			return nil, err
		}
		v.Err = v.Counters.Check()
		violations = append(violations, v)
	}
	return violations, rows.Err()
}

func (r *PGDepartureRepository) lock(ctx context.Context, id string) (*domain.Departure, error) {
	db := r.tx.conn(ctx)
	d, err := scanDeparture(db.QueryRow(ctx, `SELECT `+departureColumns+` FROM departures WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, departureNotFound(id)
		}
		return nil, fmt.Errorf("lock departure: %w", err)
	}
	resources, err := r.loadResources(ctx, db, []string{id})
	if err != nil {
		return nil, err
	}
	d.Resources = resources[id]
	return d, nil
}

func (r *PGDepartureRepository) resourceExists(ctx context.Context, db executor, departureID, resourceID string) error {
	var exists bool
	if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM departure_resources WHERE departure_id=$1 AND resource_id=$2)`,
		departureID, resourceID).Scan(&exists); err != nil {
		return fmt.Errorf("check resource: %w", err)
	}
	if !exists {
		return resourceNotFound(departureID, resourceID)
	}
	return nil
}

func (r *PGDepartureRepository) loadResources(ctx context.Context, db executor, ids []string) (map[string][]domain.ResourceCapacity, error) {
	rows, err := db.Query(ctx, `SELECT `+resourceColumns+` FROM departure_resources
		WHERE departure_id = ANY($1) ORDER BY departure_id, position`, ids)
	if err != nil {
		return nil, fmt.Errorf("load resources: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.ResourceCapacity, len(ids))
	for rows.Next() {
		var (
			departureID string
			res         domain.ResourceCapacity
		)
		if err := rows.Scan(&departureID, &res.ID, &res.Type, &res.CatalogItemID,
			&res.Total, &res.Available, &res.Held, &res.Booked, &res.PriceOverride, &res.Currency); err != nil {
			return nil, err
		}
		out[departureID] = append(out[departureID], res)
	}
	return out, rows.Err()
}

func scanDeparture(row pgx.Row) (*domain.Departure, error) {
	var d domain.Departure
	if err := row.Scan(&d.ID, &d.ProductID, &d.Label, &d.StartsAt, &d.EndsAt, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

var _ DepartureRepository = (*PGDepartureRepository)(nil)

package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/Domenick1991/bookingengine/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const bookingColumns = `id, departure_id, resource_id, customer_id, quantity, unit_price, total_price, currency,
	status, hold_expires_at, order_id, confirmed_at, cancelled_at, cancellation_reason, created_at, updated_at`

type PGBookingRepository struct {
	tx *TxManager
}

func NewBookingRepository(db *pgxpool.Pool) *PGBookingRepository {
	return &PGBookingRepository{tx: NewTxManager(db)}
}

func (r *PGBookingRepository) Create(ctx context.Context, b *domain.Booking) error {
	if _, err := r.tx.conn(ctx).Exec(ctx, `INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		b.ID, b.DepartureID, b.ResourceID, b.CustomerID, b.Quantity, b.UnitPrice, b.TotalPrice, b.Currency,
		b.Status, b.HoldExpiresAt, b.OrderID, b.ConfirmedAt, b.CancelledAt, b.CancellationReason, b.CreatedAt, b.UpdatedAt); err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (r *PGBookingRepository) GetByID(ctx context.Context, id string) (*domain.Booking, error) {
	b, err := scanBooking(r.tx.conn(ctx).QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, bookingNotFound(id)
		}
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

func (r *PGBookingRepository) List(ctx context.Context, filter domain.BookingFilter) ([]domain.Booking, error) {
	limit := any(nil)
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	rows, err := r.tx.conn(ctx).Query(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE ($1 = '' OR departure_id = $1)
		  AND ($2 = '' OR resource_id = $2)
		  AND ($3 = '' OR customer_id = $3)
		  AND ($4 = '' OR status = $4)
		ORDER BY created_at, id
		LIMIT $5 OFFSET $6`,
		filter.DepartureID, filter.ResourceID, filter.CustomerID, string(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer rows.Close()

	bookings := make([]domain.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, *b)
	}
	return bookings, rows.Err()
}

// Transition locks the row, checks the source status and writes the new
// state in one transaction, so racing confirm/cancel/expire calls on the
// same booking serialise and only the first applicable one wins.
func (r *PGBookingRepository) Transition(ctx context.Context, id string, tr domain.BookingTransition) (*domain.Booking, domain.BookingStatus, error) {
	var (
		updated  *domain.Booking
		previous domain.BookingStatus
	)
	err := r.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		db := r.tx.conn(ctx)
		b, err := scanBooking(db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=$1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return bookingNotFound(id)
			}
			return fmt.Errorf("lock booking: %w", err)
		}
		if !tr.Allows(b.Status) {
			return domain.NewError(domain.KindInvalidTransition, "booking %s is %s, cannot become %s", id, b.Status, tr.To)
		}

		previous = b.Status
		tr.Apply(b)
		cmd, err := db.Exec(ctx, `UPDATE bookings
			SET status=$3, hold_expires_at=$4, order_id=$5, confirmed_at=$6, cancelled_at=$7,
			    cancellation_reason=$8, updated_at=$9
			WHERE id=$1 AND status=$2`,
			id, previous, b.Status, b.HoldExpiresAt, b.OrderID, b.ConfirmedAt, b.CancelledAt, b.CancellationReason, b.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update booking: %w", err)
		}
		if cmd.RowsAffected() == 0 {
			return domain.NewError(domain.KindInvalidTransition, "booking %s changed concurrently", id)
		}
		updated = b
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return updated, previous, nil
}

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var b domain.Booking
	if err := row.Scan(&b.ID, &b.DepartureID, &b.ResourceID, &b.CustomerID, &b.Quantity, &b.UnitPrice, &b.TotalPrice, &b.Currency,
		&b.Status, &b.HoldExpiresAt, &b.OrderID, &b.ConfirmedAt, &b.CancelledAt, &b.CancellationReason, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

var _ BookingRepository = (*PGBookingRepository)(nil)

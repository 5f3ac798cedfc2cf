package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
	domain "github.com/Zhima-Mochi/offramp-settlement/internal/domain/webhook"
)

type DeliveryRepository struct {
	pool *pgxpool.Pool
}

var _ domain.Repository = (*DeliveryRepository)(nil)

func NewDeliveryRepository(pool *pgxpool.Pool) *DeliveryRepository {
	return &DeliveryRepository{pool: pool}
}

const deliveryColumns = `id, provider, payload, last_error, attempts, received_at, updated_at, resolved_at`

func (r *DeliveryRepository) Save(ctx context.Context, d *domain.Delivery) error {
	payload := d.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := r.pool.Exec(ctx, `
        INSERT INTO webhook_deliveries (`+deliveryColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (id) DO UPDATE
           SET last_error = EXCLUDED.last_error,
               attempts = EXCLUDED.attempts,
               updated_at = EXCLUDED.updated_at,
               resolved_at = EXCLUDED.resolved_at`,
		d.ID, string(d.Provider), payload, d.LastError, d.Attempts, d.ReceivedAt, d.UpdatedAt, d.ResolvedAt)
	if err != nil {
		return fmt.Errorf("delivery repository: save: %w", err)
	}
	return nil
}

func (r *DeliveryRepository) Get(ctx context.Context, id string) (*domain.Delivery, error) {
	d, err := scanDelivery(r.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return d, err
}

func (r *DeliveryRepository) ListUnresolved(ctx context.Context, limit int) ([]*domain.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
        SELECT `+deliveryColumns+`
          FROM webhook_deliveries
         WHERE resolved_at IS NULL
         ORDER BY received_at
         LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("delivery repository: list: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Delivery, 0)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *DeliveryRepository) MarkAttempt(ctx context.Context, id string, lastErr string, at time.Time) error {
	return r.exec(ctx, "mark attempt", `
        UPDATE webhook_deliveries
           SET attempts = attempts + 1, last_error = $2, updated_at = $3
         WHERE id = $1`, id, lastErr, at)
}

func (r *DeliveryRepository) MarkResolved(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "mark resolved", `
        UPDATE webhook_deliveries
           SET resolved_at = $2, updated_at = $2
         WHERE id = $1`, id, at)
}

func (r *DeliveryRepository) exec(ctx context.Context, op, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("delivery repository: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanDelivery(row pgx.Row) (*domain.Delivery, error) {
	var (
		d        domain.Delivery
		provider string
	)
	err := row.Scan(&d.ID, &provider, &d.Payload, &d.LastError, &d.Attempts, &d.ReceivedAt, &d.UpdatedAt, &d.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("delivery repository: scan: %w", err)
	}
	d.Provider = domorder.Provider(provider)
	return &d, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	domain "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
)

type OrderRepository struct {
	pool *pgxpool.Pool
}

var _ domain.Repository = (*OrderRepository)(nil)

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

const orderColumns = `id, provider, provider_order_id,
    source_amount::text, net_amount::text, fee_amount::text, local_amount::text, local_currency,
    destination, deposit_address, expires_at, status, provider_raw_status,
    poll_attempt_count, last_polled_at, created_at, updated_at, completed_at, settlement_receipt_id`

func (r *OrderRepository) Insert(ctx context.Context, o *domain.Order, initial *domain.StatusEvent) error {
	dest, err := json.Marshal(o.Destination)
	if err != nil {
		return fmt.Errorf("order repository: encode destination: %w", err)
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
            INSERT INTO offramp_orders (
                id, provider, provider_order_id,
                source_amount, net_amount, fee_amount, local_amount, local_currency,
                destination, deposit_address, expires_at, status, provider_raw_status,
                poll_attempt_count, last_polled_at, created_at, updated_at, completed_at, settlement_receipt_id
            ) VALUES ($1,$2,$3,$4::numeric,$5::numeric,$6::numeric,$7::numeric,$8,$9::jsonb,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
			o.ID, string(o.Provider), o.ProviderOrderID,
			o.SourceAmount.String(), o.NetAmount.String(), o.FeeAmount.String(), o.LocalAmount.String(), string(o.LocalCurrency),
			string(dest), o.DepositAddress, o.ExpiresAt, string(o.Status), o.ProviderRawStatus,
			o.PollAttemptCount, o.LastPolledAt, o.CreatedAt, o.UpdatedAt, o.CompletedAt, o.SettlementReceiptID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrConflict
			}
			return fmt.Errorf("order repository: insert: %w", err)
		}
		if initial != nil {
			return insertEvent(ctx, tx, initial)
		}
		return nil
	})
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*domain.Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM offramp_orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (r *OrderRepository) GetByProviderOrderID(ctx context.Context, provider domain.Provider, providerOrderID string) (*domain.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM offramp_orders WHERE provider = $1 AND provider_order_id = $2`,
		string(provider), providerOrderID)
	return scanOrder(row)
}

// CommitTransition is the compare-and-swap on status: the UPDATE matches only
// while the row is still in t.From, and the event insert shares its tx.
func (r *OrderRepository) CommitTransition(ctx context.Context, t domain.Transition) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
            UPDATE offramp_orders
               SET status = $3,
                   provider_raw_status = $4,
                   updated_at = $5,
                   completed_at = COALESCE($6, completed_at),
                   settlement_receipt_id = CASE
                       WHEN $8::boolean THEN ''
                       WHEN $7::text = '' THEN settlement_receipt_id
                       ELSE $7::text END
             WHERE id = $1 AND status = $2`,
			t.OrderID, string(t.From), string(t.To), t.RawStatus, t.At, t.CompletedAt, t.ReceiptID, t.ClearReceipt,
		)
		if err != nil {
			return fmt.Errorf("order repository: commit transition: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM offramp_orders WHERE id = $1)`, t.OrderID).Scan(&exists); err != nil {
				return fmt.Errorf("order repository: commit transition: %w", err)
			}
			if !exists {
				return domain.ErrNotFound
			}
			return domain.ErrConflict
		}
		return insertEvent(ctx, tx, t.Event)
	})
}

func (r *OrderRepository) AppendEvent(ctx context.Context, e *domain.StatusEvent) error {
	err := insertEvent(ctx, r.pool, e)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return domain.ErrNotFound
	}
	return err
}

func (r *OrderRepository) RecordPollAttempt(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
        UPDATE offramp_orders
           SET poll_attempt_count = poll_attempt_count + 1, last_polled_at = $2
         WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("order repository: record poll attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *OrderRepository) Events(ctx context.Context, orderID string) ([]*domain.StatusEvent, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM offramp_orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("order repository: events: %w", err)
	}
	if !exists {
		return nil, domain.ErrNotFound
	}

	rows, err := r.pool.Query(ctx, `
        SELECT id, order_id, provider, provider_order_id, source, raw_status, canonical_status,
               observed_at, recorded_at, applied, reason, external_event_id
          FROM order_status_events
         WHERE order_id = $1
         ORDER BY seq`, orderID)
	if err != nil {
		return nil, fmt.Errorf("order repository: events: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.StatusEvent, 0)
	for rows.Next() {
		var (
			e                           domain.StatusEvent
			provider, source, canonical string
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &provider, &e.ProviderOrderID, &source, &e.RawStatus, &canonical,
			&e.ObservedAt, &e.RecordedAt, &e.Applied, &e.Reason, &e.ExternalEventID); err != nil {
			return nil, fmt.Errorf("order repository: scan event: %w", err)
		}
		e.Provider = domain.Provider(provider)
		e.Source = domain.Source(source)
		e.Canonical = domain.Status(canonical)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *OrderRepository) EventSeen(ctx context.Context, provider domain.Provider, externalEventID string) (bool, error) {
	if externalEventID == "" {
		return false, nil
	}
	var seen bool
	err := r.pool.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM order_status_events WHERE provider = $1 AND external_event_id = $2
        )`, string(provider), externalEventID).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("order repository: event seen: %w", err)
	}
	return seen, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertEvent(ctx context.Context, db execer, e *domain.StatusEvent) error {
	if e == nil || e.OrderID == "" {
		return errors.New("order repository: event order id is required")
	}
	_, err := db.Exec(ctx, `
        INSERT INTO order_status_events (
            id, order_id, provider, provider_order_id, source, raw_status, canonical_status,
            observed_at, recorded_at, applied, reason, external_event_id
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		e.ID, e.OrderID, string(e.Provider), e.ProviderOrderID, string(e.Source), e.RawStatus, string(e.Canonical),
		e.ObservedAt, e.RecordedAt, e.Applied, e.Reason, e.ExternalEventID,
	)
	if err != nil {
		return fmt.Errorf("order repository: append event: %w", err)
	}
	return nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o                          domain.Order
		provider, currency, status string
		source, net, fee, local    string
		dest                       []byte
	)
	err := row.Scan(&o.ID, &provider, &o.ProviderOrderID,
		&source, &net, &fee, &local, &currency,
		&dest, &o.DepositAddress, &o.ExpiresAt, &status, &o.ProviderRawStatus,
		&o.PollAttemptCount, &o.LastPolledAt, &o.CreatedAt, &o.UpdatedAt, &o.CompletedAt, &o.SettlementReceiptID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("order repository: scan: %w", err)
	}
	o.Provider = domain.Provider(provider)
	o.LocalCurrency = domain.Currency(currency)
	o.Status = domain.Status(status)
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&o.SourceAmount, source}, {&o.NetAmount, net}, {&o.FeeAmount, fee}, {&o.LocalAmount, local}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("order repository: decode amount %q: %w", f.src, err)
		}
	}
	if err := json.Unmarshal(dest, &o.Destination); err != nil {
		return nil, fmt.Errorf("order repository: decode destination: %w", err)
	}
	return &o, nil
}

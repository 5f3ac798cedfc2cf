package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/Zhima-Mochi/offramp-settlement/internal/domain/wallet"
)

type WalletRepository struct {
	pool *pgxpool.Pool
}

var _ domain.Repository = (*WalletRepository)(nil)

func NewWalletRepository(pool *pgxpool.Pool) *WalletRepository {
	return &WalletRepository{pool: pool}
}

// Ensure creates the (user, platform) row if missing and never touches an
// existing assignment.
func (r *WalletRepository) Ensure(ctx context.Context, userID, platform string) error {
	if userID == "" || platform == "" {
		return domain.ErrInvalidKey
	}
	_, err := r.pool.Exec(ctx, `
        INSERT INTO wallet_assignments (user_id, platform)
        VALUES ($1, $2)
        ON CONFLICT (user_id, platform) DO NOTHING`, userID, platform)
	if err != nil {
		return fmt.Errorf("wallet repository: ensure: %w", err)
	}
	return nil
}

func (r *WalletRepository) Get(ctx context.Context, userID, platform string) (*domain.Assignment, error) {
	var (
		a                 domain.Assignment
		address, resource *string
	)
	err := r.pool.QueryRow(ctx, `
        SELECT user_id, platform, assigned_address, external_resource_id, created_at, assigned_at
          FROM wallet_assignments
         WHERE user_id = $1 AND platform = $2`, userID, platform,
	).Scan(&a.UserID, &a.Platform, &address, &resource, &a.CreatedAt, &a.AssignedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("wallet repository: get: %w", err)
	}
	if address != nil {
		a.Address = *address
	}
	if resource != nil {
		a.ExternalResourceID = *resource
	}
	return &a, nil
}

// AssignIfEmpty reports whether this call won the assignment. Zero rows
// affected means another writer got there first.
func (r *WalletRepository) AssignIfEmpty(ctx context.Context, userID, platform string, p domain.Provisioned) (bool, error) {
	if p.Address == "" {
		return false, domain.ErrInvalidAddress
	}
	tag, err := r.pool.Exec(ctx, `
        UPDATE wallet_assignments
           SET assigned_address = $3, external_resource_id = $4, assigned_at = NOW()
         WHERE user_id = $1 AND platform = $2 AND assigned_address IS NULL`,
		userID, platform, p.Address, p.ResourceID)
	if err != nil {
		return false, fmt.Errorf("wallet repository: assign: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

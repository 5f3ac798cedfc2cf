package memory

import (
	"context"
	"sync"
	"time"

	domain "github.com/Zhima-Mochi/offramp-settlement/internal/domain/wallet"
)

type WalletRepository struct {
	mu    sync.Mutex
	items map[string]*domain.Assignment
}

func NewWalletRepository() *WalletRepository {
	return &WalletRepository{items: make(map[string]*domain.Assignment)}
}

func walletKey(userID, platform string) string { return userID + "\x00" + platform }

func (r *WalletRepository) Ensure(ctx context.Context, userID, platform string) error {
	_ = ctx
	if userID == "" || platform == "" {
		return domain.ErrInvalidKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := walletKey(userID, platform)
	if _, ok := r.items[key]; !ok {
		r.items[key] = &domain.Assignment{
			UserID:    userID,
			Platform:  platform,
			CreatedAt: time.Now().UTC(),
		}
	}
	return nil
}

func (r *WalletRepository) Get(ctx context.Context, userID, platform string) (*domain.Assignment, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.items[walletKey(userID, platform)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneAssignment(a), nil
}

func (r *WalletRepository) AssignIfEmpty(ctx context.Context, userID, platform string, p domain.Provisioned) (bool, error) {
	_ = ctx
	if p.Address == "" {
		return false, domain.ErrInvalidAddress
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.items[walletKey(userID, platform)]
	if !ok {
		return false, domain.ErrNotFound
	}
	if a.Address != "" {
		return false, nil
	}
	now := time.Now().UTC()
	a.Address = p.Address
	a.ExternalResourceID = p.ResourceID
	a.AssignedAt = &now
	return true, nil
}

func cloneAssignment(a *domain.Assignment) *domain.Assignment {
	if a == nil {
		return nil
	}
	clone := *a
	if a.AssignedAt != nil {
		at := *a.AssignedAt
		clone.AssignedAt = &at
	}
	return &clone
}

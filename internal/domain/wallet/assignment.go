package wallet

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("wallet: assignment not found")
	ErrInvalidKey     = errors.New("wallet: user id and platform are required")
	ErrInvalidAddress = errors.New("wallet: provisioned address is empty")
)

// Assignment is the one deposit address per (user, platform). Address stays
// empty until provisioned and is never reassigned afterwards.
type Assignment struct {
	UserID             string
	Platform           string
	Address            string
	ExternalResourceID string
	CreatedAt          time.Time
	AssignedAt         *time.Time
}

func (a *Assignment) Assigned() bool { return a != nil && a.Address != "" }

// Provisioned is what an upstream address provider returns.
type Provisioned struct {
	Address    string
	ResourceID string
}

type Repository interface {
	// Ensure creates the row for the key if missing and never touches the
	// address of an existing row.
	Ensure(ctx context.Context, userID, platform string) error
	Get(ctx context.Context, userID, platform string) (*Assignment, error)
	// AssignIfEmpty writes the address only while it is still unset and
	// reports whether this call won.
	AssignIfEmpty(ctx context.Context, userID, platform string, p Provisioned) (bool, error)
}

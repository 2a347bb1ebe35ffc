// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/pattadon/promochat/internal/domain"
)

// Repository defines the interface for persisting chat sessions, users and
// the credit-card promotion reference table.
//
// Lookups return errors classified under errdefs.ErrNotFound when the keyed
// record does not exist.
type Repository interface {
	// CreateSession inserts a new session and assigns it the next
	// sequential ID. The session's ID field is populated on return.
	CreateSession(ctx context.Context, session *domain.ChatSession) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id int64) (*domain.ChatSession, error)

	// UpdateSession persists the full current state of a session.
	UpdateSession(ctx context.Context, session *domain.ChatSession) error

	// DeleteSession removes a session.
	DeleteSession(ctx context.Context, id int64) error

	// ListSessionsByUser retrieves all sessions for a user, oldest first.
	ListSessionsByUser(ctx context.Context, userID int64) ([]*domain.ChatSession, error)

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id int64) (*domain.User, error)

	// ListUsers retrieves all users ordered by ID.
	ListUsers(ctx context.Context) ([]*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// GetCreditCard retrieves a credit-card reference record by card name.
	GetCreditCard(ctx context.Context, name string) (*domain.CreditCard, error)

	// UpsertCreditCard creates or updates a credit-card reference record.
	UpsertCreditCard(ctx context.Context, card *domain.CreditCard) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

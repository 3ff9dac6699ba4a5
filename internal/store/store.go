// Package store persists events and actions as individually addressable
// records. Writes are whole-record overwrites; read-modify-write goes through
// the Update methods, which serialize per record so concurrent verifiers and
// concurrently completing actions cannot lose updates.
package store

import (
	"context"

	"github.com/SPRIME01/homelab-infra/internal/model"
)

// Store is the durable record store for events and actions.
//
// Get methods return an error wrapping model.ErrNotFound for unknown ids.
// Update methods apply the mutate function under a per-record lock and
// persist the result; an error from mutate aborts the update and is returned
// unchanged, which is how status compare-and-swap failures surface as
// model.ErrInvalidState.
type Store interface {
	PutEvent(ctx context.Context, event *model.Event) error
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	UpdateEvent(ctx context.Context, id string, mutate func(*model.Event) error) (*model.Event, error)
	ListEvents(ctx context.Context) ([]*model.Event, error)
	DeleteEvent(ctx context.Context, id string) error

	PutAction(ctx context.Context, action *model.ActionRecord) error
	GetAction(ctx context.Context, id string) (*model.ActionRecord, error)
	UpdateAction(ctx context.Context, id string, mutate func(*model.ActionRecord) error) (*model.ActionRecord, error)
	ListActions(ctx context.Context) ([]*model.ActionRecord, error)
	// ListPendingActions returns actions awaiting human verification:
	// status pending with requires_verification set.
	ListPendingActions(ctx context.Context) ([]*model.ActionRecord, error)
	DeleteAction(ctx context.Context, id string) error

	Close() error
}

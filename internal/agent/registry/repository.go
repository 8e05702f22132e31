package registry

import (
	"context"
	"time"
)

// Repository defines agent storage operations.
type Repository interface {
	// Upsert inserts or updates an agent registration. On update the
	// available capacity is clamped into [0, capacity].
	Upsert(ctx context.Context, agent *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	List(ctx context.Context) ([]*Agent, error)
	Delete(ctx context.Context, id string) error

	// ListEligible returns online agents with free capacity for a role.
	ListEligible(ctx context.Context, ownerRole string) ([]*Agent, error)

	// ConsumeCapacity atomically decrements available_capacity when positive.
	ConsumeCapacity(ctx context.Context, id string) (bool, error)
	// RestoreCapacity increments available_capacity, bounded by capacity.
	RestoreCapacity(ctx context.Context, id string) error

	// ResetWindowIfElapsed rolls the completion window forward when a minute
	// has passed since completion_window_start.
	ResetWindowIfElapsed(ctx context.Context, id string, now time.Time) error
	// IncrementCompletion counts a completion in the active window,
	// resetting the window first when elapsed.
	IncrementCompletion(ctx context.Context, id string, now time.Time) error

	Close() error
}

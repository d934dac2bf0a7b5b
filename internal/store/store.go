// Package store persists derived states and the objects that hold them.
package store

import (
	"context"

	"github.com/rendis/deriva/pkg/schema"
)

// Store defines the state store contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// GetState returns the current state of id, or (nil, nil) when absent.
	GetState(ctx context.Context, id string) (*schema.State, error)
	// SetState writes a state and notifies subscribers of id.
	SetState(ctx context.Context, id string, st schema.State) error

	// Objects
	GetObject(ctx context.Context, id string) (*schema.ObjectSpec, error)
	EnsureObject(ctx context.Context, spec schema.ObjectSpec) error

	// Subscribe delivers changes of the given ids until cancel is called.
	Subscribe(ctx context.Context, ids []string) (<-chan schema.StateChange, func(), error)

	Close() error
}

// RunRecorder is implemented by stores that keep a history of scheduler runs.
type RunRecorder interface {
	AppendRun(ctx context.Context, run schema.RunDiagnostics) error
	RecentRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)
}

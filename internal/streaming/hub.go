// Package streaming fans state changes out to subscribers.
package streaming

import (
	"context"

	"github.com/rendis/deriva/pkg/schema"
)

// ChangeFilter selects which state changes a subscriber receives.
// An empty filter matches everything; IDs and Prefix are alternatives.
type ChangeFilter struct {
	IDs    []string `json:"ids,omitempty"`
	Prefix string   `json:"prefix,omitempty"`
}

// Hub provides pub/sub for state change notifications.
type Hub interface {
	Publish(ctx context.Context, change schema.StateChange) error
	Subscribe(ctx context.Context, filter ChangeFilter) (<-chan schema.StateChange, func(), error)
}

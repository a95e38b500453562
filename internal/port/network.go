package port

import (
	"context"

	"github.com/vertextoedge/offline-sync/internal/domain"
)

// NetworkStatus reports connectivity and notifies on change
type NetworkStatus interface {
	IsConnected() bool
	ConnectionType() domain.ConnectionType

	// Condition returns the current link type, strength and metered flag
	Condition(ctx context.Context) (domain.NetworkCondition, error)

	// Subscribe registers fn for condition changes
	Subscribe(fn func(domain.NetworkCondition)) (unsubscribe func())
}

package profile

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/corralhq/corral/pkg/types"
)

// Driver is the opaque capability that knows how to manage the physical
// resource behind a node. Implementations live outside the core; the
// engine only calls through this interface.
type Driver interface {
	// Create provisions the backing resource and returns its physical id
	Create(ctx context.Context, n *types.Node) (string, error)
	Delete(ctx context.Context, n *types.Node) error
	Update(ctx context.Context, n *types.Node, newProfileID string) error
	Check(ctx context.Context, n *types.Node) error
	// Recover repairs or recreates the resource; a non-empty return value
	// replaces the node's physical id
	Recover(ctx context.Context, n *types.Node, params types.RecoverParams) (string, error)
	Join(ctx context.Context, n *types.Node, clusterID string) error
	Leave(ctx context.Context, n *types.Node) error
	// Operation runs a driver-specific operation (reboot, snapshot, ...)
	Operation(ctx context.Context, n *types.Node, op string, params map[string]string) error
}

// Registry resolves a profile id to its driver. Profile ids are of the
// form "<type>.<name>"; the type selects the driver, with an optional
// fallback for unprefixed ids.
type Registry struct {
	mu       sync.RWMutex
	drivers  map[string]Driver
	fallback Driver
}

// NewRegistry creates an empty driver registry
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register binds a profile type to a driver
func (r *Registry) Register(profileType string, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[profileType] = d
}

// SetFallback sets the driver used when a profile id has no registered type
func (r *Registry) SetFallback(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = d
}

// DriverFor resolves the driver for a profile id
func (r *Registry) DriverFor(profileID string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := strings.IndexByte(profileID, '.'); i > 0 {
		if d, ok := r.drivers[profileID[:i]]; ok {
			return d, nil
		}
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("no profile driver for '%s'", profileID)
}

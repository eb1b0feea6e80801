package server

import (
	"context"
	"fmt"
)

// pingable is satisfied by every dependency client that exposes a
// reachability probe: the state store, the object store, the search index,
// and the task broker.
type pingable interface {
	Ping(ctx context.Context) error
}

// depPinger adapts a dependency's Ping method to the Pinger interface with a
// stable label for readiness responses.
type depPinger struct {
	// name identifies the dependency (e.g. "state", "object-store", "index").
	name string
	// dep is the probed client.
	dep pingable
}

// NewPinger wraps dep as a named readiness probe for GET /ready.
func NewPinger(name string, dep pingable) Pinger {
	return &depPinger{name: name, dep: dep}
}

// Name returns the dependency label used in readiness responses.
func (p *depPinger) Name() string { return p.name }

// Ping delegates to the dependency's own probe.
func (p *depPinger) Ping(ctx context.Context) error {
	if err := p.dep.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// Package app wires application components and startup helpers.
package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface a Broker Gateway connection must
// satisfy for a readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessCheck returns a readiness closure pinging the broker
// connection. The worker has no other external dependency to probe.
func BuildReadinessCheck(broker Pinger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if broker == nil {
			return fmt.Errorf("broker not configured")
		}
		return broker.Ping(ctx)
	}
}

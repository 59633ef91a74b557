package observability

import (
	"time"

	"github.com/sony/gobreaker"
)

// NewPoolCircuitBreaker builds a gobreaker.CircuitBreaker tuned for the
// Resource Injector's external proxy/credential pool calls: trips after
// 5 consecutive failures, half-opens after 30s to probe recovery.
func NewPoolCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

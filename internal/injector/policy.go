// Package injector implements the Resource Injector (spec.md §4.2):
// proxy/credential selection by task-type policy, EWMA quality tracking,
// and periodic expiry cleanup.
package injector

import (
	"time"

	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/domain"
)

// TaskPolicy is the task-type-driven selection policy spec.md §4.2
// describes: which proxy quality tier to draw from, whether the bound
// credential must be fresh, and the per-task timeout before clamping.
type TaskPolicy struct {
	ProxyQuality           domain.ProxyQuality
	RequireFreshCredential bool
	Timeout                time.Duration
}

var taskTypePolicies = map[string]TaskPolicy{
	"1m_realtime":  {domain.ProxyQualityHigh, true, 5 * time.Second},
	"5m_realtime":  {domain.ProxyQualityHigh, true, 10 * time.Second},
	"15m_realtime": {domain.ProxyQualityMedium, true, 15 * time.Second},
	"15m_backfill": {domain.ProxyQualityMedium, false, 30 * time.Second},
	"1d_backfill":  {domain.ProxyQualityLow, false, 60 * time.Second},
}

// defaultPolicy applies to any task_type not in the table above.
var defaultPolicy = TaskPolicy{domain.ProxyQualityMedium, false, 30 * time.Second}

// PolicyFor returns the selection policy for a task type.
func PolicyFor(taskType string) TaskPolicy {
	if p, ok := taskTypePolicies[taskType]; ok {
		return p
	}
	return defaultPolicy
}

// ClampDefaultTimeout enforces the [5s, 45s] hard cap that applies when
// the handler uses the default per-task timeout path (spec.md §4.3).
func ClampDefaultTimeout(d time.Duration) time.Duration {
	if d < 5*time.Second {
		return 5 * time.Second
	}
	if d > 45*time.Second {
		return 45 * time.Second
	}
	return d
}

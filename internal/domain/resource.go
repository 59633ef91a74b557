package domain

import "time"

// ProxyQuality is the selection tier requested by a task-type policy.
type ProxyQuality string

const (
	ProxyQualityHigh   ProxyQuality = "HIGH"
	ProxyQualityMedium ProxyQuality = "MEDIUM"
	ProxyQualityLow    ProxyQuality = "LOW"
)

// ProxyResource is a cached proxy endpoint with EWMA-tracked quality.
type ProxyResource struct {
	ProxyID         string       `json:"proxy_id"`
	Endpoint        string       `json:"endpoint"`
	Credentials     string       `json:"credentials,omitempty"`
	Market          string       `json:"market"`
	Quality         ProxyQuality `json:"quality"`
	QualityScore    float64      `json:"quality_score"`
	SuccessRate     float64      `json:"success_rate"`
	AvgResponseTime float64      `json:"avg_response_time"` // seconds, EWMA
	LastUsed        time.Time    `json:"last_used"`
	seeded          bool
}

// Score is the proxy selection key: success_rate - avg_response_time/1000,
// monotone in both quality signals per spec.md §4.2.
func (p ProxyResource) Score() float64 {
	return p.SuccessRate - p.AvgResponseTime/1000
}

// CredentialResource is a cached session credential (cookies/tokens).
type CredentialResource struct {
	CredentialID  string            `json:"credential_id"`
	Data          map[string]string `json:"data"`
	Market        string            `json:"market"`
	Domain        string            `json:"domain,omitempty"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	SuccessRate   float64           `json:"success_rate"`
	LastValidated time.Time         `json:"last_validated"`
	seeded        bool
}

// Fresh reports whether the credential was validated within window.
func (c CredentialResource) Fresh(now time.Time, window time.Duration) bool {
	return now.Sub(c.LastValidated) <= window
}

// Expired reports whether the credential's expiry has passed.
func (c CredentialResource) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// ApplyOutcome updates a proxy's EWMA quality signals per spec.md §4.2 /
// the corrected semantics locked in §9: decay applies on every outcome,
// the +0.1 additive only on success, and avg_response_time updates only
// on success.
func (p *ProxyResource) ApplyOutcome(success bool, responseTime float64) {
	if !p.seeded {
		p.SuccessRate = boolToFloat(success)
		if success {
			p.AvgResponseTime = responseTime
		}
		p.seeded = true
		p.LastUsed = time.Now()
		return
	}
	p.SuccessRate = 0.9*p.SuccessRate + 0.1*boolToFloat(success)
	if success {
		p.AvgResponseTime = 0.8*p.AvgResponseTime + 0.2*responseTime
	}
	p.LastUsed = time.Now()
}

// ApplyOutcome updates a credential's EWMA success rate. On success,
// LastValidated is refreshed to now.
func (c *CredentialResource) ApplyOutcome(success bool, now time.Time) {
	if !c.seeded {
		c.SuccessRate = boolToFloat(success)
		c.seeded = true
	} else {
		c.SuccessRate = 0.9*c.SuccessRate + 0.1*boolToFloat(success)
	}
	if success {
		c.LastValidated = now
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// InjectionContext is the per-task binding produced by the Resource
// Injector and handed to the handler. Either resource pointer may be
// nil; the handler decides whether a nil credential is fatal.
type InjectionContext struct {
	Task       Task
	Proxy      *ProxyResource
	Credential *CredentialResource
	Headers    map[string]string
	Timeout    time.Duration
}

// WorkerConfig is the static, process-wide configuration for a Task
// Consumer, published as the worker:{worker_id} registration snapshot.
type WorkerConfig struct {
	WorkerID            string
	MaxConcurrentTasks  int
	TaskTimeout         time.Duration
	SupportedTaskTypes  []string
	SupportedMarkets    []string
	QueuePriorities     []Priority
	DequeueBlockTimeout time.Duration
	HeartbeatInterval   time.Duration
	DeadlineScanInterval time.Duration
}

// DefaultWorkerConfig returns spec.md's named defaults: 5 concurrent
// tasks, a 5s dequeue block timeout, 30s heartbeat, 10s deadline scan.
func DefaultWorkerConfig(workerID string) WorkerConfig {
	return WorkerConfig{
		WorkerID:             workerID,
		MaxConcurrentTasks:   5,
		TaskTimeout:          30 * time.Second,
		SupportedTaskTypes:   nil,
		SupportedMarkets:     nil,
		QueuePriorities:      Priorities,
		DequeueBlockTimeout:  5 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		DeadlineScanInterval: 10 * time.Second,
	}
}

// WorkerStats is the live counters snapshot published to
// worker_status:{worker_id}.
type WorkerStats struct {
	Consumed     int64      `json:"consumed"`
	Successful   int64      `json:"successful"`
	Failed       int64      `json:"failed"`
	Timeout      int64      `json:"timeout"`
	Retry        int64      `json:"retry"`
	StartTime    time.Time  `json:"start_time"`
	LastTaskTime *time.Time `json:"last_task_time,omitempty"`
}

// WorkerStatusSnapshot is the full worker_status:{worker_id} payload.
type WorkerStatusSnapshot struct {
	Running     bool        `json:"running"`
	ActiveTasks int         `json:"active_tasks"`
	Stats       WorkerStats `json:"stats"`
	ReportedAt  time.Time   `json:"reported_at"`
}

// WorkerRegistration is the static worker:{worker_id} snapshot.
type WorkerRegistration struct {
	WorkerID           string     `json:"worker_id"`
	MaxConcurrentTasks int        `json:"max_concurrent_tasks"`
	TaskTimeoutSeconds float64    `json:"task_timeout_seconds"`
	SupportedTaskTypes []string   `json:"supported_task_types"`
	SupportedMarkets   []string   `json:"supported_markets"`
	QueuePriorities    []Priority `json:"queue_priorities"`
	RegisteredAt       time.Time  `json:"registered_at"`
}

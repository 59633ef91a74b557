package config

import "github.com/cenwei/saturn-mousehunter-crawler-service/internal/domain"

// GetRetryConfig projects the env-parsed retry fields into the domain's
// RetryConfig, the normative formula carrier used by the consumer.
func (c Config) GetRetryConfig() domain.RetryConfig {
	return domain.RetryConfig{
		MaxRetries:        c.RetryMaxRetries,
		TransientBaseStep: c.RetryTransientBaseStep,
		TransientMaxDelay: c.RetryTransientMaxDelay,
		TimeoutDelay:      c.RetryTimeoutDelay,
		FilterRejectDelay: c.RetryFilterRejectDelay,
	}
}

// GetWorkerConfig projects the env-parsed consumer fields into the
// domain's WorkerConfig.
func (c Config) GetWorkerConfig(workerID string) domain.WorkerConfig {
	return domain.WorkerConfig{
		WorkerID:             workerID,
		MaxConcurrentTasks:   c.ConsumerMaxConcurrentTasks,
		TaskTimeout:          c.ConsumerTaskTimeout,
		SupportedTaskTypes:   c.SupportedTaskTypes,
		SupportedMarkets:     c.SupportedMarkets,
		QueuePriorities:      domain.Priorities,
		DequeueBlockTimeout:  c.ConsumerDequeueBlockTimeout,
		HeartbeatInterval:    c.ConsumerHeartbeatInterval,
		DeadlineScanInterval: c.ConsumerDeadlineScanEvery,
	}
}

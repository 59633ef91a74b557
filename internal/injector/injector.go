package injector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/adapter/observability"
	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/domain"
)

// reportPoolSizes refreshes the per-market pool-size gauges. Callers
// already hold inj.mu, so this only reads the maps, never locks itself.
func (inj *Injector) reportPoolSizes(market string) {
	var proxyCount int
	for key, bucket := range inj.proxies {
		if len(key) >= len(market) && key[:len(market)] == market {
			proxyCount += len(bucket)
		}
	}
	observability.ProxyPoolSize.WithLabelValues(market).Set(float64(proxyCount))
	observability.CredentialPoolSize.WithLabelValues(market).Set(float64(len(inj.credentials[market])))
}

// Config tunes pool freshness and concurrency caps (spec.md §4.2, §5).
type Config struct {
	ProxyIdleExpiry           time.Duration
	CredentialFreshnessWindow time.Duration
	NoProxyConcurrencyCap     int
	WithProxyConcurrencyCap   int
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
}

// Injector is the Resource Injector (spec.md §4.2). It owns in-process
// proxy/credential pools keyed by market, draws from an external pool
// client when a bucket is empty, and tracks EWMA quality signals via
// domain.ProxyResource.ApplyOutcome / domain.CredentialResource.ApplyOutcome.
//
// Per spec.md §5, these pools are single-writer within a worker process,
// so a plain mutex is enough; there is no cross-worker coordination here.
type Injector struct {
	cfg Config

	mu          sync.Mutex
	proxies     map[string][]*domain.ProxyResource // key: market|quality
	credentials map[string][]*domain.CredentialResource // key: market

	proxyPool      ProxyPoolClient
	credentialPool CredentialPoolClient

	proxyBreaker *gobreaker.CircuitBreaker
	credBreaker  *gobreaker.CircuitBreaker
}

// New constructs an Injector. Pass NoProxyPool{}/NoCredentialPool{} when
// a deployment has no external pool backend configured.
func New(cfg Config, proxyPool ProxyPoolClient, credentialPool CredentialPoolClient) *Injector {
	if proxyPool == nil {
		proxyPool = NoProxyPool{}
	}
	if credentialPool == nil {
		credentialPool = NoCredentialPool{}
	}
	return &Injector{
		cfg:            cfg,
		proxies:        make(map[string][]*domain.ProxyResource),
		credentials:    make(map[string][]*domain.CredentialResource),
		proxyPool:      proxyPool,
		credentialPool: credentialPool,
		proxyBreaker:   observability.NewPoolCircuitBreaker("injector.proxy_pool"),
		credBreaker:    observability.NewPoolCircuitBreaker("injector.credential_pool"),
	}
}

func proxyBucketKey(market string, quality domain.ProxyQuality) string {
	return market + "|" + string(quality)
}

// Prepare selects a proxy/credential pair for task per its task-type
// policy and composes the outbound headers. Either resource pointer in
// the returned InjectionContext may be nil when no resource is
// available; Prepare does not validate the task and always returns a nil
// error.
func (inj *Injector) Prepare(ctx context.Context, task domain.Task) (domain.InjectionContext, error) {
	policy := PolicyFor(task.TaskType)

	proxy := inj.selectProxy(ctx, task.Market, policy.ProxyQuality)
	cred := inj.selectCredential(ctx, task.Market, policy.RequireFreshCredential)

	return domain.InjectionContext{
		Task:       task,
		Proxy:      proxy,
		Credential: cred,
		Headers:    composeHeaders(task, cred),
		Timeout:    policy.Timeout,
	}, nil
}

// composeHeaders builds the outbound header set per spec.md §4.2: a
// referer derived from the market, a rotating user agent, task
// correlation headers, and the bound credential's data folded into a
// cookie header when present.
func composeHeaders(task domain.Task, cred *domain.CredentialResource) map[string]string {
	h := map[string]string{
		"Referer":      fmt.Sprintf("https://quote.%s.example/", task.Market),
		"User-Agent":   userAgents[len(task.TaskID)%len(userAgents)],
		"X-Task-Id":    task.TaskID,
		"X-Task-Type":  task.TaskType,
		"X-Market":     task.Market,
	}
	if cred != nil && len(cred.Data) > 0 {
		cookie := ""
		for k, v := range cred.Data {
			if cookie != "" {
				cookie += "; "
			}
			cookie += k + "=" + v
		}
		h["Cookie"] = cookie
	}
	return h
}

// selectProxy returns the highest-scoring proxy in the (market, quality)
// bucket, ties broken by most-recently-used, fetching
// from the external pool when the bucket is empty. Returns nil when no
// proxy resource is available.
func (inj *Injector) selectProxy(ctx context.Context, market string, quality domain.ProxyQuality) *domain.ProxyResource {
	key := proxyBucketKey(market, quality)

	inj.mu.Lock()
	bucket := inj.proxies[key]
	best := bestProxy(bucket)
	inj.mu.Unlock()
	if best != nil {
		return best
	}

	fetched, err := inj.fetchProxy(ctx, market, quality)
	if err != nil {
		return nil
	}
	inj.mu.Lock()
	inj.proxies[key] = append(inj.proxies[key], fetched)
	inj.reportPoolSizes(market)
	inj.mu.Unlock()
	return fetched
}

func bestProxy(bucket []*domain.ProxyResource) *domain.ProxyResource {
	var best *domain.ProxyResource
	for _, p := range bucket {
		if best == nil {
			best = p
			continue
		}
		if p.Score() > best.Score() || (p.Score() == best.Score() && p.LastUsed.After(best.LastUsed)) {
			best = p
		}
	}
	return best
}

func (inj *Injector) fetchProxy(ctx context.Context, market string, quality domain.ProxyQuality) (*domain.ProxyResource, error) {
	result, err := inj.proxyBreaker.Execute(func() (interface{}, error) {
		var r domain.ProxyResource
		op := func() error {
			fetched, ferr := inj.proxyPool.FetchProxy(ctx, market, quality)
			if ferr != nil {
				return ferr
			}
			r = fetched
			return nil
		}
		bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
		if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
			return nil, err
		}
		return &r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=injector.fetchProxy: %w", err)
	}
	return result.(*domain.ProxyResource), nil
}

// selectCredential returns a usable credential from the market's pool,
// dropping expired entries and skipping stale ones when freshness is
// required, fetching from the external pool on an empty/stale bucket.
func (inj *Injector) selectCredential(ctx context.Context, market string, requireFresh bool) *domain.CredentialResource {
	now := time.Now()

	inj.mu.Lock()
	bucket := inj.credentials[market]
	kept := bucket[:0]
	for _, c := range bucket {
		if !c.Expired(now) {
			kept = append(kept, c)
		}
	}
	inj.credentials[market] = kept

	var best *domain.CredentialResource
	for _, c := range kept {
		if requireFresh && !c.Fresh(now, inj.cfg.CredentialFreshnessWindow) {
			continue
		}
		if best == nil || c.SuccessRate > best.SuccessRate {
			best = c
		}
	}
	inj.mu.Unlock()
	if best != nil {
		return best
	}

	fetched, err := inj.fetchCredential(ctx, market)
	if err != nil {
		return nil
	}
	inj.mu.Lock()
	inj.credentials[market] = append(inj.credentials[market], fetched)
	inj.reportPoolSizes(market)
	inj.mu.Unlock()
	return fetched
}

func (inj *Injector) fetchCredential(ctx context.Context, market string) (*domain.CredentialResource, error) {
	result, err := inj.credBreaker.Execute(func() (interface{}, error) {
		var r domain.CredentialResource
		op := func() error {
			fetched, ferr := inj.credentialPool.FetchCredential(ctx, market)
			if ferr != nil {
				return ferr
			}
			r = fetched
			return nil
		}
		bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
		if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
			return nil, err
		}
		return &r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=injector.fetchCredential: %w", err)
	}
	return result.(*domain.CredentialResource), nil
}

// ReportOutcome feeds a task's result back into the bound resources'
// EWMA signals. It mutates the pointers already stored in the pool, so
// no map write-back is needed.
func (inj *Injector) ReportOutcome(ctx context.Context, injCtx domain.InjectionContext, success bool, responseTime time.Duration) error {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	if injCtx.Proxy != nil {
		injCtx.Proxy.ApplyOutcome(success, responseTime.Seconds())
	}
	if injCtx.Credential != nil {
		injCtx.Credential.ApplyOutcome(success, time.Now())
	}
	return nil
}

// CleanupExpired drops proxies idle longer than ProxyIdleExpiry and
// credentials past their expiry, per spec.md §4.2's periodic sweep.
func (inj *Injector) CleanupExpired(ctx context.Context) {
	now := time.Now()
	inj.mu.Lock()
	defer inj.mu.Unlock()

	for key, bucket := range inj.proxies {
		kept := bucket[:0]
		for _, p := range bucket {
			if now.Sub(p.LastUsed) <= inj.cfg.ProxyIdleExpiry {
				kept = append(kept, p)
			}
		}
		inj.proxies[key] = kept
	}
	for market, bucket := range inj.credentials {
		kept := bucket[:0]
		for _, c := range bucket {
			if !c.Expired(now) {
				kept = append(kept, c)
			}
		}
		inj.credentials[market] = kept
		inj.reportPoolSizes(market)
	}
}

// ConcurrencyCap returns the semaphore size a handler should use for a
// task depending on whether a proxy was bound: 20 with proxy, 5 without
// (spec.md §4.3).
func (cfg Config) ConcurrencyCap(hasProxy bool) int {
	if hasProxy {
		return cfg.WithProxyConcurrencyCap
	}
	return cfg.NoProxyConcurrencyCap
}

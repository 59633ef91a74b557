// Package autoscaler implements the external Autoscaler (spec.md §4.6):
// a separate-process poll loop that observes per-queue depth and drives
// worker Deployment replica counts under cooldown and min/max guards.
// It shares no state with any worker; its only shared dependency is the
// Broker Gateway it reads depths from and the Orchestrator it writes
// replicas through (spec.md §9: "Autoscaler observes Broker but does not
// share state with workers").
package autoscaler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/adapter/observability"
	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/config"
	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/domain"
)

// Action is the scaling decision classification (spec.md §4.6 step 2).
type Action string

const (
	ActionScaleUp   Action = "SCALE_UP"
	ActionScaleDown Action = "SCALE_DOWN"
	ActionNoAction  Action = "NO_ACTION"
)

// Decision is one deployment's evaluated scaling decision for one tick,
// useful for tests and logging.
type Decision struct {
	Deployment  string
	TotalDepth  int64
	Current     int32
	Target      int32
	Action      Action
	OnCooldown  bool
}

// Autoscaler polls queue depths and applies scaling decisions.
type Autoscaler struct {
	broker       domain.Broker
	orchestrator domain.Orchestrator
	deployments  []config.DeploymentConfig
	cooldown     time.Duration

	mu            sync.Mutex
	lastScaleTime map[string]time.Time
}

// New constructs an Autoscaler over the static deployment table loaded
// by config.LoadDeploymentTable.
func New(broker domain.Broker, orchestrator domain.Orchestrator, deployments []config.DeploymentConfig, cooldown time.Duration) *Autoscaler {
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}
	return &Autoscaler{
		broker:        broker,
		orchestrator:  orchestrator,
		deployments:   deployments,
		cooldown:      cooldown,
		lastScaleTime: make(map[string]time.Time),
	}
}

// Run polls every interval until ctx is cancelled.
func (a *Autoscaler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick evaluates and applies a scaling decision for every configured
// deployment once. Errors reading one deployment's depth or orchestrator
// state are logged and the tick continues to the next deployment
// (spec.md §6.4: "must tolerate transient errors... without corrupting
// its cooldown map").
func (a *Autoscaler) Tick(ctx context.Context) []Decision {
	decisions := make([]Decision, 0, len(a.deployments))
	for _, dep := range a.deployments {
		d, err := a.evaluate(ctx, dep)
		if err != nil {
			slog.Warn("autoscaler: tick failed for deployment", slog.String("deployment", dep.Name), slog.Any("error", err))
			continue
		}
		decisions = append(decisions, d)
	}
	return decisions
}

func (a *Autoscaler) totalDepth(ctx context.Context, dep config.DeploymentConfig) (int64, error) {
	var total int64
	for _, q := range dep.QueueNames {
		depth, err := a.broker.QueueDepth(ctx, q)
		if err != nil {
			return 0, fmt.Errorf("op=autoscaler.totalDepth: queue=%s: %w", q, err)
		}
		total += depth
	}
	return total, nil
}

func (a *Autoscaler) evaluate(ctx context.Context, dep config.DeploymentConfig) (Decision, error) {
	totalDepth, err := a.totalDepth(ctx, dep)
	if err != nil {
		return Decision{}, err
	}

	current, err := a.orchestrator.ReadDeployment(ctx, dep.Name, dep.Namespace)
	if err != nil {
		return Decision{}, fmt.Errorf("op=autoscaler.evaluate: %w", err)
	}

	action, target := decide(dep, totalDepth, current)

	onCooldown := a.onCooldown(dep.Name)
	if onCooldown {
		action = ActionNoAction
		target = current
	}

	d := Decision{Deployment: dep.Name, TotalDepth: totalDepth, Current: current, Target: target, Action: action, OnCooldown: onCooldown}

	observability.AutoscalerReplicas.WithLabelValues(dep.Name).Set(float64(current))
	observability.AutoscalerScaleActionsTotal.WithLabelValues(dep.Name, string(action)).Inc()

	if action != ActionNoAction {
		if err := a.apply(ctx, dep, target); err != nil {
			return d, fmt.Errorf("op=autoscaler.evaluate: apply: %w", err)
		}
		observability.AutoscalerReplicas.WithLabelValues(dep.Name).Set(float64(target))
	}
	return d, nil
}

// decide implements spec.md §4.6 step 2's threshold logic in isolation
// from cooldown/apply so it can be unit tested directly.
func decide(dep config.DeploymentConfig, totalDepth int64, current int32) (Action, int32) {
	if totalDepth >= dep.ScaleUpThreshold {
		step := int32(math.Ceil(float64(totalDepth) / 50))
		if step > 3 {
			step = 3
		}
		target := current + step
		if target > dep.MaxReplicas {
			target = dep.MaxReplicas
		}
		return ActionScaleUp, target
	}
	if totalDepth <= dep.ScaleDownThreshold && current > dep.MinReplicas {
		target := current - 1
		if target < dep.MinReplicas {
			target = dep.MinReplicas
		}
		return ActionScaleDown, target
	}
	return ActionNoAction, current
}

func (a *Autoscaler) onCooldown(deployment string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastScaleTime[deployment]
	if !ok {
		return false
	}
	return time.Since(last) < a.cooldown
}

func (a *Autoscaler) recordScale(deployment string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastScaleTime[deployment] = time.Now()
}

func (a *Autoscaler) apply(ctx context.Context, dep config.DeploymentConfig, target int32) error {
	if err := a.orchestrator.PatchDeploymentReplicas(ctx, dep.Name, dep.Namespace, target); err != nil {
		return err
	}
	a.recordScale(dep.Name)
	return nil
}

// ManualScale bypasses the threshold logic (spec.md §4.6 "Manual
// override") but still validates [min_replicas, max_replicas] and still
// records the cooldown, so an immediately following automatic tick
// respects it.
func (a *Autoscaler) ManualScale(ctx context.Context, deployment string, replicas int32, reason string) error {
	var dep *config.DeploymentConfig
	for i := range a.deployments {
		if a.deployments[i].Name == deployment {
			dep = &a.deployments[i]
			break
		}
	}
	if dep == nil {
		return fmt.Errorf("op=autoscaler.ManualScale: unknown deployment %q", deployment)
	}
	if replicas < dep.MinReplicas || replicas > dep.MaxReplicas {
		return fmt.Errorf("op=autoscaler.ManualScale: replicas %d outside [%d,%d]", replicas, dep.MinReplicas, dep.MaxReplicas)
	}
	slog.Info("autoscaler: manual scale", slog.String("deployment", deployment), slog.Int("replicas", int(replicas)), slog.String("reason", reason))
	return a.apply(ctx, *dep, replicas)
}

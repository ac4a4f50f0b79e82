package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bendavis78/quilt/pkg/config"
	"github.com/bendavis78/quilt/pkg/manifest"
	"github.com/bendavis78/quilt/pkg/policy"
	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/resources"
	"github.com/bendavis78/quilt/pkg/settings"
	"github.com/bendavis78/quilt/pkg/telemetry"
)

// Runner converges the targets of a configuration.
type Runner struct {
	config    *config.Config
	defaults  *settings.Store
	policy    *policy.Engine
	telemetry *telemetry.Telemetry
	dial      Dialer
	log       zerolog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithDialer replaces DialTarget.
func WithDialer(dial Dialer) Option {
	return func(r *Runner) {
		r.dial = dial
	}
}

// WithTelemetry sets the logger, metrics and tracer.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(r *Runner) {
		r.telemetry = t
	}
}

// WithPolicyEngine replaces the policy engine built from the configuration.
func WithPolicyEngine(e *policy.Engine) Option {
	return func(r *Runner) {
		r.policy = e
	}
}

// New prepares a runner: built-in defaults plus the configured defaults
// files, and a policy engine holding the built-in and configured policies.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runner, error) {
	r := &Runner{config: cfg, dial: DialTarget}
	for _, opt := range opts {
		opt(r)
	}
	if r.telemetry == nil {
		r.telemetry = telemetry.Nop()
	}
	r.log = r.telemetry.Log.With().Str("component", "engine").Logger()

	r.defaults = resources.NewStore()
	if err := r.defaults.LoadFiles(cfg.Defaults...); err != nil {
		return nil, resource.NewConfigurationError("failed to load defaults", err)
	}

	if r.policy == nil {
		engine, err := policy.NewEngine(r.telemetry.Log)
		if err != nil {
			return nil, err
		}
		if len(cfg.Policies) > 0 {
			if err := engine.LoadPolicies(ctx, cfg.Policies); err != nil {
				return nil, resource.NewConfigurationError("failed to load policies", err)
			}
		}
		r.policy = engine
	}
	for _, name := range cfg.DisablePolicies {
		if err := r.policy.DisablePolicy(name); err != nil {
			return nil, resource.NewConfigurationError("failed to disable policy", err)
		}
	}
	return r, nil
}

// Policy returns the policy engine.
func (r *Runner) Policy() *policy.Engine {
	return r.policy
}

// Apply runs mode against every configured target, at most Parallelism at
// a time. The first failing target cancels the runs still in progress; the
// reports of every target are returned along with that first error.
func (r *Runner) Apply(ctx context.Context, mode Mode) ([]Report, error) {
	return r.ApplyTargets(ctx, mode, r.config.Targets)
}

// ApplyTargets is Apply restricted to targets.
func (r *Runner) ApplyTargets(ctx context.Context, mode Mode, targets []config.Target) ([]Report, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}

	reports := make([]Report, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.config.Parallelism, 1))
	for i, target := range targets {
		g.Go(func() error {
			reports[i] = r.run(gctx, mode, target)
			return reports[i].Err
		})
	}
	err := g.Wait()
	return reports, err
}

// run performs one run against target.
func (r *Runner) run(ctx context.Context, mode Mode, target config.Target) (report Report) {
	report = Report{
		RunID:     uuid.NewString(),
		Target:    target.Name,
		Mode:      mode,
		DryRun:    r.config.DryRun,
		StartedAt: time.Now(),
	}
	log := r.log.With().
		Str("run_id", report.RunID).
		Str("target", target.Name).
		Str("mode", string(mode)).
		Bool("dry_run", report.DryRun).
		Logger()
	metrics := r.telemetry.Metrics

	ctx, span := r.telemetry.Tracer.StartRun(ctx, report.RunID, target.Name, report.DryRun)
	defer func() {
		report.Duration = time.Since(report.StartedAt)
		report.Status = statusOf(report.Err)
		telemetry.End(span, report.Err)
		metrics.RecordRun(target.Name, report.Err, report.Duration)
		if report.Err != nil {
			metrics.RecordError(ErrorKind(report.Err))
			log.Error().Err(report.Err).Dur("duration", report.Duration).Msg("Run failed")
			return
		}
		log.Info().
			Int("resources", report.Resources).
			Int("changes", len(report.Changes)).
			Dur("duration", report.Duration).
			Msg("Run completed")
	}()

	if err := ctx.Err(); err != nil {
		report.Err = err
		return report
	}
	log.Info().Msg("Run started")

	host, err := dialWithRetry(ctx, r.dial, target, log)
	if err != nil {
		report.Err = &PhaseError{Target: target.Name, Phase: "connect", Err: err}
		return report
	}
	defer host.Close()

	facts, err := GatherFacts(ctx, host)
	if err != nil {
		report.Err = &PhaseError{Target: target.Name, Phase: "facts", Err: err}
		return report
	}
	report.Facts = &facts
	store := r.defaults.Clone()
	facts.Store(store)

	env := resource.NewEnv(host, store, r.envOptions(report.RunID, report.DryRun, func(c resource.Change) {
		report.Changes = append(report.Changes, c)
		metrics.RecordChange(c.Type, c.Action)
	})...)

	result, err := manifest.NewEvaluator(r.config.Timeout, log).EvalFile(ctx, env, r.config.Manifest)
	if err != nil {
		report.Err = &PhaseError{Target: target.Name, Phase: "evaluate", Err: err}
		return report
	}
	report.Files = result.Files
	coll := result.Collection
	report.Resources = coll.Len()

	if err := coll.Clean(); err != nil {
		report.Err = &PhaseError{Target: target.Name, Phase: "clean", Err: err}
		return report
	}

	report.Violations, err = r.policy.Check(ctx, env, coll)
	if err != nil {
		report.Err = &PhaseError{Target: target.Name, Phase: "policy", Err: err}
		return report
	}

	if !mode.IsMutating() {
		return report
	}
	report.Converged, err = r.converge(ctx, mode, coll)
	if err != nil {
		report.Err = &PhaseError{Target: target.Name, Phase: string(mode), Err: err}
	}
	return report
}

func (r *Runner) envOptions(runID string, dryRun bool, onChange func(resource.Change)) []resource.EnvOption {
	opts := []resource.EnvOption{
		resource.WithDryRun(dryRun),
		resource.WithLogger(r.telemetry.Log.With().Str("run_id", runID).Logger()),
		resource.OnChange(onChange),
	}
	if r.config.Templates != "" {
		opts = append(opts, resource.WithTemplates(os.DirFS(r.config.Templates)))
	}
	return opts
}

// converge ensures resources in declaration order, or removes them in
// reverse, stopping at the first error. It returns how many resources
// completed.
func (r *Runner) converge(ctx context.Context, mode Mode, coll *resource.Collection) (int, error) {
	items := coll.Resources()
	spanName := telemetry.SpanEnsure
	if mode == ModeRemove {
		slices.Reverse(items)
		spanName = telemetry.SpanRemove
	}

	for i, res := range items {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		key := res.Key()
		typ := key.Category + "." + key.Type

		resCtx, span := r.telemetry.Tracer.StartResource(ctx, spanName, key.String(), typ)
		var err error
		if mode == ModeRemove {
			err = res.Remove(resCtx)
		} else {
			err = res.Ensure(resCtx)
		}
		telemetry.End(span, err)
		r.telemetry.Metrics.RecordResource(typ, err)
		if err != nil {
			return i, err
		}
	}
	return len(items), nil
}

func statusOf(err error) RunStatus {
	switch {
	case err == nil:
		return RunStatusSucceeded
	case errors.Is(err, context.Canceled):
		return RunStatusCancelled
	default:
		return RunStatusFailed
	}
}

// Select filters the configured targets by name, keeping configuration
// order. No names selects every target.
func (r *Runner) Select(names []string) ([]config.Target, error) {
	targets, err := r.config.Select(names)
	if err != nil {
		return nil, fmt.Errorf("select targets: %w", err)
	}
	return targets, nil
}

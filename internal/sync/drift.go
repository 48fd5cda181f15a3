package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/schaermu/composesyncd/internal/config"
	"github.com/schaermu/composesyncd/internal/envstate"
	"github.com/schaermu/composesyncd/internal/git"
	"github.com/schaermu/composesyncd/internal/stack"
)

// DriftCheck compares the current environment with the snapshot of the last
// successful run and re-applies every stack referencing a changed variable.
// Without a snapshot the current environment becomes the baseline. It
// returns a nil run when nothing had to be applied, and
// ErrSynthesisInProgress when another run holds the lock. Drift runs never
// revert history.
func (c *Controller) DriftCheck(ctx context.Context) (*Run, error) {
	if c.env == nil {
		return nil, nil
	}
	if err := c.tryAcquire(); err != nil {
		return nil, err
	}

	handedOff := false
	defer func() {
		if !handedOff {
			c.release()
		}
	}()

	cur, err := c.env.Current()
	if err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	prev, exists, err := envstate.Load(c.cfg.EnvSnapshotPath())
	if err != nil {
		return nil, err
	}
	if !exists {
		c.logger.Info("no environment snapshot yet, saving baseline")
		return nil, envstate.Save(c.cfg.EnvSnapshotPath(), cur)
	}

	changed := envstate.Changed(prev, cur)
	if len(changed) == 0 {
		return nil, nil
	}

	tip, err := c.tip(ctx)
	if err != nil {
		return nil, err
	}

	targets, err := c.driftTargets(ctx, tip, changed)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		c.logger.Info("environment changed, no stack references the changed variables", "count", len(changed))
		return nil, envstate.Save(c.cfg.EnvSnapshotPath(), cur)
	}

	c.metrics.recordDriftTrigger()
	c.logger.Info("environment drift detected", "variables", len(changed), "stacks", len(targets))

	handedOff = true
	return c.execute(ctx, TriggerDrift, func(ctx context.Context, run *Run) {
		run.Changes = targets
		c.applyAll(ctx, run, tip)
		if run.Err == nil {
			c.persist(ctx, tip, cur)
		}
	}), nil
}

// driftTargets returns the stacks at rev interpolating any of the changed
// variables. Variable names are never logged, only counted.
func (c *Controller) driftTargets(ctx context.Context, rev string, changed []string) ([]git.Change, error) {
	changedSet := make(map[string]bool, len(changed))
	for _, name := range changed {
		changedSet[name] = true
	}

	paths, err := c.store.ListPaths(ctx, rev, c.matcher.Prefix())
	if err != nil {
		return nil, err
	}

	var targets []git.Change
	seen := map[string]bool{}
	for _, p := range paths {
		name, ok := c.matcher.Name(p)
		if !ok || seen[name] {
			continue
		}
		seen[name] = true

		raw, err := c.store.ReadBlobAt(ctx, rev, p)
		if err != nil {
			return nil, err
		}

		var hits []string
		for _, ref := range stack.VariableRefs(raw) {
			if changedSet[ref] {
				hits = append(hits, ref)
			}
		}
		if len(hits) > 0 {
			targets = append(targets, git.Change{
				Path:   p,
				Kind:   git.Modified,
				Reason: "Stack contains ENV VAR references to " + strings.Join(hits, ", "),
			})
		}
	}
	return targets, nil
}

// DriftDetector runs DriftCheck at startup, on a cron schedule and whenever
// the env file changes.
type DriftDetector struct {
	ctrl     *Controller
	schedule string
	envFile  string
	logger   *slog.Logger

	// failures counts drift runs that failed in a row. A failed run keeps
	// the old snapshot, so every check retries it.
	failures atomic.Int64
}

// NewDriftDetector creates a detector for ctrl
func NewDriftDetector(ctrl *Controller, cfg config.DriftConfig, logger *slog.Logger) *DriftDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DriftDetector{
		ctrl:     ctrl,
		schedule: cfg.Schedule,
		envFile:  cfg.EnvFile,
		logger:   logger.With("component", "drift"),
	}
}

// Run blocks until ctx is cancelled. A started check always completes.
func (d *DriftDetector) Run(ctx context.Context) error {
	d.check(ctx)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(d.schedule, func() { d.check(ctx) }); err != nil {
		return fmt.Errorf("invalid drift schedule %q: %w", d.schedule, err)
	}
	c.Start()
	defer func() {
		<-c.Stop().Done()
		d.logger.Info("drift detector stopped")
	}()

	d.logger.Info("drift detector started", "schedule", d.schedule, "env_file", d.envFile)

	if d.envFile != "" {
		return envstate.Watch(ctx, d.envFile, func() { d.check(ctx) }, d.logger)
	}

	<-ctx.Done()
	return nil
}

func (d *DriftDetector) check(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	run, err := d.ctrl.DriftCheck(ctx)
	switch {
	case errors.Is(err, ErrSynthesisInProgress):
		d.logger.Debug("skipping drift check, synthesis in progress")
	case err != nil:
		d.logger.Error("drift check failed", "error", err)
	case run == nil:
		d.resetFailures()
		d.logger.Debug("no environment drift")
	case run.Err != nil:
		n := d.failures.Add(1)
		d.ctrl.metrics.setDriftFailures(n)
		if n == 1 {
			d.logger.Warn("drift synthesis failed", "failed_stack", run.Failed)
			return
		}
		d.logger.Error("drift synthesis keeps failing, stacks before the failing one are redeployed on every check",
			"failed_stack", run.Failed, "consecutive_failures", n)
	default:
		d.resetFailures()
		d.logger.Info("drift synthesis completed", "stacks", len(run.Succeeded))
	}
}

func (d *DriftDetector) resetFailures() {
	d.failures.Store(0)
	d.ctrl.metrics.setDriftFailures(0)
}

package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/schaermu/composesyncd/internal/config"
	"github.com/schaermu/composesyncd/internal/engine"
	"github.com/schaermu/composesyncd/internal/envstate"
	"github.com/schaermu/composesyncd/internal/git"
	"github.com/schaermu/composesyncd/internal/notify"
	"github.com/schaermu/composesyncd/internal/stack"
)

var (
	// ErrWrongBranch rejects pushes to any ref but the tracked branch
	ErrWrongBranch = errors.New("push rejected: wrong branch")
	// ErrBranchDeletion rejects deleting the tracked branch
	ErrBranchDeletion = errors.New("push rejected: the tracked branch cannot be deleted")
	// ErrSynthesisInProgress rejects work while a run holds the lock
	ErrSynthesisInProgress = errors.New("synthesis in progress")
	// ErrUnknownStack is returned for names without a descriptor
	ErrUnknownStack = errors.New("unknown stack")
)

const zeroSHA = "0000000000000000000000000000000000000000"

// notifyTimeout bounds a single report delivery
const notifyTimeout = 30 * time.Second

// Store is the read and revert surface of the descriptor repository.
type Store interface {
	Head(ctx context.Context) (string, error)
	Parent(ctx context.Context, rev string) (string, error)
	Diff(ctx context.Context, from, to string) ([]git.Change, error)
	ReadBlobAt(ctx context.Context, rev, path string) (string, error)
	ListPaths(ctx context.Context, rev, prefix string) ([]string, error)
	CommitInfo(ctx context.Context, rev string) (*git.CommitInfo, error)
	ResetSoft(ctx context.Context, target, expected string) error
}

// Deps are the collaborators of a Controller. Env, Notifier and Metrics are
// optional.
type Deps struct {
	Store    Store
	Engine   engine.Engine
	Env      envstate.Provider
	Notifier notify.Notifier
	Metrics  *Metrics
	Logger   *slog.Logger
}

// Controller serializes synthesis runs. It owns the single exclusion lock:
// every run moves Idle -> LockedSettling -> Synthesizing -> Idle, and no
// other run or push is accepted until the lock is released.
type Controller struct {
	cfg      *config.Config
	store    Store
	engine   engine.Engine
	env      envstate.Provider
	notifier notify.Notifier
	metrics  *Metrics
	logger   *slog.Logger
	matcher  stack.Matcher

	mu    sync.Mutex // guards phase
	phase Phase

	runs  sync.WaitGroup // accepted runs, including pending timers
	tasks sync.WaitGroup // report deliveries
}

// NewController creates a controller
func NewController(cfg *config.Config, deps Deps) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Discard{}
	}

	return &Controller{
		cfg:      cfg,
		store:    deps.Store,
		engine:   deps.Engine,
		env:      deps.Env,
		notifier: notifier,
		metrics:  deps.Metrics,
		logger:   logger.With("component", "sync"),
		matcher:  stack.NewMatcher(cfg.Paths.Stacks),
	}
}

// Phase returns the current lifecycle state
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Wait blocks until every accepted run has finished and its report was
// delivered.
func (c *Controller) Wait() {
	c.runs.Wait()
	c.tasks.Wait()
}

// HandlePush decides synchronously whether a push is accepted. An accepted
// push takes the lock and schedules a revert-enabled run after the settle
// delay; the push itself is applied to the repository by the caller in the
// meantime.
func (c *Controller) HandlePush(_ context.Context, push Push) error {
	if len(push.Updates) == 0 {
		return nil
	}

	for _, u := range push.Updates {
		if u.Ref != c.cfg.BranchRef() {
			c.metrics.recordPush("wrong_branch")
			c.logger.Warn("rejecting push to untracked ref", "ref", u.Ref, "branch", c.cfg.Repo.Branch)
			return fmt.Errorf("%w: only %s is synthesized, got %s", ErrWrongBranch, c.cfg.Repo.Branch, u.Ref)
		}
		if u.New == zeroSHA {
			c.metrics.recordPush("deletion")
			return ErrBranchDeletion
		}
	}

	if err := c.tryAcquire(); err != nil {
		c.metrics.recordPush("locked")
		c.logger.Warn("rejecting push, synthesis in progress")
		return err
	}
	c.metrics.recordPush("accepted")

	base := push.Updates[0].Old
	if base == zeroSHA {
		base = ""
	}

	c.logger.Info("push accepted", "ref", push.Updates[0].Ref, "old", base, "new", push.Updates[0].New,
		"settle_delay", c.cfg.Sync.SettleDelay)

	time.AfterFunc(c.cfg.Sync.SettleDelay, func() {
		c.execute(context.Background(), TriggerPush, func(ctx context.Context, run *Run) {
			c.synthesizePush(ctx, run, base)
		})
	})
	return nil
}

// SynthesizeAll applies every stack at the branch tip. It never reverts.
func (c *Controller) SynthesizeAll(ctx context.Context) (*Run, error) {
	if err := c.tryAcquire(); err != nil {
		return nil, err
	}

	return c.execute(ctx, TriggerManual, func(ctx context.Context, run *Run) {
		tip, err := c.tip(ctx)
		if err != nil {
			run.Err = err
			return
		}

		paths, err := c.store.ListPaths(ctx, tip, c.matcher.Prefix())
		if err != nil {
			run.Err = err
			return
		}

		seen := map[string]bool{}
		for _, p := range paths {
			name, ok := c.matcher.Name(p)
			if !ok || seen[name] {
				continue
			}
			seen[name] = true
			run.Changes = append(run.Changes, git.Change{Path: p, Kind: git.Modified, Reason: "Full synthesis"})
		}

		c.applyAll(ctx, run, tip)
		if run.Err == nil {
			c.persist(ctx, tip, nil)
		}
	}), nil
}

// ApplyStack force-applies one stack at the branch tip and returns the
// engine output. It is rejected while another run holds the lock.
func (c *Controller) ApplyStack(ctx context.Context, name string) (string, error) {
	tip, err := c.tip(ctx)
	if err != nil {
		return "", err
	}
	p, _, err := c.findStack(ctx, tip, name)
	if err != nil {
		return "", err
	}

	if err := c.tryAcquire(); err != nil {
		return "", err
	}

	run := c.execute(ctx, TriggerAPI, func(ctx context.Context, run *Run) {
		run.Changes = []git.Change{{Path: p, Kind: git.Modified, Reason: "Manual apply of stack " + name}}
		c.applyAll(ctx, run, tip)
	})
	return run.Output, run.Err
}

// Descriptor returns the hydrated descriptor of a stack at the branch tip.
// It does not take the lock.
func (c *Controller) Descriptor(ctx context.Context, name string) (*stack.Descriptor, error) {
	tip, err := c.tip(ctx)
	if err != nil {
		return nil, err
	}

	p, raw, err := c.findStack(ctx, tip, name)
	if err != nil {
		return nil, err
	}

	h, err := stack.Hydrate(ctx, raw, newFragmentCache(c.store, tip))
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate stack %s: %w", name, err)
	}

	return &stack.Descriptor{Name: name, Path: p, Raw: raw, Hydrated: h.Content}, nil
}

// tryAcquire takes the lock for a run that starts without settling.
func (c *Controller) tryAcquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != Idle {
		return ErrSynthesisInProgress
	}
	c.phase = LockedSettling
	c.runs.Add(1)
	return nil
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// release returns the controller to Idle. It must be called exactly once per
// successful acquire.
func (c *Controller) release() {
	c.setPhase(Idle)
	c.runs.Done()
}

// execute runs body as one synthesis run. The caller must hold the lock,
// which is released on every path, including panics. The run is reported
// before the lock is released. Cancelling ctx does not abort a started run.
func (c *Controller) execute(ctx context.Context, trigger Trigger, body func(context.Context, *Run)) *Run {
	ctx = context.WithoutCancel(ctx)
	run := &Run{Trigger: trigger, Started: time.Now()}
	c.setPhase(Synthesizing)

	defer func() {
		if r := recover(); r != nil {
			run.Err = fmt.Errorf("panic during synthesis: %v", r)
			c.logger.Error("synthesis panicked", "panic", r)
		}
		run.Finished = time.Now()
		c.finish(run)
		c.release()
	}()

	c.logger.Info("synthesis started", "trigger", trigger)
	body(ctx, run)
	return run
}

// finish logs, records and reports a completed run.
func (c *Controller) finish(run *Run) {
	duration := run.Finished.Sub(run.Started)
	c.metrics.recordRun(run, duration)

	switch {
	case run.Err != nil:
		c.logger.Error("synthesis failed",
			"trigger", run.Trigger,
			"failed_stack", run.Failed,
			"succeeded", len(run.Succeeded),
			"reverted", run.Reverted != nil && run.RevertErr == nil,
			"error", run.Err)
	case run.NoOp():
		c.logger.Info("synthesis is a no-op", "trigger", run.Trigger)
	default:
		c.logger.Info("synthesis succeeded",
			"trigger", run.Trigger,
			"stacks", len(run.Succeeded),
			"duration", duration)
	}

	report := NewReport(run)
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := c.notifier.Notify(ctx, report); err != nil {
			c.logger.Warn("failed to deliver report", "error", err)
		}
	}()
}

// synthesizePush is the body of a push-triggered run. base is the branch
// head before the push, or "" if unknown.
func (c *Controller) synthesizePush(ctx context.Context, run *Run, base string) {
	tip, err := c.tip(ctx)
	if err != nil {
		run.Err = err
		return
	}

	from := base
	if from == "" {
		if from, err = c.store.Parent(ctx, tip); err != nil {
			run.Err = err
			return
		}
	}
	if from == tip {
		c.logger.Info("branch did not move, nothing to synthesize", "commit", tip)
		c.persist(ctx, tip, nil)
		return
	}

	changes, err := c.store.Diff(ctx, from, tip)
	if err != nil {
		run.Err = err
		return
	}

	run.Changes, err = c.classify(ctx, tip, changes)
	if err != nil {
		run.Err = err
		return
	}

	c.applyAll(ctx, run, tip)
	if run.Err != nil {
		c.revert(ctx, run, from, tip)
		return
	}
	c.persist(ctx, tip, nil)
}

// applyAll applies run.Changes in order at rev and stops at the first
// failure. Fragment reads are cached for the run so every stack sees the
// same fragment content.
func (c *Controller) applyAll(ctx context.Context, run *Run, rev string) {
	src := newFragmentCache(c.store, rev)

	for _, ch := range run.Changes {
		name, _ := c.matcher.Name(ch.Path)
		logger := c.logger.With("stack", name)
		logger.Info("applying stack", "path", ch.Path, "reason", ch.Reason)

		raw, err := c.store.ReadBlobAt(ctx, rev, ch.Path)
		if err != nil {
			c.fail(run, ch.Path, "", "", fmt.Errorf("failed to read stack %s: %w", name, err))
			return
		}

		h, err := stack.Hydrate(ctx, raw, src)
		if err != nil {
			c.fail(run, ch.Path, raw, "", fmt.Errorf("failed to hydrate stack %s: %w", name, err))
			return
		}
		if missing := stack.UndefinedAnchors(h); len(missing) > 0 {
			logger.Warn("fragments reference anchors the stack does not define", "anchors", missing)
		}

		output, err := c.engine.Apply(ctx, h.Content, name)
		if err != nil {
			var stepErr *engine.StepError
			if errors.As(err, &stepErr) {
				output = stepErr.Output
			}
			c.fail(run, ch.Path, h.Content, output, err)
			return
		}

		c.metrics.recordApply(true)
		run.Succeeded = append(run.Succeeded, name)
		run.Output += output
	}
}

func (c *Controller) fail(run *Run, p, content, output string, err error) {
	c.metrics.recordApply(false)
	run.Failed = p
	run.FailedContent = content
	run.Output = output
	run.Err = err
}

// revert moves the branch from tip back to target, undoing the commits that
// caused the failure. Engine side effects of stacks applied before the
// failure are left in place.
func (c *Controller) revert(ctx context.Context, run *Run, target, tip string) {
	info, err := c.store.CommitInfo(ctx, tip)
	if err != nil {
		c.logger.Warn("failed to read commit info of reverted commit", "commit", tip, "error", err)
		info = &git.CommitInfo{SHA: tip}
	}
	run.Reverted = info

	if target == "" {
		run.RevertErr = errors.New("the root commit cannot be reverted")
		c.logger.Error("revert failed", "commit", tip, "error", run.RevertErr)
		return
	}

	if err := c.store.ResetSoft(ctx, target, tip); err != nil {
		run.RevertErr = err
		c.logger.Error("revert failed", "commit", tip, "error", err)
		return
	}

	c.metrics.recordRevert()
	c.logger.Warn("reverted failing commit", "commit", tip, "reset_to", target)
}

// persist stores the environment snapshot and rewrites the mirror of
// hydrated stacks after a successful run. Failures are logged only. snap is
// used as the environment when non-nil.
func (c *Controller) persist(ctx context.Context, rev string, snap envstate.Snapshot) {
	if c.env != nil {
		if snap == nil {
			cur, err := c.env.Current()
			if err != nil {
				c.logger.Warn("failed to read environment", "error", err)
			}
			snap = cur
		}
		if snap != nil {
			if err := envstate.Save(c.cfg.EnvSnapshotPath(), snap); err != nil {
				c.logger.Warn("failed to save environment snapshot", "error", err)
			}
		}
	}

	if err := c.exportMirror(ctx, rev); err != nil {
		c.logger.Warn("failed to export stack mirror", "error", err)
	}
}

// exportMirror writes the hydrated descriptor of every stack at rev to the
// mirror directory as <name>/<file>.
func (c *Controller) exportMirror(ctx context.Context, rev string) error {
	paths, err := c.store.ListPaths(ctx, rev, c.matcher.Prefix())
	if err != nil {
		return err
	}

	src := newFragmentCache(c.store, rev)
	files := map[string]string{}
	for _, p := range paths {
		name, ok := c.matcher.Name(p)
		if !ok {
			continue
		}

		raw, err := c.store.ReadBlobAt(ctx, rev, p)
		if err != nil {
			return err
		}
		h, err := stack.Hydrate(ctx, raw, src)
		if err != nil {
			c.logger.Warn("skipping stack in mirror", "stack", name, "error", err)
			continue
		}
		files[name+"/"+path.Base(p)] = h.Content
	}

	return git.WriteWorkingCopy(c.cfg.MirrorDir(), files)
}

// tip returns the head of the tracked branch, failing for an empty branch.
func (c *Controller) tip(ctx context.Context) (string, error) {
	tip, err := c.store.Head(ctx)
	if err != nil {
		return "", err
	}
	if tip == "" {
		return "", fmt.Errorf("branch %s has no commits", c.cfg.Repo.Branch)
	}
	return tip, nil
}

// findStack returns the descriptor path and content of name at rev.
func (c *Controller) findStack(ctx context.Context, rev, name string) (string, string, error) {
	if !stack.ValidName(name) {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownStack, name)
	}

	for _, p := range c.matcher.Paths(name) {
		raw, err := c.store.ReadBlobAt(ctx, rev, p)
		if errors.Is(err, git.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", "", err
		}
		return p, raw, nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrUnknownStack, name)
}

// fragmentCache reads fragments at one pinned commit and remembers them for
// the lifetime of a run.
type fragmentCache struct {
	store Store
	rev   string
	files map[string]string
}

func newFragmentCache(store Store, rev string) *fragmentCache {
	return &fragmentCache{store: store, rev: rev, files: map[string]string{}}
}

func (f *fragmentCache) ReadFragment(ctx context.Context, p string) (string, error) {
	if content, ok := f.files[p]; ok {
		return content, nil
	}

	content, err := f.store.ReadBlobAt(ctx, f.rev, p)
	if errors.Is(err, git.ErrNotFound) {
		return "", fmt.Errorf("%s: %w", p, stack.ErrFragmentNotFound)
	}
	if err != nil {
		return "", err
	}

	f.files[p] = content
	return content, nil
}

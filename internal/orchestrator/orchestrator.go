// Package orchestrator drives a built plan across hosts: a bounded pool of
// per-host workers, strict task ordering inside each host, and handlers fired
// at most once per host after the task list. Host failures never leak across
// hosts; every host ends in exactly one terminal state.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eniac111/manifold/internal/config"
	"github.com/eniac111/manifold/internal/executor"
	"github.com/eniac111/manifold/internal/logging"
	"github.com/eniac111/manifold/internal/plan"
	"github.com/eniac111/manifold/internal/report"
	"github.com/eniac111/manifold/internal/task"
	"github.com/eniac111/manifold/internal/transport"
)

// Orchestrator runs plans. One Orchestrator can serve many runs.
type Orchestrator struct {
	cfg   config.Engine
	dial  transport.Dialer
	exec  *executor.Executor
	check bool
	log   *logrus.Entry
}

// New builds an orchestrator over the given transport dialer.
func New(cfg config.Engine, dial transport.Dialer, check bool, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:   cfg,
		dial:  dial,
		exec:  executor.New(cfg, check, logging.WithComponent(log, "executor")),
		check: check,
		log:   logging.WithComponent(log, "orchestrator"),
	}
}

// Run executes the plan and returns the finished report. Cancelling ctx lets
// in-flight tasks finish, skips the rest, and still returns a full report.
func (o *Orchestrator) Run(ctx context.Context, p *plan.Plan) *report.Run {
	run := report.NewRun(o.check)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(o.cfg.Forks)

	for _, hp := range p.Hosts {
		hp := hp
		g.Go(func() error {
			rec := o.runHost(ctx, hp)
			mu.Lock()
			run.Merge(rec)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	sort.Slice(run.Hosts, func(i, j int) bool { return run.Hosts[i].Host < run.Hosts[j].Host })
	run.Finish()
	return run
}

// skipHandlers records the named pending handlers as skipped so planned work
// never silently drops out of the report.
func skipHandlers(rec *report.HostRecord, hp *plan.HostPlan, names []string, reason string) {
	for _, name := range names {
		out := task.Skipped(hp.Handlers[name], reason)
		out.Handler = true
		rec.Record(out)
	}
}

// runHost owns one host's record for the whole run; nothing else touches it
// until it is merged.
func (o *Orchestrator) runHost(ctx context.Context, hp *plan.HostPlan) *report.HostRecord {
	rec := report.NewHostRecord(hp.Host.Name)
	log := o.log.WithField("host", hp.Host.Name)

	if hp.BuildErr != nil {
		rec.State = report.StateFailed
		rec.Error = hp.BuildErr.Error()
		log.WithField("error", hp.BuildErr).Warn("plan build failed for host")
		return rec
	}
	if len(hp.Steps) == 0 {
		rec.State = report.StateCompleted
		return rec
	}

	runner, err := o.dial(ctx, hp.Host)
	if err != nil {
		log.WithField("error", err).Warn("host unreachable")
		rec.MarkUnreachable(err.Error())
		return rec
	}
	defer runner.Close()

	rec.State = report.StateRunning

	// An abort gates new work only: once an operation has been handed to the
	// executor it runs to completion (under its own timeout), so no host is
	// left half-applied. ctx itself is checked only between operations.
	applyCtx := context.WithoutCancel(ctx)

	// Handlers fire once per host, in the order first notified.
	var pending []string
	notified := make(map[string]bool)

	failed := false
	for _, t := range hp.Steps {
		if failed {
			rec.Record(task.Skipped(t, "previous task failed"))
			continue
		}
		if ctx.Err() != nil {
			rec.Record(task.Skipped(t, "run aborted"))
			continue
		}

		out := o.exec.Apply(applyCtx, runner, t)
		rec.Record(out)

		switch out.Status {
		case task.StatusChanged:
			for _, name := range t.Notify() {
				if !notified[name] {
					notified[name] = true
					pending = append(pending, name)
				}
			}
		case task.StatusFailed:
			failed = true
			log.WithFields(logrus.Fields{"task": t.Name(), "transient": out.Transient}).Warn("task failed")
		}
	}

	if failed {
		rec.State = report.StateFailed
		return rec
	}
	if ctx.Err() != nil {
		rec.State = report.StateFailed
		rec.Error = "aborted: " + ctx.Err().Error()
		return rec
	}

	for i, name := range pending {
		if ctx.Err() != nil {
			skipHandlers(rec, hp, pending[i:], "run aborted")
			rec.State = report.StateFailed
			rec.Error = "aborted: " + ctx.Err().Error()
			return rec
		}
		out := o.exec.Apply(applyCtx, runner, hp.Handlers[name])
		out.Handler = true
		rec.Record(out)
		if out.Status == task.StatusFailed {
			skipHandlers(rec, hp, pending[i+1:], "previous handler failed")
			rec.State = report.StateFailed
			rec.Error = fmt.Sprintf("handler %q failed", name)
			log.WithField("handler", name).Warn("handler failed")
			return rec
		}
	}

	rec.State = report.StateCompleted
	log.WithFields(logrus.Fields{
		"changed": rec.Stats.Changed,
		"ok":      rec.Stats.Ok,
	}).Info("host completed")
	return rec
}

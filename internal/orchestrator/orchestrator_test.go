package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eniac111/manifold/internal/config"
	"github.com/eniac111/manifold/internal/inventory"
	"github.com/eniac111/manifold/internal/logging"
	"github.com/eniac111/manifold/internal/plan"
	"github.com/eniac111/manifold/internal/report"
	"github.com/eniac111/manifold/internal/task"
	"github.com/eniac111/manifold/internal/transport"
)

type fakeRunner struct {
	mu     sync.Mutex
	script map[string]*transport.CommandResult // keyed by command substring
	calls  []string
}

func (f *fakeRunner) Run(_ context.Context, cmd string) (*transport.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	for key, res := range f.script {
		if strings.Contains(cmd, key) {
			return res, nil
		}
	}
	return &transport.CommandResult{Command: cmd, ExitCode: 1}, nil
}

func (f *fakeRunner) Upload(context.Context, transport.UploadOptions) error { return nil }
func (f *fakeRunner) Close() error                                          { return nil }

// fakeDialer hands each host its own runner; hosts in down refuse to dial.
type fakeDialer struct {
	mu      sync.Mutex
	runners map[string]*fakeRunner
	down    map[string]bool
	dialed  []string
}

func (d *fakeDialer) dial(_ context.Context, h *inventory.Host) (transport.Runner, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, h.Name)
	if d.down[h.Name] {
		return nil, &transport.DialError{Host: h.Name, Err: errors.New("connection refused")}
	}
	r, ok := d.runners[h.Name]
	if !ok {
		r = &fakeRunner{}
		if d.runners == nil {
			d.runners = make(map[string]*fakeRunner)
		}
		d.runners[h.Name] = r
	}
	return r, nil
}

func testConfig() config.Engine {
	cfg := config.Default()
	cfg.MaxRetries = 0
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = time.Millisecond
	return cfg
}

func newTestOrchestrator(d *fakeDialer, check bool) *Orchestrator {
	return New(testConfig(), d.dial, check, logging.New(io.Discard, false))
}

func host(name string) *inventory.Host {
	return &inventory.Host{Name: name, Address: name + ".example.com"}
}

func pkgTask(name, pkg string, notify ...string) *task.Package {
	return &task.Package{
		Meta:     task.Meta{TaskName: name, Notifies: notify},
		Packages: []string{pkg},
		State:    "present",
	}
}

func svcHandler(name, service string) *task.Service {
	return &task.Service{
		Meta:    task.Meta{TaskName: name},
		Service: service,
		State:   "restarted",
	}
}

func findHost(t *testing.T, run *report.Run, name string) *report.HostRecord {
	t.Helper()
	for _, h := range run.Hosts {
		if h.Host == name {
			return h
		}
	}
	t.Fatalf("host %s not in report", name)
	return nil
}

func TestHandlersFireOncePerHostInNotifyOrder(t *testing.T) {
	hp := &plan.HostPlan{
		Host: host("web1"),
		Steps: []task.Task{
			pkgTask("install nginx", "nginx", "restart nginx"),
			pkgTask("install certbot", "certbot", "reload firewall", "restart nginx"),
		},
		Handlers: map[string]task.Task{
			"restart nginx":   svcHandler("restart nginx", "nginx"),
			"reload firewall": svcHandler("reload firewall", "ufw"),
		},
	}
	// Both installs mutate, notifying their handlers.
	d := &fakeDialer{runners: map[string]*fakeRunner{
		"web1": {script: map[string]*transport.CommandResult{
			"apt-get":   {ExitCode: 0},
			"systemctl": {ExitCode: 0},
		}},
	}}

	run := newTestOrchestrator(d, false).Run(context.Background(), &plan.Plan{Hosts: []*plan.HostPlan{hp}})
	rec := findHost(t, run, "web1")
	require.Equal(t, report.StateCompleted, rec.State)

	var handlers []string
	for _, out := range rec.Results {
		if out.Handler {
			handlers = append(handlers, out.Task)
		}
	}
	require.Equal(t, []string{"restart nginx", "reload firewall"}, handlers)
	require.Equal(t, 4, len(rec.Results))
}

func TestUnnotifiedHandlersStayQuiet(t *testing.T) {
	hp := &plan.HostPlan{
		Host:  host("web1"),
		Steps: []task.Task{pkgTask("install nginx", "nginx", "restart nginx")},
		Handlers: map[string]task.Task{
			"restart nginx": svcHandler("restart nginx", "nginx"),
		},
	}
	// Already installed: the task reports ok and nothing is notified.
	d := &fakeDialer{runners: map[string]*fakeRunner{
		"web1": {script: map[string]*transport.CommandResult{
			"dpkg-query": {ExitCode: 0, Stdout: "install ok installed"},
		}},
	}}

	run := newTestOrchestrator(d, false).Run(context.Background(), &plan.Plan{Hosts: []*plan.HostPlan{hp}})
	rec := findHost(t, run, "web1")
	require.Equal(t, report.StateCompleted, rec.State)
	require.Len(t, rec.Results, 1)
	require.Equal(t, task.StatusUnchanged, rec.Results[0].Status)
}

func TestFailureStopsHostWithoutTouchingOthers(t *testing.T) {
	mkPlan := func(h string) *plan.HostPlan {
		return &plan.HostPlan{
			Host: host(h),
			Steps: []task.Task{
				pkgTask("install nginx", "nginx", "restart nginx"),
				pkgTask("install vim", "vim"),
			},
			Handlers: map[string]task.Task{
				"restart nginx": svcHandler("restart nginx", "nginx"),
			},
		}
	}
	d := &fakeDialer{runners: map[string]*fakeRunner{
		// web1's install blows up; web2 goes clean.
		"web1": {script: map[string]*transport.CommandResult{
			"apt-get": {ExitCode: 100, Stderr: "E: broken"},
		}},
		"web2": {script: map[string]*transport.CommandResult{
			"apt-get":   {ExitCode: 0},
			"systemctl": {ExitCode: 0},
		}},
	}}

	p := &plan.Plan{Hosts: []*plan.HostPlan{mkPlan("web1"), mkPlan("web2")}}
	run := newTestOrchestrator(d, false).Run(context.Background(), p)

	web1 := findHost(t, run, "web1")
	require.Equal(t, report.StateFailed, web1.State)
	require.Len(t, web1.Results, 2)
	require.Equal(t, task.StatusFailed, web1.Results[0].Status)
	require.Equal(t, task.StatusSkipped, web1.Results[1].Status)
	// No handler runs on a failed host.
	for _, out := range web1.Results {
		require.False(t, out.Handler)
	}

	web2 := findHost(t, run, "web2")
	require.Equal(t, report.StateCompleted, web2.State)
	// Two tasks plus the notified handler.
	require.Equal(t, 3, web2.Stats.Changed)
	require.False(t, run.AllCompleted())
}

func TestUnreachableHostIsRecordedNotFailed(t *testing.T) {
	p := &plan.Plan{Hosts: []*plan.HostPlan{
		{Host: host("web1"), Steps: []task.Task{pkgTask("install nginx", "nginx")}, Handlers: map[string]task.Task{}},
		{Host: host("web2"), Steps: []task.Task{pkgTask("install nginx", "nginx")}, Handlers: map[string]task.Task{}},
	}}
	d := &fakeDialer{
		down: map[string]bool{"web1": true},
		runners: map[string]*fakeRunner{
			"web2": {script: map[string]*transport.CommandResult{"apt-get": {ExitCode: 0}}},
		},
	}

	run := newTestOrchestrator(d, false).Run(context.Background(), p)

	web1 := findHost(t, run, "web1")
	require.Equal(t, report.StateUnreachable, web1.State)
	require.Equal(t, 1, web1.Stats.Unreachable)
	require.Contains(t, web1.Error, "connection refused")
	require.Empty(t, web1.Results)

	require.Equal(t, report.StateCompleted, findHost(t, run, "web2").State)
}

func TestBuildErrorFailsHostWithoutDialing(t *testing.T) {
	p := &plan.Plan{Hosts: []*plan.HostPlan{{
		Host:     host("web1"),
		BuildErr: errors.New(`undefined variable "nginx_port"`),
	}}}
	d := &fakeDialer{}

	run := newTestOrchestrator(d, false).Run(context.Background(), p)

	rec := findHost(t, run, "web1")
	require.Equal(t, report.StateFailed, rec.State)
	require.Contains(t, rec.Error, "nginx_port")
	require.Empty(t, d.dialed)
}

func TestCheckModeNotifiesHandlers(t *testing.T) {
	hp := &plan.HostPlan{
		Host:  host("web1"),
		Steps: []task.Task{pkgTask("install nginx", "nginx", "restart nginx")},
		Handlers: map[string]task.Task{
			"restart nginx": svcHandler("restart nginx", "nginx"),
		},
	}
	d := &fakeDialer{runners: map[string]*fakeRunner{"web1": {}}}

	run := newTestOrchestrator(d, true).Run(context.Background(), &plan.Plan{Hosts: []*plan.HostPlan{hp}})
	rec := findHost(t, run, "web1")
	require.Equal(t, report.StateCompleted, rec.State)
	require.Len(t, rec.Results, 2)
	require.True(t, rec.Results[1].Handler)
	require.Contains(t, rec.Results[1].Message, "would restart")
	require.True(t, run.Check)

	// Check mode never mutates.
	r := d.runners["web1"]
	for _, c := range r.calls {
		require.NotContains(t, c, "apt-get")
		require.NotContains(t, c, "systemctl restart")
	}
}

// slowRunner simulates a long remote operation. It honors its context, so a
// cancelable context would cut the operation short mid-flight.
type slowRunner struct {
	delay time.Duration
}

func (s *slowRunner) Run(ctx context.Context, cmd string) (*transport.CommandResult, error) {
	select {
	case <-time.After(s.delay):
		return &transport.CommandResult{Command: cmd, ExitCode: 0, Stdout: "install ok installed"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *slowRunner) Upload(context.Context, transport.UploadOptions) error { return nil }
func (s *slowRunner) Close() error                                          { return nil }

func TestAbortLetsInFlightTaskFinish(t *testing.T) {
	hp := &plan.HostPlan{
		Host: host("web1"),
		Steps: []task.Task{
			pkgTask("install nginx", "nginx"),
			pkgTask("install vim", "vim"),
		},
		Handlers: map[string]task.Task{},
	}
	dial := func(context.Context, *inventory.Host) (transport.Runner, error) {
		return &slowRunner{delay: 100 * time.Millisecond}, nil
	}
	orch := New(testConfig(), dial, false, logging.New(io.Discard, false))

	// Abort lands while the first task's probe is still running.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	run := orch.Run(ctx, &plan.Plan{Hosts: []*plan.HostPlan{hp}})

	rec := findHost(t, run, "web1")
	require.Len(t, rec.Results, 2)
	require.Equal(t, task.StatusUnchanged, rec.Results[0].Status)
	require.Equal(t, task.StatusSkipped, rec.Results[1].Status)
	require.Equal(t, report.StateFailed, rec.State)
	require.Contains(t, rec.Error, "aborted")
}

func TestFailedHandlerSkipsRemainingHandlers(t *testing.T) {
	hp := &plan.HostPlan{
		Host: host("web1"),
		Steps: []task.Task{
			pkgTask("install nginx", "nginx", "restart nginx", "reload firewall"),
		},
		Handlers: map[string]task.Task{
			"restart nginx":   svcHandler("restart nginx", "nginx"),
			"reload firewall": svcHandler("reload firewall", "ufw"),
		},
	}
	d := &fakeDialer{runners: map[string]*fakeRunner{
		"web1": {script: map[string]*transport.CommandResult{
			"apt-get":                   {ExitCode: 0},
			"is-active":                 {ExitCode: 0},
			"systemctl restart 'nginx'": {ExitCode: 1, Stderr: "nginx.service: start failed"},
		}},
	}}

	run := newTestOrchestrator(d, false).Run(context.Background(), &plan.Plan{Hosts: []*plan.HostPlan{hp}})
	rec := findHost(t, run, "web1")
	require.Equal(t, report.StateFailed, rec.State)
	require.Contains(t, rec.Error, `handler "restart nginx" failed`)

	require.Len(t, rec.Results, 3)
	require.Equal(t, task.StatusFailed, rec.Results[1].Status)
	// The never-run handler still shows up in the report.
	require.Equal(t, task.StatusSkipped, rec.Results[2].Status)
	require.Equal(t, "reload firewall", rec.Results[2].Task)
	require.True(t, rec.Results[2].Handler)
}

func TestCancelledRunSkipsRemainingTasks(t *testing.T) {
	hp := &plan.HostPlan{
		Host: host("web1"),
		Steps: []task.Task{
			pkgTask("install nginx", "nginx"),
			pkgTask("install vim", "vim"),
		},
		Handlers: map[string]task.Task{},
	}
	d := &fakeDialer{runners: map[string]*fakeRunner{"web1": {}}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run := newTestOrchestrator(d, false).Run(ctx, &plan.Plan{Hosts: []*plan.HostPlan{hp}})

	rec := findHost(t, run, "web1")
	require.Equal(t, report.StateFailed, rec.State)
	require.Contains(t, rec.Error, "aborted")
	require.Len(t, rec.Results, 2)
	for _, out := range rec.Results {
		require.Equal(t, task.StatusSkipped, out.Status)
	}
}

func TestReportHostsSortedByName(t *testing.T) {
	p := &plan.Plan{Hosts: []*plan.HostPlan{
		{Host: host("web2"), Handlers: map[string]task.Task{}},
		{Host: host("web1"), Handlers: map[string]task.Task{}},
	}}
	run := newTestOrchestrator(&fakeDialer{}, false).Run(context.Background(), p)
	require.Equal(t, "web1", run.Hosts[0].Host)
	require.Equal(t, "web2", run.Hosts[1].Host)
}

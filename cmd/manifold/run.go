package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eniac111/manifold/internal/config"
	"github.com/eniac111/manifold/internal/inventory"
	"github.com/eniac111/manifold/internal/logging"
	"github.com/eniac111/manifold/internal/orchestrator"
	"github.com/eniac111/manifold/internal/plan"
	"github.com/eniac111/manifold/internal/playbook"
	"github.com/eniac111/manifold/internal/role"
	"github.com/eniac111/manifold/internal/transport"
)

// errHostsFailed distinguishes "the run executed but some hosts did not
// converge" (exit 1) from configuration errors (exit 2).
var errHostsFailed = fmt.Errorf("one or more hosts failed")

type runOptions struct {
	inventoryPath string
	limit         string
	check         bool
	configPath    string
	knownHosts    string
	verbose       bool
	output        string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:          "run <playbook>",
		Short:        "Apply a playbook across the inventory",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlaybook(cmd, args[0], opts)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&opts.inventoryPath, "inventory", "i", "inventory.yaml", "inventory file")
	fs.StringVar(&opts.limit, "limit", "", "glob pattern restricting target hosts")
	fs.BoolVar(&opts.check, "check", false, "probe state and report drift without mutating hosts")
	fs.StringVarP(&opts.configPath, "config", "c", "", "engine settings file (TOML)")
	fs.StringVar(&opts.knownHosts, "known-hosts", "", "known_hosts file for host key verification")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	fs.StringVarP(&opts.output, "output", "o", "text", "report format: text or json")
	return cmd
}

func runPlaybook(cmd *cobra.Command, playbookPath string, opts *runOptions) error {
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("invalid output format %q (want text or json)", opts.output)
	}

	log := logging.New(cmd.ErrOrStderr(), opts.verbose)

	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	inv, err := inventory.Load(opts.inventoryPath)
	if err != nil {
		return err
	}
	pb, err := playbook.Load(playbookPath)
	if err != nil {
		return err
	}

	roles := role.NewLoader(filepath.Join(filepath.Dir(playbookPath), "roles"))
	p, err := plan.Build(pb, inv, roles, opts.limit)
	if err != nil {
		return err
	}
	if len(p.Hosts) == 0 {
		return fmt.Errorf("no hosts matched")
	}

	log.WithFields(logging.Fields{
		"hosts": len(p.Hosts),
		"tasks": p.TaskCount(),
		"check": opts.check,
	}).Info("plan built")

	dialer := transport.NewSSHDialer(transport.SSHOptions{
		DialTimeout:    cfg.SSHTimeout,
		KnownHostsPath: opts.knownHosts,
	}, logging.WithComponent(log, "ssh"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := orchestrator.New(cfg, dialer, opts.check, log).Run(ctx, p)

	if opts.output == "json" {
		if err := run.RenderJSON(cmd.OutOrStdout()); err != nil {
			return err
		}
	} else {
		run.RenderText(cmd.OutOrStdout())
	}

	if !run.AllCompleted() {
		return errHostsFailed
	}
	return nil
}

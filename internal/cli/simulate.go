package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/lagwatch/internal/config"
	"github.com/wesleyorama2/lagwatch/internal/exporter"
	"github.com/wesleyorama2/lagwatch/internal/host"
	"github.com/wesleyorama2/lagwatch/internal/logging"
	"github.com/wesleyorama2/lagwatch/internal/monitor"
	"github.com/wesleyorama2/lagwatch/internal/output"
	"github.com/wesleyorama2/lagwatch/internal/watchdog"
)

const (
	defaultTickInterval = 50 * time.Millisecond
	consoleSender       = "console"
)

type simulateOptions struct {
	configPath  string
	duration    time.Duration
	stallEvery  time.Duration
	stallFor    time.Duration
	players     int
	db          string
	metricsAddr string
	json        bool
	exec        []string
}

func newSimulateCmd(g *globalOptions) *cobra.Command {
	var o simulateOptions

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a reference host with demo modules under lagwatch",
		Long: `Run an in-process host whose modules misbehave on purpose: one stalls the
loop, one sleeps on it, one is called from outside it. When the run ends the
collected timings, tick-rate history, ping, stalls and violations are printed.

Commands given with --exec run on the loop at the end of the run, as if a
console sender typed them: timing [module], ping [entity], tpshistory [n],
stacktrace [goroutine], threads, tasks.

  lagwatch simulate --duration 10s --stall-every 2s
  lagwatch simulate --exec timing --exec "timing lagger" --exec stacktrace
  lagwatch simulate --config lagwatch.yaml --db lagwatch.db --metrics-addr :9464
  lagwatch simulate --json | jq .totals`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, g, o)
		},
	}

	cmd.Flags().StringVarP(&o.configPath, "config", "c", "", "Path to a YAML or JSON config file")
	cmd.Flags().DurationVarP(&o.duration, "duration", "d", 10*time.Second, "How long to run")
	cmd.Flags().DurationVar(&o.stallEvery, "stall-every", 2*time.Second, "How often the lagger module stalls the loop (0 disables)")
	cmd.Flags().DurationVar(&o.stallFor, "stall-for", 0, "How long each stall lasts (default twice the watchdog threshold)")
	cmd.Flags().IntVar(&o.players, "players", 4, "Simulated connections")
	cmd.Flags().StringVar(&o.db, "db", "", "Persist history to this SQLite file")
	cmd.Flags().StringVar(&o.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&o.json, "json", false, "Print the final report as JSON")
	cmd.Flags().StringArrayVar(&o.exec, "exec", nil, "Host command to run at the end of the run (repeatable)")
	return cmd
}

func runSimulate(cmd *cobra.Command, g *globalOptions, o simulateOptions) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if o.db != "" {
		cfg.Storage.Enabled = true
		cfg.Storage.Path = o.db
	}
	if o.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = o.metricsAddr
	}
	if o.stallFor <= 0 {
		o.stallFor = 2 * cfg.Watchdog.Threshold.Get(watchdog.DefaultThreshold)
	}
	if o.players <= 0 {
		o.players = 1
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}

	console := output.NewConsole(output.ConsoleConfig{Writer: cmd.OutOrStdout(), NoColor: g.noColor})
	replies := console
	if o.json {
		replies = output.NewConsole(output.ConsoleConfig{Writer: cmd.ErrOrStderr(), NoColor: g.noColor})
	}
	var opts []monitor.Option
	if !o.json {
		opts = append(opts,
			monitor.WithStallHandler(console.PrintStall),
			monitor.WithViolationHandler(console.PrintViolation))
	}

	h := host.New(logger)
	h.Commands.SetReplier(replies.PrintReply)
	loop := host.NewLoop(h, cfg.Tick.Interval.Get(defaultTickInterval))
	m, err := monitor.New(cfg, h, loop, logger, opts...)
	if err != nil {
		return err
	}
	defer m.Close()

	saveDir, err := os.MkdirTemp("", "lagwatch-simulate-")
	if err != nil {
		return fmt.Errorf("create save dir: %w", err)
	}
	defer os.RemoveAll(saveDir)

	for _, p := range demoPlugins(demoOptions{stallEvery: o.stallEvery, stallFor: o.stallFor, saveDir: saveDir}) {
		if err := h.Enable(p); err != nil {
			return err
		}
	}
	if err := m.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go finishRun(ctx, cancel, h, o, replies)

	if cfg.Metrics.Enabled {
		exp, err := exporter.New(m, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := exp.Serve(ctx, cfg.Metrics.Addr); err != nil {
				logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	go driveClients(ctx, h, o.players)

	if !o.json {
		console.PrintLine("simulating for %s with %d modules", o.duration, len(h.Modules()))
	}
	if err := loop.Run(ctx); err != nil {
		return err
	}
	h.Scheduler.Wait()

	report := m.Report()
	if err := m.Close(); err != nil {
		return err
	}

	if o.json {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	console.PrintReport(report)
	if cfg.Storage.Enabled {
		console.PrintLine("history saved to %s", cfg.Storage.Path)
	}
	return nil
}

// finishRun waits out the run, executes the --exec commands on the loop and
// then stops it.
func finishRun(ctx context.Context, stop context.CancelFunc, h *host.Host, o simulateOptions, replies *output.Console) {
	defer stop()

	timer := time.NewTimer(o.duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	for _, line := range o.exec {
		select {
		case err := <-h.Commands.Submit(consoleSender, line):
			if err != nil {
				replies.PrintCommandError(line, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

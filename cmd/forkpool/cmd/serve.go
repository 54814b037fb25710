package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/psantana5/forkpool/internal/admin"
	"github.com/psantana5/forkpool/internal/cgroups"
	"github.com/psantana5/forkpool/internal/config"
	"github.com/psantana5/forkpool/internal/metrics"
	"github.com/psantana5/forkpool/internal/observe"
	"github.com/psantana5/forkpool/internal/report"
	"github.com/psantana5/forkpool/internal/spawn"
	"github.com/psantana5/forkpool/internal/supervisor"
	"github.com/psantana5/forkpool/pkg/logging"
	"github.com/psantana5/forkpool/pkg/shutdown"
)

var serveDumpMetrics bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Bind the shared socket and run the worker pool",
	Long: `Binds the listening socket (retrying while the address is in use), starts
the configured number of workers and keeps the pool at full size until a
termination signal arrives. The exit status is 0 after a clean drain,
otherwise the last non-zero worker exit code.`,
	PreRunE: func(cmd *cobra.Command, args []string) error { return bindFlags(cmd, serveFlagKeys) },
	RunE:    runServe,
}

// serveFlagKeys maps config keys to the command's flags. Bound at run time so
// that serve and worker flags sharing a key do not shadow each other.
var serveFlagKeys = map[string]string{
	"listen.host":           "host",
	"listen.port":           "port",
	"listen.handoff":        "handoff",
	"pool.workers":          "workers",
	"pool.max_restarts":     "max-restarts",
	"shutdown.grace_period": "grace-period",
	"worker.handler":        "handler",
	"admin.addr":            "admin",
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("host", "127.0.0.1", "listen host")
	f.IntP("port", "p", 3000, "listen port")
	f.String("handoff", "inherit", "socket sharing: inherit or reuseport")
	f.IntP("workers", "w", 0, "pool size (0 = one per CPU core)")
	f.Int("max-restarts", 0, "respawns per slot before the pool stops (0 = unlimited)")
	f.Duration("grace-period", 10*time.Second, "time a worker gets to exit before SIGKILL")
	f.String("handler", "echo", "worker service: echo or http")
	f.String("admin", "127.0.0.1:9100", "admin endpoint address (empty disables)")
	f.BoolVar(&serveDumpMetrics, "dump-metrics", false, "print final metrics to stderr on exit")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	logger := newLogger(cfg, "supervisor", "forkpool")
	defer logger.Close()

	sup, err := newSupervisor(cfg, logger)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	// the grace period bounds the drain; leave room for the kill round
	mgr := shutdown.New(cfg.Shutdown.GracePeriod+5*time.Second, logger)

	var adminSrv *admin.Server
	if cfg.Admin.Addr != "" {
		adminSrv = admin.New(sup, sup.Metrics(), observe.New(time.Second), logger, admin.WithToken(cfg.Admin.Token))
		mgr.Register(shutdown.StopHTTPServer(adminSrv, "admin"))
	}
	mgr.Register(sup.Shutdown)

	sigCtx, stopSignals := context.WithCancel(context.Background())
	defer stopSignals()
	go mgr.Listen(sigCtx)

	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		if errors.Is(err, supervisor.ErrShutdownDuringStart) {
			logger.Info("shutdown requested before the pool started")
			return nil
		}
		logger.Error("failed to start worker pool", logging.Fields{"error": err.Error()})
		return &ExitError{Code: 1, Err: err}
	}

	if adminSrv != nil {
		if err := adminSrv.Start(cfg.Admin.Addr); err != nil {
			logger.Warn("admin endpoint disabled", logging.Fields{"addr": cfg.Admin.Addr, "error": err.Error()})
		}
	}

	code, err := sup.Run(ctx)
	if err != nil {
		logger.Error("supervisor stopped with error", logging.Fields{"error": err.Error()})
	}

	// a restart-limit stop comes from inside the pool; run the same teardown
	mgr.Shutdown("supervisor exited")

	if serveDumpMetrics {
		sup.Metrics().WriteText(os.Stderr)
	}

	logger.Info("exiting", logging.Fields{"exit_code": code, "reason": sup.Reason()})
	if code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

// newSupervisor wires the exec spawner and supervisor from cfg.
func newSupervisor(cfg *config.Config, logger *logging.Logger) (*supervisor.Supervisor, error) {
	instance := uuid.NewString()

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot locate own executable: %w", err)
	}

	var cg *cgroups.Manager
	if !cfg.Worker.Limits.Empty() {
		cg = cgroups.New("forkpool")
	}

	sp, err := spawn.New(spawn.Options{
		Path:    exe,
		Args:    workerArgs(cfg),
		Title:   cfg.Worker.Title,
		Limits:  cfg.Worker.Limits,
		Cgroups: cg,
		Logger:  logger.WithComponent("spawn"),
	})
	if err != nil {
		return nil, err
	}

	return supervisor.New(cfg.Supervisor(), sp,
		supervisor.WithLogger(logger),
		supervisor.WithMetrics(metrics.New()),
		supervisor.WithCrashLog(report.NewCrashLog(report.DefaultCrashLogSize)),
		supervisor.WithInstance(instance),
	), nil
}

// workerArgs passes the resolved worker settings to the worker subcommand,
// so workers agree with the supervisor whatever the config source was.
func workerArgs(cfg *config.Config) []string {
	args := []string{
		"worker",
		"--handler", cfg.Worker.Handler,
		"--greeting", cfg.Worker.Greeting,
		"--drain-timeout", cfg.Worker.DrainTimeout.String(),
		"--bind-retry-interval", cfg.Listen.BindRetryInterval.String(),
		"--log-level", cfg.Log.Level,
		"--log-json=" + strconv.FormatBool(cfg.Log.JSON),
		"--log-file=" + strconv.FormatBool(cfg.Log.File),
	}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	return args
}

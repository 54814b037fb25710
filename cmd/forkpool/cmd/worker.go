package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/forkpool/internal/handoff"
	"github.com/psantana5/forkpool/internal/worker"
	"github.com/psantana5/forkpool/pkg/logging"
	"github.com/psantana5/forkpool/pkg/shutdown"
)

var workerCmd = &cobra.Command{
	Use:     "worker",
	Short:   "Serve connections from a socket handed over by forkpool serve",
	Hidden:  true,
	PreRunE: func(cmd *cobra.Command, args []string) error { return bindFlags(cmd, workerFlagKeys) },
	RunE:    runWorker,
}

var workerFlagKeys = map[string]string{
	"worker.handler":             "handler",
	"worker.greeting":            "greeting",
	"worker.drain_timeout":       "drain-timeout",
	"listen.bind_retry_interval": "bind-retry-interval",
	"log.file":                   "log-file",
}

func init() {
	rootCmd.AddCommand(workerCmd)

	f := workerCmd.Flags()
	f.String("handler", "echo", "worker service: echo or http")
	f.String("greeting", worker.DefaultGreeting, "echo greeting")
	f.Duration("drain-timeout", worker.DefaultDrainTimeout, "time in-flight connections get after a stop request")
	f.Duration("bind-retry-interval", time.Second, "reuseport bind retry interval")
	f.Bool("log-file", false, "also log to the worker log directory")
}

func runWorker(cmd *cobra.Command, args []string) error {
	rcv, err := handoff.Receive()
	if err != nil {
		return &ExitError{Code: 2, Err: fmt.Errorf("worker must be started by forkpool serve: %w", err)}
	}

	cfg, err := loadConfig()
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	logger := newLogger(cfg, "worker", fmt.Sprintf("slot-%d", rcv.Slot)).WithFields(logging.Fields{
		"pid":  os.Getpid(),
		"slot": rcv.Slot,
	})
	defer logger.Close()

	var notifier *handoff.Notifier
	if rcv.Messages != nil {
		notifier = handoff.NewNotifier(rcv.Messages, 16)
		defer notifier.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdown.Signals...)
	defer stop()

	ln, err := worker.Listen(ctx, rcv, cfg.Listen.BindRetryInterval)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logger.Error("failed to obtain listener", logging.Fields{"error": err.Error()})
		return &ExitError{Code: 1, Err: err}
	}

	svc, err := worker.NewService(worker.ServiceOptions{
		Kind:     cfg.Worker.Handler,
		Greeting: cfg.Worker.Greeting,
		PID:      os.Getpid(),
		Slot:     rcv.Slot,
		Logger:   logger,
	})
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	w := worker.New(worker.Config{Slot: rcv.Slot, DrainTimeout: cfg.Worker.DrainTimeout}, svc, notifier, logger)
	if err := w.Run(ctx, ln); err != nil {
		logger.Error("worker failed", logging.Fields{"error": err.Error()})
		return &ExitError{Code: 1, Err: err}
	}
	logger.Info("worker exiting")
	return nil
}

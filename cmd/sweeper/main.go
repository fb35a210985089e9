package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"voicemeter/internal/app"
	"voicemeter/internal/config"
	"voicemeter/internal/logging"
	"voicemeter/internal/services"

	"github.com/robfig/cron/v3"
)

var (
	runOnce = flag.Bool("run-once", false, "Run both sweeps once and exit")
	only    = flag.String("only", "", "With --run-once, run a single sweep: low_balance or reconcile")
)

func main() {
	flag.Parse()
	cfg := config.Load()
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithField("error", err).Fatal("failed to start")
	}
	defer application.Close()

	jobs := map[string]func(context.Context) (services.SweepSummary, error){
		services.SweepReconcile:  application.Sweeper.ReconcileAll,
		services.SweepLowBalance: application.Sweeper.SweepLowBalances,
	}

	if *runOnce {
		failed := false
		// Reconcile first so the low-balance sweep sees fresh balances.
		for _, name := range []string{services.SweepReconcile, services.SweepLowBalance} {
			if *only != "" && *only != name {
				continue
			}
			if !runJob(ctx, logger, name, jobs[name]) {
				failed = true
			}
		}
		if failed {
			os.Exit(1)
		}
		return
	}

	c := cron.New()
	schedules := map[string]string{
		services.SweepReconcile:  cfg.ReconcileSchedule,
		services.SweepLowBalance: cfg.SweepSchedule,
	}
	for name, schedule := range schedules {
		job := jobs[name]
		sweep := name
		if _, err := c.AddFunc(schedule, func() { runJob(ctx, logger, sweep, job) }); err != nil {
			logger.WithFields(logging.Fields{"sweep": name, "schedule": schedule, "error": err}).Fatal("invalid schedule")
		}
		logger.WithFields(logging.Fields{"sweep": name, "schedule": schedule}).Info("sweep scheduled")
	}
	c.Start()

	<-ctx.Done()
	logger.Info("shutting down, waiting for running sweeps")
	<-c.Stop().Done()
}

// runJob logs the outcome of one sweep. It reports false only when the sweep
// could not run at all; per-user failures are counted in the summary.
func runJob(ctx context.Context, logger logging.Logger, name string, job func(context.Context) (services.SweepSummary, error)) bool {
	summary, err := job(ctx)
	if err != nil {
		logger.WithFields(logging.Fields{"sweep": name, "error": err}).Error("sweep failed")
		return false
	}
	logger.WithFields(logging.Fields{
		"sweep":     summary.Sweep,
		"processed": summary.Processed,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	}).Info("sweep finished")
	return true
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"

	"schedkit/internal/config"
	"schedkit/internal/diag"
	"schedkit/internal/eventbus"
	"schedkit/internal/schedule"
	"schedkit/internal/scheduler"
	"schedkit/internal/store"
	"schedkit/internal/trigger"
	logx "schedkit/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./schedkit.yaml", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.ConsoleEnabled(),
		File:    logx.FileConfig{Enabled: cfg.Log.File != "", Path: cfg.Log.File},
	})
	defer logSvc.Close()

	busyTimeout, err := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
	if err != nil {
		return err
	}
	st, err := store.Open(store.Config{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return err
	}
	defer st.Close()

	schedPoll, err := config.ParseDurationOrDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval, time.Second)
	if err != nil {
		return err
	}
	defaultTimeout, err := config.ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		return err
	}
	trigPoll, err := config.ParseDurationOrDefault("triggers.poll_interval", cfg.Triggers.PollInterval, time.Second)
	if err != nil {
		return err
	}

	bus := eventbus.New()

	sched := scheduler.New(scheduler.Config{
		PollInterval:   schedPoll,
		DefaultTimeout: defaultTimeout,
	}, st, log.With(logx.String("comp", "scheduler")), bus)

	// A minimal built-in executor so persisted schedules have something to
	// resolve against out of the box; real hosts register their own.
	_ = sched.RegisterExecutor("log", func(_ context.Context, spec schedule.TaskSpec) (any, error) {
		log.Info("task executed", logx.String("task", spec.Name), logx.Any("params", spec.Params))
		return "ok", nil
	})

	if err := sched.Initialize(ctx); err != nil {
		return err
	}

	engine := trigger.NewEngine(trigger.Config{PollInterval: trigPoll},
		log.With(logx.String("comp", "triggers")), bus)

	pprofSrv := diag.NewPprofServer(log)
	pprofSrv.Apply(ctx, diag.PprofConfig{
		Enabled:              cfg.Debug.Pprof.Enabled,
		Address:              cfg.Debug.Pprof.Address,
		BlockProfileRate:     cfg.Debug.Pprof.BlockProfileRate,
		MutexProfileFraction: cfg.Debug.Pprof.MutexProfileFraction,
	})

	sched.Start(ctx)
	engine.Start(ctx)

	// Best-effort readiness signal when running as a systemd service.
	_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyReady)
	if interval, err := sdnotify.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go watchdogLoop(ctx, interval/2)
	}

	<-ctx.Done()
	_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	engine.Stop(stopCtx)
	sched.Stop(stopCtx)
	pprofSrv.Stop(stopCtx)
	return nil
}

func watchdogLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyWatchdog)
		}
	}
}

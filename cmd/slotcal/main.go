package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"slotcal/internal/availability"
	"slotcal/internal/config"
	"slotcal/internal/ics"
	"slotcal/internal/ingest"
	appLog "slotcal/internal/log"
	"slotcal/internal/web"
	"slotcal/internal/zoned"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	envFile    string
	listen     string
	once       bool
}

func main() {
	flags := parseFlags()

	if err := config.LoadEnv(flags.envFile); err != nil {
		appLog.Error("failed to load env file", err, "path", flags.envFile)
		os.Exit(1)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.Init(appLog.Options{Level: appLog.ParseLevel(conf.Log.Level), Development: conf.Log.Development})
	defer appLog.Sync()

	appLog.Info("effective config",
		"listen", conf.Listen,
		"default_timezone", conf.DefaultTimezone,
		"refresh", conf.RefreshCron,
		"max_range_days", conf.MaxRangeDays,
		"precedence", conf.ExceptionPrecedence,
		"cursor_store", conf.CursorStore.Kind,
		"sources", len(conf.Sources),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, flags.once); err != nil {
		appLog.Error("slotcal exited with error", err)
		os.Exit(1)
	}
	appLog.Info("slotcal exiting")
}

func run(ctx context.Context, conf *config.Config, once bool) error {
	// One offset cache for the process; the engine and the feed side share it.
	conv := zoned.NewConverter(zoned.NewOffsetCache())

	precedence, err := availability.ParsePrecedence(conf.ExceptionPrecedence)
	if err != nil {
		return err
	}
	engine := availability.NewEngine(conv, availability.Options{
		MaxRangeDays:    conf.MaxRangeDays,
		DefaultMaxSlots: conf.MaxSlots,
		Defaults:        conf.RoleDefaults,
		Precedence:      precedence,
		PadBusyBefore:   conf.BusyPadding.Before,
		PadBusyAfter:    conf.BusyPadding.After,
	})

	store, err := ingest.OpenStore(ctx, ingest.StoreOptions{
		Kind:      conf.CursorStore.Kind,
		Dir:       conf.CursorStore.Dir,
		RedisAddr: conf.CursorStore.RedisAddr,
		RedisDB:   conf.CursorStore.RedisDB,
		KeyPrefix: conf.CursorStore.KeyPrefix,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	poller := ics.NewPoller(ics.PollerOptions{
		Timeout:     conf.FetchTimeout,
		MaxBytes:    conf.MaxFeedBytes,
		DefaultZone: conf.DefaultTimezone,
		Converter:   conv,
	})
	sources := make([]ingest.Source, 0, len(conf.Sources))
	for _, s := range conf.Sources {
		sources = append(sources, ingest.Source{ID: s.ID, Name: s.Name, URL: s.URL, TimeZone: s.TimeZone})
	}
	sched := ingest.NewScheduler(poller, store, sources, ingest.Options{
		Spec:          conf.RefreshCron,
		Concurrency:   conf.Poll.Concurrency,
		RatePerSecond: conf.Poll.RatePerSecond,
		MaxBackoff:    conf.Poll.MaxBackoff,
		HorizonDays:   conf.ExpandHorizonDays,
		Converter:     conv,
	})

	// -once: poll every source, report and exit.
	if once {
		err := sched.PollAll(ctx)
		states, serr := sched.States(ctx)
		if serr != nil {
			return errors.Join(err, serr)
		}
		for _, st := range states {
			appLog.Info("source state",
				"id", st.Source.SourceID,
				"entries", len(st.Entries),
				"failures", st.Failures,
				"last_error", st.LastError,
			)
		}
		return err
	}

	// 기동 직후 한 번 채워 두고, 이후는 cron 이 담당한다.
	if len(sources) > 0 {
		go func() {
			if err := sched.PollAll(ctx); err != nil {
				appLog.Error("initial poll finished with errors", err)
			}
		}()
		if err := sched.Start(ctx); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              conf.Listen,
		Handler:           web.NewServer(conf, engine, sched).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	sched.Stop()
	return nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "./config.yaml", "Path to config file")
	flag.StringVar(&cfg.envFile, "env", ".env", "Path to .env file (ignored if missing)")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Poll every feed once, print their state and exit")

	flag.Parse()

	return cfg
}

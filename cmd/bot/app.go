package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"RedDaySentinel/internal/collector"
	"RedDaySentinel/internal/config"
	"RedDaySentinel/internal/logger"
	"RedDaySentinel/internal/metrics"
	"RedDaySentinel/internal/model"
	"RedDaySentinel/internal/notifier"
	"RedDaySentinel/internal/recorder"
	"RedDaySentinel/internal/scheduler"
	"RedDaySentinel/internal/server"
	"RedDaySentinel/internal/strategy"
	"RedDaySentinel/internal/tracker"
)

// app holds the wired components of one process.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	closers  []io.Closer
	tracker  *tracker.Manager
	stream   *collector.StreamFetcher
	telegram *notifier.TelegramNotifier
	metrics  *metrics.Recorder
	sched    *scheduler.Scheduler
	server   *server.Server
}

// newApp loads and validates config, then wires every component.
// worker enables the price stream and the HTTP server.
func newApp(ctx context.Context, cfgPath string, worker bool) (_ *app, err error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	log, logCloser, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, closers: []io.Closer{logCloser}}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	log.Info().
		Str("symbol", cfg.Source.Symbol).
		Float64("intraday_threshold", cfg.Trigger.IntradayThreshold).
		Float64("close_threshold", cfg.Trigger.CloseThreshold).
		Int("max_triggers", cfg.Trigger.MaxTriggers).
		Bool("dry_run", cfg.DryRun()).
		Msg("RedDaySentinel starting")

	a.tracker, err = openTracker(cfg, log)
	if err != nil {
		return nil, err
	}

	col := collector.NewCollector(a.buildFetcher(worker), cfg.Source.Symbol, a.buildCache(ctx), log)

	renderer, err := notifier.NewRenderer(strategy.DefaultTable, cfg.Trigger.MaxTriggers, notifier.Parties{
		SenderName: cfg.Sender.Name,
		BrokerName: cfg.Recipients.BrokerName,
		BrokerAddr: cfg.Recipients.BrokerEmail,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Telegram.BotToken != "" {
		tn, terr := notifier.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Proxy, "", log)
		if terr != nil {
			log.Warn().Err(terr).Msg("telegram unavailable, continuing without it")
		} else {
			a.telegram = tn
		}
	}

	a.metrics = metrics.New()
	a.metrics.SetTriggerCount(a.tracker.Snapshot().TriggerCount)

	var sched *scheduler.Scheduler
	dcfg := notifier.DispatcherConfig{
		Mailer:      a.buildMailer(),
		Renderer:    renderer,
		Ledger:      a.tracker,
		Broker:      notifier.Recipient{Email: cfg.Recipients.BrokerEmail, Name: cfg.Recipients.BrokerName},
		Personal:    notifier.Recipient{Email: cfg.Recipients.PersonalEmail, Name: cfg.Recipients.PersonalName},
		Table:       strategy.DefaultTable,
		MaxTriggers: cfg.Trigger.MaxTriggers,
		MaxRetries:  cfg.Notify.MaxRetries,
		OnResult: func(ctx context.Context, kind string, rec model.TriggerRecord, err error) {
			sched.NotificationResult(ctx, kind, rec, err)
		},
	}
	if a.telegram != nil {
		dcfg.Telegram = a.telegram
	}

	sched = scheduler.NewScheduler(ctx, scheduler.Deps{
		Source:   col,
		Tracker:  a.tracker,
		Notifier: notifier.NewDispatcher(dcfg, log),
		Recorder: a.buildRecorder(ctx),
		Metrics:  a.metrics,
		Rules: strategy.Rules{
			IntradayThresholdPct: cfg.Trigger.IntradayThreshold,
			CloseThresholdPct:    cfg.Trigger.CloseThreshold,
			MaxTriggers:          cfg.Trigger.MaxTriggers,
		},
		Symbol: cfg.Source.Symbol,
	}, log)
	a.sched = sched

	if worker && cfg.Server.Addr != "" {
		a.server = server.New(cfg.Server.Addr, a.tracker, cfg.Trigger.MaxTriggers, a.metrics.Handler(), log)
	}
	return a, nil
}

// Run blocks until ctx is cancelled or every trigger has been delivered.
func (a *app) Run(ctx context.Context) error {
	if err := a.sched.RegisterAll(a.cfg.Schedule.IntradayCron, a.cfg.Schedule.CloseCron); err != nil {
		return fmt.Errorf("register cron tasks: %w", err)
	}

	if a.stream != nil {
		go a.stream.Run(ctx)
	}
	if a.server != nil {
		a.server.Start()
	}
	a.sched.Start()

	if a.telegram != nil && a.cfg.Telegram.Commands {
		go a.telegram.StartPolling(ctx, a.sched.HandleCommand)
		a.log.Info().Msg("telegram polling started")
	}

	if a.cfg.Schedule.RunOnStart {
		a.log.Info().Msg("RUN_ON_START enabled, checking now")
		go a.sched.RunNow()
	}

	a.log.Info().
		Str("intraday", a.cfg.Schedule.IntradayCron).
		Str("close", a.cfg.Schedule.CloseCron).
		Msg("RedDaySentinel is running, press Ctrl+C to stop")

	select {
	case <-ctx.Done():
		a.log.Info().Msg("shutdown signal received, stopping")
	case <-a.sched.Done():
		a.log.Info().Msg("DCA program complete, exiting")
	}

	a.sched.Stop()
	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.log.Error().Err(err).Msg("http server shutdown")
		}
	}
	a.log.Info().Msg("RedDaySentinel stopped")
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Error().Err(err).Msg("close")
		}
	}
	a.closers = nil
}

func (a *app) newFetcher(name string) collector.Fetcher {
	src := a.cfg.Source
	switch name {
	case "binance":
		return collector.NewBinanceFetcher(src.BinanceBaseURL, a.cfg.Proxy, src.RequestsPerMinute)
	case "yahoo":
		return collector.NewYahooFetcher(src.YahooBaseURL, a.cfg.Proxy, src.RequestsPerMinute)
	case "mock":
		price := src.MockPrice
		if price <= 0 {
			price = 60000
		}
		return &collector.MockFetcher{Price: price}
	}
	return nil
}

func (a *app) buildFetcher(worker bool) collector.Fetcher {
	src := a.cfg.Source
	primary := a.newFetcher(src.Primary)

	var fallbacks []collector.Fetcher
	for _, name := range src.Fallbacks {
		if name != src.Primary {
			fallbacks = append(fallbacks, a.newFetcher(name))
		}
	}
	f := primary
	if len(fallbacks) > 0 {
		f = collector.NewFailoverFetcher(primary, fallbacks...)
	}

	if worker && src.Stream {
		a.stream = collector.NewStreamFetcher(src.StreamURL, src.Symbol, src.StreamMaxAge, f, a.log)
		f = collector.NewFailoverFetcher(a.stream, f)
	}
	a.log.Info().Str("source", f.Name()).Strs("fallbacks", src.Fallbacks).Msg("data source")
	return f
}

func (a *app) buildCache(ctx context.Context) collector.ReferenceCache {
	r := a.cfg.Redis
	if r.Addr == "" {
		return collector.NewMemoryCache()
	}
	rc, err := collector.NewRedisCache(ctx, r.Addr, r.Password, r.DB, r.Prefix)
	if err != nil {
		a.log.Warn().Err(err).Str("addr", r.Addr).Msg("redis unavailable, using in-memory reference cache")
		return collector.NewMemoryCache()
	}
	a.closers = append(a.closers, rc)
	return rc
}

func (a *app) buildMailer() notifier.Mailer {
	if a.cfg.DryRun() {
		a.log.Warn().Msg("SMTP dry run enabled, emails are logged only")
		return notifier.NewDryRunMailer(a.log)
	}
	return notifier.NewSMTPMailer(notifier.SMTPConfig{
		Host:     a.cfg.SMTP.Server,
		Port:     a.cfg.SMTP.Port,
		Username: a.cfg.Sender.Email,
		Password: a.cfg.Sender.Password,
		From:     a.cfg.Sender.Email,
		FromName: a.cfg.Sender.Name,
		Timeout:  a.cfg.SMTP.Timeout,
	})
}

// buildRecorder wires the journal sinks. A sink that fails to open is skipped.
func (a *app) buildRecorder(ctx context.Context) recorder.Recorder {
	var sinks []recorder.Recorder

	switch j := a.cfg.Journal; j.Driver {
	case "sqlite", "postgres":
		if j.Driver == "sqlite" {
			if dir := filepath.Dir(j.DSN); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					a.log.Warn().Err(err).Msg("create journal dir")
				}
			}
		}
		sr, err := recorder.NewSQLRecorder(ctx, recorder.Dialect(j.Driver), j.DSN, a.log)
		if err != nil {
			a.log.Warn().Err(err).Str("driver", j.Driver).Msg("journal unavailable, continuing without it")
		} else {
			sinks = append(sinks, sr)
		}
	}

	if k := a.cfg.Kafka; len(k.Brokers) > 0 {
		kr, err := recorder.NewKafkaRecorder(k.Brokers, k.Topic)
		if err != nil {
			a.log.Warn().Err(err).Msg("kafka journal unavailable, continuing without it")
		} else {
			sinks = append(sinks, kr)
		}
	}

	var rec recorder.Recorder
	switch len(sinks) {
	case 0:
		return recorder.NewNoopRecorder()
	case 1:
		rec = sinks[0]
	default:
		rec = recorder.NewMultiRecorder(sinks...)
	}
	a.closers = append(a.closers, rec)
	return rec
}

func newLogger(cfg *config.Config) (zerolog.Logger, io.Closer, error) {
	l, closer, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("init logger: %w", err)
	}
	return l, closer, nil
}

func openTracker(cfg *config.Config, log zerolog.Logger) (*tracker.Manager, error) {
	mgr, err := tracker.NewManager(cfg.State.File, log)
	if err != nil {
		return nil, fmt.Errorf("init trigger state: %w", err)
	}
	return mgr, nil
}

var tagStripper = strings.NewReplacer("<b>", "", "</b>", "")

// stripTags removes the chat formatting from text printed to a terminal.
func stripTags(s string) string { return tagStripper.Replace(s) }

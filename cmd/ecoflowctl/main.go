package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/ecoflowctl/internal/api"
	"codeberg.org/mutker/ecoflowctl/internal/config"
	"codeberg.org/mutker/ecoflowctl/internal/credential"
	"codeberg.org/mutker/ecoflowctl/internal/detector"
	"codeberg.org/mutker/ecoflowctl/internal/errors"
	"codeberg.org/mutker/ecoflowctl/internal/journal"
	"codeberg.org/mutker/ecoflowctl/internal/logger"
	"codeberg.org/mutker/ecoflowctl/internal/monitor"
	"codeberg.org/mutker/ecoflowctl/internal/notify"
	"codeberg.org/mutker/ecoflowctl/internal/pid"
	"codeberg.org/mutker/ecoflowctl/internal/transport"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug().Str("config_file", cfg.ConfigFile).Msg("Config loaded")

	if err := run(cfg); err != nil {
		logger.ErrorWithCode(errors.From(err)).Msg("ecoflowctl stopped with an error")
		os.Exit(1)
	}
	logger.Info().Msg("Exiting...")
}

func run(cfg *config.Config) error {
	errFactory := errors.New()
	log := logger.Get()

	if err := pid.Write(cfg.PIDFile); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(cfg.PIDFile); err != nil {
			log.Debug().Err(err).Msg("Failed to remove PID file")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := credential.New(
		cfg.EcoFlow.APIHost,
		cfg.EcoFlow.AccessKey,
		cfg.EcoFlow.SecretKey,
		cfg.EcoFlow.DeviceSN,
		credential.WithLogger(log),
	)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}

	deps := monitor.Deps{
		Dialer: transport.NewMQTTDialer(cfg.Monitor.ConnectTimeout, log),
		Logger: log,
	}
	if cfg.EcoFlow.SeedSnapshot {
		deps.Seed = provider.FetchQuota
	}
	mon, err := monitor.New(cfg.MonitorConfig(), deps)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}

	jrnl, err := journal.New(cfg.JournalConfig(), log.With("journal"))
	if err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}
	defer func() {
		if err := jrnl.Close(); err != nil {
			log.ErrorWithCode(errors.From(err)).Msg("Failed to close journal")
		}
	}()

	notifier, err := newNotifier(cfg, log.With("notify"))
	if err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}

	var server *api.Server
	if cfg.HTTP.Listen != "" {
		server, err = api.New(cfg.APIConfig(), mon, log.With("api"))
		if err != nil {
			return errFactory.Wrap(errors.ErrInitFailed, err)
		}
	}

	wire(cfg, mon, notifier, jrnl, server, log)

	log.Info().
		Str("device_sn", cfg.EcoFlow.DeviceSN).
		Str("profile", cfg.Device.Profile).
		Float64("threshold_watts", cfg.Monitor.ThresholdWatts).
		Strs("sinks", notifier.Sinks()).
		Bool("journal", jrnl.Enabled()).
		Str("http", cfg.HTTP.Listen).
		Msg("Starting ecoflowctl")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return notifier.Run(gctx) })
	if server != nil {
		g.Go(func() error { return server.Run(gctx) })
	}

	if err := mon.Start(gctx, provider.Fetch); err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		mon.Stop()
		return nil
	})

	return g.Wait()
}

func newNotifier(cfg *config.Config, log logger.Logger) (*notify.Notifier, error) {
	sinks := []notify.Sink{notify.NewLogSink(log)}

	for _, hook := range []struct{ name, url string }{
		{"channel", cfg.Notify.WebhookURL},
		{"dm", cfg.Notify.DMWebhookURL},
	} {
		if hook.url == "" {
			continue
		}
		wh, err := notify.NewWebhook(hook.name, hook.url, notify.WithUsername(cfg.Notify.Username))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, wh)
	}

	return notify.New(cfg.NotifyConfig(), log, sinks...), nil
}

// wire subscribes the notifier, journal and event stream to the monitor.
// Transition callbacks run with telemetry processing held, so each one only
// hands the event off.
func wire(cfg *config.Config, mon *monitor.Monitor, n *notify.Notifier, j journal.Journal, server *api.Server, log logger.Logger) {
	profile := cfg.Profile()
	sn := cfg.EcoFlow.DeviceSN

	mon.OnTransition(func(tr detector.Transition) {
		// The notifier logs anything it has to drop.
		_ = n.NotifyTransition(notify.Event{
			Transition: tr,
			Status:     profile.StatusOf(mon.ReadSnapshot()),
			DeviceSN:   sn,
		})
		if err := j.RecordTransition(context.Background(), journal.TransitionRecordOf(tr)); err != nil {
			log.ErrorWithContext(errors.From(err), "journal", "record_transition").Msg("Failed to journal transition")
		}
		if server != nil {
			server.PublishTransition(tr)
		}
	})

	mon.OnCommand(func(res monitor.CommandResult) {
		if err := j.RecordCommand(context.Background(), journal.CommandRecordOf(res)); err != nil {
			log.ErrorWithContext(errors.From(err), "journal", "record_command").Msg("Failed to journal command")
		}
	})

	mon.OnStateChange(func(_, to monitor.State) {
		if to == monitor.Subscribed && cfg.Notify.NotifyConnect {
			_ = n.Enqueue(notify.RenderConnected(sn))
		}
	})
}

package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"bulksender/internal/api"
	"bulksender/internal/config"
	"bulksender/internal/notify"
	"bulksender/internal/observability/pprof"
	"bulksender/internal/queue"
	"bulksender/internal/report"
	"bulksender/internal/storage"
	"bulksender/internal/transport/gateway"
	"bulksender/internal/worker"
	logx "bulksender/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Path:             path,
		BusyTimeout:      busy,
		MaxRetryAttempts: cfg.Queue.MaxRetryAttempts,
	}, nil
}

func mapQueueDefaults(cfg *config.Config) (queue.Defaults, error) {
	dmin, err := config.ParseDurationField("queue.default_delay_min", cfg.Queue.DefaultDelayMin)
	if err != nil {
		return queue.Defaults{}, err
	}
	dmax, err := config.ParseDurationField("queue.default_delay_max", cfg.Queue.DefaultDelayMax)
	if err != nil {
		return queue.Defaults{}, err
	}
	return queue.Defaults{DelayMin: dmin, DelayMax: dmax}, nil
}

func mapWorkerSettings(cfg *config.Config) (worker.Settings, error) {
	var (
		set  worker.Settings
		errs []error
	)
	dur := func(dst *time.Duration, path, raw string) {
		d, err := config.ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = d
	}
	w := cfg.Worker
	dur(&set.PollInterval, "worker.poll_interval", w.PollInterval)
	dur(&set.IdleInterval, "worker.idle_interval", w.IdleInterval)
	dur(&set.SessionCheckInterval, "worker.session_check_interval", w.SessionCheckInterval)
	dur(&set.ReconnectTimeout, "worker.reconnect_timeout", w.ReconnectTimeout)
	dur(&set.SessionLossBackoff, "worker.session_loss_backoff", w.SessionLossBackoff)
	dur(&set.IterationPause, "worker.iteration_pause", w.IterationPause)
	dur(&set.SendTimeout, "worker.send_timeout", w.SendTimeout)
	dur(&set.StartupLoginTimeout, "worker.startup_login_timeout", w.StartupLoginTimeout)

	p := cfg.Pacing
	set.Pacing.LongPauseEvery = p.LongPauseEvery
	dur(&set.Pacing.LongPauseMin, "pacing.long_pause_min", p.LongPauseMin)
	dur(&set.Pacing.LongPauseMax, "pacing.long_pause_max", p.LongPauseMax)
	dur(&set.Pacing.DelayMin, "queue.default_delay_min", cfg.Queue.DefaultDelayMin)
	dur(&set.Pacing.DelayMax, "queue.default_delay_max", cfg.Queue.DefaultDelayMax)
	set.MaxPerMinute = p.MaxPerMinute

	if err := errors.Join(errs...); err != nil {
		return worker.Settings{}, err
	}
	return set, nil
}

func mapGateway(cfg *config.Config) (gateway.Config, error) {
	g := cfg.Transport.Gateway
	timeout, err := config.ParseDurationField("transport.gateway.timeout", g.Timeout)
	if err != nil {
		return gateway.Config{}, err
	}
	poll, err := config.ParseDurationField("transport.gateway.reconnect_poll", g.ReconnectPoll)
	if err != nil {
		return gateway.Config{}, err
	}
	return gateway.Config{
		BaseURL:       g.URL,
		Token:         g.Token,
		Timeout:       timeout,
		RetryMax:      g.RetryMax,
		ReconnectPoll: poll,
	}, nil
}

func mapNotifier(cfg *config.Config) notify.Config {
	n := cfg.Notifier
	return notify.Config{
		Enabled:    n.Enabled,
		RatePerSec: n.RatePerSec,
		QueueSize:  n.QueueSize,
		Events:     n.Events,
	}
}

func mapReport(cfg *config.Config) report.Config {
	return report.Config{
		Enabled:  cfg.Report.Enabled,
		Schedule: cfg.Report.Schedule,
		Timezone: cfg.Report.Timezone,
	}
}

func mapAPI(cfg *config.Config) (api.Config, error) {
	a := cfg.API
	rt, err := config.ParseDurationField("api.read_timeout", a.ReadTimeout)
	if err != nil {
		return api.Config{}, err
	}
	wt, err := config.ParseDurationField("api.write_timeout", a.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Addr:           a.Addr,
		APIKey:         a.APIKey,
		UploadDir:      a.UploadDir,
		MaxUploadBytes: a.MaxUploadBytes,
		ReadTimeout:    rt,
		WriteTimeout:   wt,
	}, nil
}

func mapPprof(cfg *config.Config) pprof.Config {
	p := cfg.Pprof
	return pprof.Config{
		Enabled:              p.Enabled,
		Addr:                 p.Addr,
		Token:                p.Token,
		AllowInsecure:        p.AllowInsecure,
		MutexProfileFraction: p.MutexProfileFraction,
		BlockProfileRate:     p.BlockProfileRate,
	}
}

// validateMapped rejects configs that pass field validation but cannot be
// turned into component settings.
func validateMapped(cfg *config.Config) error {
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapQueueDefaults(cfg); err != nil {
		return err
	}
	if _, err := mapWorkerSettings(cfg); err != nil {
		return err
	}
	if _, err := mapGateway(cfg); err != nil {
		return err
	}
	if _, err := mapAPI(cfg); err != nil {
		return err
	}
	if p := mapPprof(cfg); p.Enabled && !p.AllowInsecure && strings.TrimSpace(p.Token) == "" &&
		strings.TrimSpace(p.Addr) != "" && !pprof.IsLoopback(strings.TrimSpace(p.Addr)) {
		return pprof.ErrInsecureBind
	}
	return nil
}

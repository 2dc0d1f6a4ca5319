package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"bulksender/internal/report"
)

var ErrInvalidConfig = errors.New("invalid config")

// Validate checks value ranges and duration syntax. It does not check that
// external endpoints are reachable.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		add(err)
		return d
	}

	if strings.TrimSpace(cfg.Storage.Path) == "" {
		add(errors.New("storage.path: required"))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if cfg.Queue.MaxRetryAttempts < 1 {
		add(errors.New("queue.max_retry_attempts: must be >= 1"))
	}
	dmin := dur("queue.default_delay_min", cfg.Queue.DefaultDelayMin)
	dmax := dur("queue.default_delay_max", cfg.Queue.DefaultDelayMax)
	if dmax > 0 && dmin > dmax {
		add(errors.New("queue.default_delay_min: must be <= default_delay_max"))
	}

	if cfg.Pacing.LongPauseEvery < 0 {
		add(errors.New("pacing.long_pause_every: must be >= 0"))
	}
	lmin := dur("pacing.long_pause_min", cfg.Pacing.LongPauseMin)
	lmax := dur("pacing.long_pause_max", cfg.Pacing.LongPauseMax)
	if lmax > 0 && lmin > lmax {
		add(errors.New("pacing.long_pause_min: must be <= long_pause_max"))
	}
	if cfg.Pacing.MaxPerMinute < 0 {
		add(errors.New("pacing.max_per_minute: must be >= 0"))
	}

	w := cfg.Worker
	dur("worker.poll_interval", w.PollInterval)
	dur("worker.idle_interval", w.IdleInterval)
	dur("worker.session_check_interval", w.SessionCheckInterval)
	dur("worker.reconnect_timeout", w.ReconnectTimeout)
	dur("worker.session_loss_backoff", w.SessionLossBackoff)
	dur("worker.iteration_pause", w.IterationPause)
	dur("worker.send_timeout", w.SendTimeout)
	dur("worker.startup_login_timeout", w.StartupLoginTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "", "gateway", "dryrun":
	default:
		add(fmt.Errorf("transport.driver: unknown driver %q", cfg.Transport.Driver))
	}
	dur("transport.gateway.timeout", cfg.Transport.Gateway.Timeout)
	dur("transport.gateway.reconnect_poll", cfg.Transport.Gateway.ReconnectPoll)
	if cfg.Transport.Gateway.RetryMax < 0 {
		add(errors.New("transport.gateway.retry_max: must be >= 0"))
	}

	if cfg.Notifier.Enabled {
		if strings.TrimSpace(cfg.Notifier.Token) == "" {
			add(errors.New("notifier.token: required when notifier is enabled"))
		}
		if cfg.Notifier.ChatID == 0 {
			add(errors.New("notifier.chat_id: required when notifier is enabled"))
		}
	}

	if cfg.Report.Enabled {
		if _, err := report.ParseSpec(cfg.Report.Schedule); err != nil {
			add(fmt.Errorf("report.schedule: %w", err))
		}
	}
	if tz := strings.TrimSpace(cfg.Report.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("report.timezone: %w", err))
		}
	}

	dur("api.read_timeout", cfg.API.ReadTimeout)
	dur("api.write_timeout", cfg.API.WriteTimeout)
	if cfg.API.MaxUploadBytes < 0 {
		add(errors.New("api.max_upload_bytes: must be >= 0"))
	}

	if cfg.Pprof.Enabled {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(cfg.Pprof.Addr)); err != nil {
			add(fmt.Errorf("pprof.addr: invalid %q (expected host:port): %w", cfg.Pprof.Addr, err))
		}
	}
	if cfg.Pprof.MutexProfileFraction < 0 {
		add(errors.New("pprof.mutex_profile_fraction: must be >= 0"))
	}
	if cfg.Pprof.BlockProfileRate < 0 {
		add(errors.New("pprof.block_profile_rate: must be >= 0"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

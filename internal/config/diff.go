package config

import (
	logx "bulksender/pkg/logx"
	"reflect"
	"strings"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens or api keys).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 10)
	attrs := make([]logx.Field, 0, 24)

	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.max_retry_attempts", newCfg.Queue.MaxRetryAttempts),
			logx.String("queue.default_delay_min", newCfg.Queue.DefaultDelayMin),
			logx.String("queue.default_delay_max", newCfg.Queue.DefaultDelayMax),
		)
	}

	if oldCfg.Pacing != newCfg.Pacing {
		changed = append(changed, "pacing")
		attrs = append(attrs,
			logx.Int("pacing.long_pause_every", newCfg.Pacing.LongPauseEvery),
			logx.String("pacing.long_pause_min", newCfg.Pacing.LongPauseMin),
			logx.String("pacing.long_pause_max", newCfg.Pacing.LongPauseMax),
			logx.Int("pacing.max_per_minute", newCfg.Pacing.MaxPerMinute),
		)
	}

	if oldCfg.Worker != newCfg.Worker {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.String("worker.poll_interval", newCfg.Worker.PollInterval),
			logx.String("worker.session_check_interval", newCfg.Worker.SessionCheckInterval),
			logx.String("worker.reconnect_timeout", newCfg.Worker.ReconnectTimeout),
		)
	}

	// Transport (never log token)
	ot, nt := oldCfg.Transport, newCfg.Transport
	if strings.TrimSpace(ot.Driver) != strings.TrimSpace(nt.Driver) ||
		strings.TrimSpace(ot.Gateway.URL) != strings.TrimSpace(nt.Gateway.URL) ||
		ot.Gateway.Timeout != nt.Gateway.Timeout ||
		ot.Gateway.RetryMax != nt.Gateway.RetryMax ||
		ot.Gateway.ReconnectPoll != nt.Gateway.ReconnectPoll ||
		(strings.TrimSpace(ot.Gateway.Token) != "") != (strings.TrimSpace(nt.Gateway.Token) != "") {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.driver", strings.TrimSpace(nt.Driver)),
			logx.String("transport.gateway.url", strings.TrimSpace(nt.Gateway.URL)),
			logx.Bool("transport.gateway.token_set", strings.TrimSpace(nt.Gateway.Token) != ""),
		)
	}

	// Notifier (never log token)
	on, nn := oldCfg.Notifier, newCfg.Notifier
	if on.Enabled != nn.Enabled || on.ChatID != nn.ChatID || on.ThreadID != nn.ThreadID ||
		on.RatePerSec != nn.RatePerSec || on.QueueSize != nn.QueueSize ||
		!reflect.DeepEqual(on.Events, nn.Events) ||
		(strings.TrimSpace(on.Token) != "") != (strings.TrimSpace(nn.Token) != "") {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int64("notifier.chat_id", nn.ChatID),
			logx.Bool("notifier.token_set", strings.TrimSpace(nn.Token) != ""),
		)
	}

	if oldCfg.Report != newCfg.Report {
		changed = append(changed, "report")
		attrs = append(attrs,
			logx.Bool("report.enabled", newCfg.Report.Enabled),
			logx.String("report.schedule", strings.TrimSpace(newCfg.Report.Schedule)),
			logx.String("report.timezone", strings.TrimSpace(newCfg.Report.Timezone)),
		)
	}

	// API (never log api key)
	oa, na := oldCfg.API, newCfg.API
	if strings.TrimSpace(oa.Addr) != strings.TrimSpace(na.Addr) ||
		oa.UploadDir != na.UploadDir || oa.MaxUploadBytes != na.MaxUploadBytes ||
		oa.ReadTimeout != na.ReadTimeout || oa.WriteTimeout != na.WriteTimeout ||
		(strings.TrimSpace(oa.APIKey) != "") != (strings.TrimSpace(na.APIKey) != "") {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.String("api.addr", strings.TrimSpace(na.Addr)),
			logx.Bool("api.key_set", strings.TrimSpace(na.APIKey) != ""),
		)
	}

	// Pprof (never log token)
	op, np := oldCfg.Pprof, newCfg.Pprof
	if op.Enabled != np.Enabled || strings.TrimSpace(op.Addr) != strings.TrimSpace(np.Addr) ||
		op.AllowInsecure != np.AllowInsecure ||
		op.MutexProfileFraction != np.MutexProfileFraction || op.BlockProfileRate != np.BlockProfileRate ||
		strings.TrimSpace(op.Token) != strings.TrimSpace(np.Token) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", np.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(np.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(np.Token) != ""),
		)
	}

	return changed, attrs
}

// RequiresRestart reports sections that cannot be applied to a running process.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "transport", "notifier", "api":
			out = append(out, s)
		}
	}
	return out
}

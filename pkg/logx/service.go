package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var stdout io.Writer = os.Stdout

const defaultLogFile = "./bulksender.log"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig forwards high-severity lines to an operator channel.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Service owns the process-wide log outputs. Loggers derived from it pick up
// every Apply without being rebuilt.
type Service struct {
	out atomic.Pointer[zerolog.Logger]

	mu    sync.Mutex
	file  *os.File
	alert *alertSink
}

// New applies cfg and returns the Service together with its root Logger.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{alert: newAlertSink()}
	s.Apply(cfg)
	return s, Logger{src: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.out.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{src: s} }

// SetAlertSender installs the operator channel. The notifier is built after
// the logger, so callers follow it with Apply.
func (s *Service) SetAlertSender(sender AlertSender) { s.alert.setSender(sender) }

// Apply rebuilds the outputs from cfg. A file that cannot be opened is
// reported on stderr and skipped; with no outputs left the console is used.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, newConsoleWriter(stdout))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	s.alert.configure(cfg.Alert)
	if cfg.Alert.Enabled {
		sinks = append(sinks, s.alert)
		if !s.alert.hasSender() {
			fmt.Fprintln(os.Stderr, "logx: alert logging enabled but no operator channel is configured")
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, newConsoleWriter(stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.out.Store(&zl)
}

// Close stops alert delivery and closes the log file.
func (s *Service) Close() error {
	s.alert.stop()

	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

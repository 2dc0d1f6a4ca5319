package app

import (
	"context"
	"fmt"

	"bulksender/internal/config"
	"bulksender/internal/queue"
	"bulksender/internal/storage"
	"bulksender/internal/transport"
	logx "bulksender/pkg/logx"
)

// Handle is a queue opened for one-shot admin commands. It runs none of the
// long-lived components.
type Handle struct {
	Config *config.Config
	Queue  *queue.Queue
	Log    logx.Logger

	store storage.Store
	logs  *logx.Service
}

// Open loads the config, opens storage and returns a queue over it.
func Open(ctx context.Context, cfgPath, dbPath string) (*Handle, error) {
	config.LoadDotEnv()
	cfgm := config.NewManager(cfgPath)
	if dbPath != "" {
		cfgm.SetOverride(func(c *config.Config) { c.Storage.Path = dbPath })
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	logCfg := mapLogging(cfg)
	logCfg.Alert.Enabled = false
	logSvc, log := logx.New(logCfg)

	sc, err := mapStorage(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	st, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	def, err := mapQueueDefaults(cfg)
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}
	q := queue.New(st, nil, log.With(logx.String("comp", "queue")), def)
	return &Handle{Config: cfg, Queue: q, Log: log, store: st, logs: logSvc}, nil
}

func (h *Handle) Close() error {
	err := h.store.Close()
	_ = h.logs.Close()
	return err
}

// SessionHandle is the configured transport session, built without storage or
// the worker.
type SessionHandle struct {
	Session transport.Session
	Log     logx.Logger

	logs *logx.Service
}

// OpenSession loads the config and builds the configured transport's session.
func OpenSession(cfgPath string) (*SessionHandle, error) {
	config.LoadDotEnv()
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	logCfg := mapLogging(cfg)
	logCfg.Alert.Enabled = false
	logSvc, log := logx.New(logCfg)

	_, sess, err := buildTransport(cfg, log.With(logx.String("comp", "transport")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return &SessionHandle{Session: sess, Log: log, logs: logSvc}, nil
}

// Close closes the session when the transport supports it. The worker never
// does this; it is an operator action.
func (h *SessionHandle) Close(ctx context.Context) error {
	c, ok := h.Session.(transport.Closer)
	if !ok {
		return fmt.Errorf("session %T cannot be closed explicitly", h.Session)
	}
	if err := c.CloseSession(ctx); err != nil {
		return err
	}
	h.Log.Info("transport session closed")
	return nil
}

func (h *SessionHandle) Release() error { return h.logs.Close() }

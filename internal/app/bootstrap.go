package app

import (
	"strings"

	"github.com/dshills/karyi/internal/config"
	"github.com/dshills/karyi/internal/coordinator"
	"github.com/dshills/karyi/internal/integration/process"
	"github.com/dshills/karyi/internal/ipc"
	"github.com/dshills/karyi/internal/logging"
	"github.com/dshills/karyi/internal/session"
)

// bootstrapper handles component initialization with proper cleanup on failure.
type bootstrapper struct {
	app       *Application
	opts      Options
	initOrder []string
}

func newBootstrapper(app *Application, opts Options) *bootstrapper {
	return &bootstrapper{
		app:       app,
		opts:      opts,
		initOrder: make([]string, 0, 5),
	}
}

// bootstrap initializes all components in dependency order.
// On failure, it cleans up already-initialized components.
func (b *bootstrapper) bootstrap() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"config", b.initConfig},
		{"logger", b.initLogger},
		{"store", b.initStore},
		{"client", b.initClient},
		{"coordinator", b.initCoordinator},
	}

	for _, step := range steps {
		if err := step.fn(); err != nil {
			b.cleanup()
			return &InitError{Component: step.name, Err: err}
		}
		b.initOrder = append(b.initOrder, step.name)
	}
	return nil
}

func (b *bootstrapper) initConfig() error {
	cfg := b.opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.Load(b.opts.ConfigPath)
		if err != nil {
			return err
		}
	}
	if b.opts.LogLevel != "" {
		cfg.Logging.Level = b.opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.app.config = cfg
	return nil
}

func (b *bootstrapper) initLogger() error {
	cfg := b.app.config.Logging
	level, err := logging.ParseLogLevel(cfg.Level)
	if err != nil {
		return err
	}
	b.app.logger = logging.New(logging.Config{
		Level:  level,
		Output: b.opts.LogOutput,
		JSON:   strings.EqualFold(cfg.Format, "json"),
		Name:   "karyi",
	})
	return nil
}

func (b *bootstrapper) initStore() error {
	path := b.app.config.Session.StorePath
	if path == "" {
		b.app.logger.Info("session persistence disabled")
		return nil
	}
	store, err := session.OpenStore(path)
	if err != nil {
		return err
	}
	b.app.store = store
	b.app.logger.Debug("session store opened", "path", path)
	return nil
}

func (b *bootstrapper) initClient() error {
	w := b.app.config.Worker
	b.app.client = ipc.New(ipc.Config{
		Process: process.Config{
			Executable:     w.Executable,
			Entry:          w.Entry,
			Args:           w.Args,
			WorkDir:        w.WorkDir,
			Env:            w.Env,
			ReadyMarker:    w.ReadyMarker,
			StartupTimeout: w.StartupTimeout,
			StopGrace:      w.StopGrace,
		},
		Timeout: b.app.config.RPC.Timeout,
	},
		ipc.WithLogger(b.app.logger),
		ipc.WithDiagnosticHandler(b.app.logDiagnostic),
	)
	return nil
}

func (b *bootstrapper) initCoordinator() error {
	cfg := b.app.config
	opts := []coordinator.Option{coordinator.WithLogger(b.app.logger)}
	if b.app.store != nil {
		opts = append(opts, coordinator.WithStore(b.app.store))
	}

	temperature := cfg.AI.Temperature
	b.app.coord = coordinator.New(b.app.client, coordinator.Config{
		AI: coordinator.AIConfig{
			Provider:    cfg.AI.Provider,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			BaseURL:     cfg.AI.BaseURL,
			Temperature: &temperature,
			MaxTokens:   cfg.AI.MaxTokens,
		},
		SystemPrompt:   cfg.Session.SystemPrompt,
		Stream:         cfg.Session.Stream,
		RequestTimeout: cfg.RPC.Timeout,
		Restart:        restartPolicy(cfg.Worker.RestartAttempts),
	}, opts...)
	return nil
}

func restartPolicy(attempts int) coordinator.RetryConfig {
	policy := coordinator.DefaultRetryConfig()
	policy.MaxAttempts = attempts
	return policy
}

// cleanup releases components in reverse initialization order.
func (b *bootstrapper) cleanup() {
	for i := len(b.initOrder) - 1; i >= 0; i-- {
		switch b.initOrder[i] {
		case "store":
			if b.app.store != nil {
				_ = b.app.store.Close()
				b.app.store = nil
			}
		case "logger":
			_ = b.app.logger.Sync()
		}
	}
}

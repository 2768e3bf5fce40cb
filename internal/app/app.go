// Package app wires the host components together and runs the input loop.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/karyi/internal/config"
	"github.com/dshills/karyi/internal/coordinator"
	"github.com/dshills/karyi/internal/fsm"
	"github.com/dshills/karyi/internal/integration/process"
	"github.com/dshills/karyi/internal/ipc"
	"github.com/dshills/karyi/internal/logging"
	"github.com/dshills/karyi/internal/rpc"
	"github.com/dshills/karyi/internal/session"
)

// restartTimeout bounds a worker restart triggered by the script watcher.
const restartTimeout = 15 * time.Second

// Application owns every host component.
type Application struct {
	config  *config.Config
	logger  *logging.Logger
	store   *session.Store
	client  *ipc.Client
	coord   *coordinator.Coordinator
	watcher *process.ScriptWatcher

	in    io.Reader
	out   io.Writer
	outMu sync.Mutex

	running      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error

	opts Options
}

// Options configures the application.
type Options struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string

	// Config is used as-is instead of loading ConfigPath.
	Config *config.Config

	// LogLevel overrides the configured log level.
	LogLevel string

	// Input supplies user lines. Default: os.Stdin
	Input io.Reader

	// Output receives replies. Default: os.Stdout
	Output io.Writer

	// LogOutput receives log entries. Default: os.Stderr
	LogOutput io.Writer
}

// New creates an Application. Nothing is started until Run.
func New(opts Options) (*Application, error) {
	app := &Application{
		in:   opts.Input,
		out:  opts.Output,
		opts: opts,
	}
	if app.in == nil {
		app.in = os.Stdin
	}
	if app.out == nil {
		app.out = os.Stdout
	}

	if err := newBootstrapper(app, opts).bootstrap(); err != nil {
		return nil, err
	}
	app.coord.Record().Subscribe(app.render)
	return app, nil
}

// Run initializes the coordinator and processes input lines until the input
// ends, a quit command is read or ctx is cancelled.
func (app *Application) Run(ctx context.Context) error {
	if !app.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer app.running.Store(false)

	if err := app.coord.Initialize(ctx); err != nil {
		return &InitError{Component: "coordinator", Err: err}
	}

	if app.config.Worker.WatchEntry {
		if err := app.startWatcher(); err != nil {
			app.logger.Warn("entry watcher unavailable", "error", err)
		}
	}

	app.printf("karyi ready (%s)\n", app.config.AI.Provider)
	return app.inputLoop(ctx)
}

func (app *Application) startWatcher() error {
	path := app.config.Worker.EntryPath()
	w, err := process.NewScriptWatcher(path, app.config.Worker.WatchDebounce, func(string) {
		ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
		defer cancel()
		app.logger.Info("entry script changed, restarting worker", "path", path)
		if err := app.coord.RestartWorker(ctx); err != nil {
			app.logger.Error("worker restart failed", "error", err)
		}
	}, app.logger)
	if err != nil {
		return NewComponentError("watcher", "watch "+path, err)
	}
	app.watcher = w
	return nil
}

func (app *Application) inputLoop(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(app.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return NewComponentError("input", "read", err)
			}
			return nil
		case line := <-lines:
			if app.handleLine(ctx, line) {
				return nil
			}
		}
	}
}

// handleLine processes one line and reports whether the loop should stop.
func (app *Application) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if strings.HasPrefix(line, "/") {
		return app.command(ctx, line)
	}

	if app.coord.State() == fsm.StateError && !app.coord.Recover(ctx) {
		app.printf("worker unavailable; try /restart\n")
		return false
	}
	switch state := app.coord.State(); state {
	case fsm.StateIdle:
		app.coord.Submit(ctx, line)
	case fsm.StateSessionHub:
		app.printf("in session hub; /back to return\n")
	default:
		app.printf("busy (%s)\n", state)
	}
	return false
}

func (app *Application) command(ctx context.Context, line string) bool {
	name, _, _ := strings.Cut(line, " ")
	switch name {
	case "/quit", "/exit":
		return true
	case "/state":
		app.printf("%s\n", app.coord.State())
	case "/hub":
		if !app.coord.EnterHub() {
			app.printf("cannot enter hub from %s\n", app.coord.State())
			return false
		}
		app.listSessions(ctx)
	case "/back":
		if !app.coord.LeaveHub() {
			app.printf("not in hub\n")
		}
	case "/recover":
		if !app.coord.Recover(ctx) {
			app.printf("nothing to recover from %s\n", app.coord.State())
		}
	case "/restart":
		if err := app.coord.RestartWorker(ctx); err != nil {
			app.printf("restart failed: %v\n", err)
			return false
		}
		app.printf("worker restarted\n")
	case "/clear":
		app.coord.Record().ClearMessages()
	case "/stats":
		s := app.coord.Record().Stats()
		app.printf("messages=%d tokens=%d (prompt %d, completion %d)\n",
			s.MessageCount, s.TotalTokens, s.PromptTokens, s.CompletionTokens)
	default:
		app.printf("unknown command %s\n", name)
	}
	return false
}

func (app *Application) listSessions(ctx context.Context) {
	if app.store == nil {
		app.printf("session hub (persistence disabled)\n")
		return
	}
	sums, err := app.store.List(ctx, 10)
	if err != nil {
		app.logger.Error("list sessions failed", "error", err)
		app.printf("session hub (listing failed)\n")
		return
	}
	app.printf("session hub: %d saved sessions\n", len(sums))
	for _, s := range sums {
		app.printf("  %s  %s  %d messages\n", s.ID, s.StartTime.Format(time.DateTime), s.MessageCount)
	}
}

// render prints assistant replies and error reports as they are recorded.
func (app *Application) render(ch session.Change) {
	if ch.Kind != session.ChangeMessageAdded || ch.Message == nil {
		return
	}
	m := ch.Message
	switch {
	case m.Role == session.RoleAssistant:
		app.printf("%s\n", m.Content)
	case m.Metadata != nil && m.Metadata.Error != "":
		app.printf("error: %s\n", m.Metadata.Error)
	}
}

func (app *Application) logDiagnostic(d rpc.Diagnostic) {
	if d.Kind == rpc.DiagStreamClosed {
		app.logger.Debug("worker stream closed")
		return
	}
	app.logger.Warn("worker protocol diagnostic", "kind", d.Kind.String(), "line", d.Line, "error", d.Err)
}

func (app *Application) printf(format string, args ...any) {
	app.outMu.Lock()
	defer app.outMu.Unlock()
	fmt.Fprintf(app.out, format, args...)
}

// Shutdown stops the worker, saves the session and releases resources.
// It is safe to call more than once.
func (app *Application) Shutdown(ctx context.Context) error {
	app.shutdownOnce.Do(func() {
		var errs []error
		if app.watcher != nil {
			if err := app.watcher.Close(); err != nil {
				errs = append(errs, NewComponentError("watcher", "close", err))
			}
		}
		if err := app.coord.Shutdown(ctx); err != nil {
			errs = append(errs, NewComponentError("coordinator", "shutdown", err))
		}
		if app.store != nil {
			if err := app.store.Close(); err != nil {
				errs = append(errs, NewComponentError("store", "close", err))
			}
		}
		// Sync on a terminal returns EINVAL; nothing to report.
		_ = app.logger.Sync()
		app.shutdownErr = errors.Join(errs...)
	})
	return app.shutdownErr
}

// IsRunning returns true while Run is active.
func (app *Application) IsRunning() bool {
	return app.running.Load()
}

// Config returns the resolved configuration.
func (app *Application) Config() *config.Config {
	return app.config
}

// Logger returns the application logger.
func (app *Application) Logger() *logging.Logger {
	return app.logger
}

// Coordinator returns the coordinator.
func (app *Application) Coordinator() *coordinator.Coordinator {
	return app.coord
}

// Client returns the worker client.
func (app *Application) Client() *ipc.Client {
	return app.client
}

// Store returns the session store (may be nil).
func (app *Application) Store() *session.Store {
	return app.store
}

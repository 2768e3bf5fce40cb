package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/karyi/internal/config"
	"github.com/dshills/karyi/internal/fsm"
	"github.com/dshills/karyi/internal/integration/process"
	"github.com/dshills/karyi/internal/logging"
	"github.com/dshills/karyi/internal/session"
	"github.com/dshills/karyi/internal/worker"
)

const helperEnv = "KARYI_HELPER_WORKER"

// TestHelperWorker is not a real test. It runs the reference worker when the
// test binary is launched by the application under test.
func TestHelperWorker(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}

	logger := logging.New(logging.Config{Level: logging.LogLevelInfo, Output: os.Stderr})
	_ = worker.NewServer(worker.WithLogger(logger)).Serve(context.Background(), os.Stdin, os.Stdout)
	os.Exit(0)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Worker.Executable = os.Args[0]
	cfg.Worker.Entry = ""
	cfg.Worker.Args = []string{"-test.run=^TestHelperWorker$"}
	cfg.Worker.Env = map[string]string{helperEnv: "1"}
	cfg.Worker.StopGrace = time.Second
	cfg.RPC.Timeout = 5 * time.Second
	cfg.AI.Provider = "echo"
	cfg.Session.StorePath = filepath.Join(t.TempDir(), "sessions.db")
	return cfg
}

func newApp(t *testing.T, cfg *config.Config, input string) (*Application, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	app, err := New(Options{
		Config:    cfg,
		Input:     strings.NewReader(input),
		Output:    &out,
		LogOutput: io.Discard,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	return app, &out
}

func reopenStore(t *testing.T, path string) *session.Store {
	t.Helper()
	store, err := session.OpenStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Worker.Executable = ""

	_, err := New(Options{Config: cfg, LogOutput: io.Discard})

	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "config", initErr.Component)
	assert.ErrorIs(t, err, config.ErrValidationFailed)
}

func TestNew_LogLevelOverride(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.StorePath = ""

	app, err := New(Options{Config: cfg, LogLevel: "verbose", LogOutput: io.Discard})
	assert.Nil(t, app)
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "config", initErr.Component)
}

func TestApplication_Conversation(t *testing.T) {
	cfg := testConfig(t)
	app, out := newApp(t, cfg, "hello world\n\n/stats\n/quit\nnever read\n")

	require.NoError(t, app.Run(context.Background()))

	text := out.String()
	assert.Contains(t, text, "karyi ready (echo)")
	assert.Contains(t, text, "hello world\n")
	assert.Contains(t, text, "messages=2")
	assert.NotContains(t, text, "never read")
	assert.Equal(t, fsm.StateIdle, app.Coordinator().State())
	assert.False(t, app.IsRunning())

	require.NoError(t, app.Shutdown(context.Background()))
	assert.False(t, app.Client().IsReady())

	store := reopenStore(t, cfg.Session.StorePath)
	sums, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, 2, sums[0].MessageCount)
}

func TestApplication_HubCommands(t *testing.T) {
	app, out := newApp(t, testConfig(t), strings.Join([]string{
		"/hub",
		"ignored while in hub",
		"/hub",
		"/back",
		"/back",
		"/state",
		"/recover",
		"/bogus",
	}, "\n"))

	require.NoError(t, app.Run(context.Background()))

	text := out.String()
	assert.Contains(t, text, "session hub: 0 saved sessions")
	assert.Contains(t, text, "in session hub; /back to return")
	assert.Contains(t, text, "cannot enter hub from SESSION_HUB")
	assert.Contains(t, text, "not in hub")
	assert.Contains(t, text, "IDLE\n")
	assert.Contains(t, text, "nothing to recover from IDLE")
	assert.Contains(t, text, "unknown command /bogus")
	assert.Empty(t, app.Coordinator().Record().Messages())
}

func TestApplication_RestartCommand(t *testing.T) {
	app, out := newApp(t, testConfig(t), "/restart\nafter restart\n")

	require.NoError(t, app.Run(context.Background()))

	text := out.String()
	assert.Contains(t, text, "worker restarted")
	assert.Contains(t, text, "after restart\n")
}

func TestApplication_WithoutStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.StorePath = ""
	app, out := newApp(t, cfg, "/hub\n")

	require.NoError(t, app.Run(context.Background()))

	assert.Nil(t, app.Store())
	assert.Contains(t, out.String(), "persistence disabled")
}

func TestApplication_StartupFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Worker.Executable = filepath.Join(t.TempDir(), "missing-worker")
	app, _ := newApp(t, cfg, "")

	err := app.Run(context.Background())

	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "coordinator", initErr.Component)
	assert.ErrorIs(t, err, process.ErrSpawn)
	assert.Equal(t, fsm.StateError, app.Coordinator().State())
	assert.NoError(t, app.Shutdown(context.Background()))
}

func TestApplication_ContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	var out bytes.Buffer
	app, err := New(Options{Config: testConfig(t), Input: pr, Output: &out, LogOutput: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		return app.Coordinator().State() == fsm.StateIdle
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApplication_RunTwice(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	app, err := New(Options{Config: testConfig(t), Input: pr, Output: io.Discard, LogOutput: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = app.Run(ctx) }()

	require.Eventually(t, func() bool {
		return app.Coordinator().State() == fsm.StateIdle
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, app.IsRunning())
	assert.True(t, errors.Is(app.Run(ctx), ErrAlreadyRunning))
}

func TestComponentError(t *testing.T) {
	base := errors.New("boom")
	err := NewComponentError("store", "close", base)

	assert.Equal(t, "store: close: boom", err.Error())
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "store", (&ComponentError{Component: "store"}).Error())
}

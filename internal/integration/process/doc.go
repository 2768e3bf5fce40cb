// Package process supervises the external worker process.
//
// A Supervisor owns exactly one worker at a time and drives it through the
// lifecycle NotStarted -> Starting -> Running -> Stopping -> {Stopped | Crashed}.
//
// # Readiness
//
// Start spawns the worker with three independent pipes and returns only after
// the configured ready marker appears on the worker's diagnostic stream
// (stderr), or fails with a StartupTimeoutError when the marker does not
// arrive within Config.StartupTimeout:
//
//	sup := process.NewSupervisor(process.Config{
//	    Executable:  "python",
//	    Entry:       "python/main.py",
//	    ReadyMarker: "KaryiAgent Python Engine started",
//	})
//	if err := sup.Start(ctx); err != nil {
//	    return err
//	}
//	defer sup.Stop(context.Background())
//
// Stdin and Stdout return guarded streams: writing before the worker is
// Running, or reading before it became ready, fails with ErrNotReady.
//
// # Events
//
// Diagnostic-stream lines other than the ready marker are delivered to
// LogHandlers. Every exit is delivered to ExitHandlers; an exit that Stop did
// not request is flagged Unexpected and moves the lifecycle to Crashed.
//
// # Graceful Shutdown
//
// Stop sends SIGTERM, waits up to Config.StopGrace, then sends SIGKILL. It
// returns only after the process has been reaped.
//
// # Thread Safety
//
// Supervisor and Process are safe for concurrent use. Start, Stop and Restart
// are serialized.
package process

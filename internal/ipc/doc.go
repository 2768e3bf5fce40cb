// Package ipc connects the host to its worker process.
//
// A Client owns a process.Supervisor and, for every successful start, a
// fresh rpc.Channel over the worker's stdio. When the worker exits without
// being asked to, every call still pending on that channel fails with a
// *CrashError and the channel is discarded; Start brings up a new one.
//
//	c := ipc.New(ipc.Config{Process: process.Config{Executable: "python", Entry: "main.py"}})
//	if err := c.Start(ctx); err != nil {
//	    return err
//	}
//	defer c.Stop(context.Background())
//
//	if err := c.Ping(ctx); err != nil {
//	    return err
//	}
package ipc

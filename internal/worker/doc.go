// Package worker is the reference worker process.
//
// A worker reads one request frame per line on its input stream, dispatches
// it to a registered handler and writes exactly one response frame per line
// on its output stream. Diagnostics go to a separate stream; once the worker
// is ready to accept requests it writes the readiness marker there.
//
// Requests are handled concurrently, so responses may be written in a
// different order than the requests arrived. Every write is a single
// complete line.
//
// Built-in methods:
//
//	ping           returns "pong"
//	echo           returns its params unchanged
//	ai_initialize  configures the chat provider
//	ai_request     runs one chat completion
package worker

// Package rpc implements a correlated request channel over a line-oriented
// byte stream.
//
// Each call is framed as one JSON object terminated by a newline:
//
//	{"v":"2.0","id":1,"method":"ping"}
//
// and matched to exactly one response line carrying the same id:
//
//	{"v":"2.0","id":1,"result":"pong"}
//	{"v":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}
//
// Calls may be outstanding concurrently and resolve in any order. Every call
// has its own deadline; the first of {response, deadline, context
// cancellation, Close, FailAll} settles the call and later arrivals are
// reported as diagnostics only.
//
// Lines that are not well-formed, or that carry an id with no pending call,
// never terminate the channel. They are surfaced through DiagnosticHandler.
//
// # Thread Safety
//
// Channel is safe for concurrent use. Writes are serialized so that each
// request occupies exactly one uninterrupted line on the output stream.
package rpc

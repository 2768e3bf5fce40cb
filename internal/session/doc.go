// Package session holds the conversation record the coordinator reads and
// updates, and a SQLite store for finished sessions.
//
// A Record is mutated only through its methods. Every mutation notifies the
// registered observers after the record's lock has been released, so an
// observer may read the record again without deadlocking.
package session

// Package storage is the durable job/message queue.
//
// Jobs and their messages live in a single sqlite database (modernc driver, WAL).
// Every logical operation runs in its own IMMEDIATE transaction so producers and
// the worker can share the file from separate processes.
package storage

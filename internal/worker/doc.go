// Package worker drains the message queue through a single transport session.
//
// Loop
//
// The Engine runs one cooperative loop: check the session on a fixed cadence,
// dequeue the oldest pending message across all jobs, evaluate its job's status,
// send, record the outcome, then wait out the pacing delay. Exactly one send is
// in flight at any time.
//
// Session loss
//
// When the session reports unhealthy, every running job is parked in
// waiting_for_login and a reconnect is attempted. On success only the jobs
// parked by that event go back to running; jobs an operator paused or stopped
// meanwhile are left as they are. Session failures never consume a message's
// retry budget.
//
// Shutdown
//
// Cancelling the Run context ends the loop at the next iteration boundary. A
// send in flight runs to completion and its outcome is recorded. The worker
// never closes the session.
package worker

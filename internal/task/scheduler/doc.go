// Package scheduler decides when registered tasks become eligible to run.
//
// Every identifier moves through
//
//	Idle -> Pending -> Running -> {Completed, Expired, Failed}
//
// Recurring identifiers go back to Pending after any terminal state; one-shot
// identifiers stay terminal until submitted again. At most one execution per
// identifier is Running. The scheduler never runs work itself: Poll/Claim
// hand an Execution to the runner, which calls ReportExecution exactly once.
package scheduler

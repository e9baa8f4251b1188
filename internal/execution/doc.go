// Package execution submits quoted supertransactions to a MEE relay and
// tracks them to a terminal receipt.
//
// The confirmation wait is an explicit state machine: advance is a pure
// transition function and AwaitReceipt is the ticker loop that feeds it relay
// snapshots. Transient read failures are retried with exponential backoff
// and never turn into MINED_FAILURE.
package execution

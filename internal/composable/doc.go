// Package composable turns transfer and contract-call intents into
// self-describing instructions bound to one chain. Arguments are either
// literals, packed at build time, or runtime references that the execution
// relay resolves immediately before the instruction runs.
package composable

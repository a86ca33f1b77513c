package kclient

// ExecutionState is the execution-state snapshot, updated strictly
// from iopub status messages (or synthesised as Dead by the kernel
// manager on unexpected exit).
type ExecutionState string

const (
	Starting ExecutionState = "starting"
	Idle     ExecutionState = "idle"
	Busy     ExecutionState = "busy"
	Dead     ExecutionState = "dead"
)

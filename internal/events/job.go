package events

import "time"

// JobPublished is emitted by the executor client once a job is on the wire.
type JobPublished struct {
	JobID            string
	TargetExecutorID string
	ReplyTo          string
}

// JobSettled is emitted when a job's future settles. Err is nil when a reply
// arrived.
type JobSettled struct {
	JobID    string
	Err      error
	Duration time.Duration
}

// ReplyDropped is emitted for a reply no pending job was waiting for.
type ReplyDropped struct {
	JobID            string
	ExecutorServerID string
}

// ExecutionStart is emitted by an executor before running a job.
// Query is empty for private jobs.
type ExecutionStart struct {
	JobID            string
	ExecutorServerID string
	OperationName    string
	Query            string
}

// ExecutionFinish is emitted by an executor after running a job.
type ExecutionFinish struct {
	JobID            string
	ExecutorServerID string
	ErrorCount       int
	Duration         time.Duration
}

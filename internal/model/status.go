package model

import "fmt"

// Part statuses. A part is eligible for remuxing only once every member
// segment succeeded (PartDownloaded).
const (
	PartPlanned     = "planned"
	PartDownloading = "downloading"
	PartDownloaded  = "downloaded"
	PartRemuxed     = "remuxed"
	PartFailed      = "failed"
)

// Download task statuses.
const (
	TaskPending     = "pending"
	TaskInFlight    = "in_flight"
	TaskSucceeded   = "succeeded"
	TaskFailedRetry = "failed_retryable"
	TaskFailedFatal = "failed_fatal"
)

// Job statuses, used by the batch controller.
const (
	JobPending         = "pending"
	JobRunning         = "running"
	JobCompleted       = "completed"
	JobFailed          = "failed"
	JobSkippedExisting = "skipped_existing"
)

var partTransitions = map[string]map[string]bool{
	PartPlanned: {
		PartDownloading: true,
		PartDownloaded:  true, // every segment reused from a prior run
		PartFailed:      true,
	},
	PartDownloading: {
		PartDownloaded: true,
		PartFailed:     true,
	},
	PartDownloaded: {
		PartRemuxed: true,
		PartFailed:  true,
	},
	PartRemuxed: {},
	PartFailed:  {},
}

var taskTransitions = map[string]map[string]bool{
	TaskPending: {
		TaskInFlight:  true,
		TaskSucceeded: true, // verified complete on disk, no network call
	},
	TaskInFlight: {
		TaskSucceeded:   true,
		TaskFailedRetry: true,
		TaskFailedFatal: true,
	},
	TaskFailedRetry: {
		TaskInFlight: true,
	},
	TaskSucceeded:   {},
	TaskFailedFatal: {},
}

var jobTransitions = map[string]map[string]bool{
	JobPending: {
		JobRunning:         true,
		JobSkippedExisting: true,
	},
	JobRunning: {
		JobCompleted: true,
		JobFailed:    true,
	},
	JobCompleted:       {},
	JobFailed:          {},
	JobSkippedExisting: {},
}

// TransitionPart moves a part to toStatus, rejecting illegal moves so resume
// logic stays auditable.
func TransitionPart(part *Part, toStatus string) error {
	next, ok := partTransitions[part.Status]
	if !ok || !next[toStatus] {
		return fmt.Errorf("invalid part status transition: %q -> %q (part=%d)", part.Status, toStatus, part.ID)
	}
	part.Status = toStatus
	return nil
}

// CanTransitionTask reports whether a download task may move between the two
// statuses.
func CanTransitionTask(from, to string) bool {
	next, ok := taskTransitions[from]
	return ok && next[to]
}

// TransitionJob moves a job to toStatus, rejecting illegal moves.
func TransitionJob(job *Job, toStatus string) error {
	next, ok := jobTransitions[job.Status]
	if !ok || !next[toStatus] {
		return fmt.Errorf("invalid job status transition: %q -> %q (job=%s)", job.Status, toStatus, job.ID)
	}
	job.Status = toStatus
	return nil
}

package entity

import "time"

// JobStatus is the lifecycle status of a change-control job as reported
// by the remote service. Wire values are the CHANGE_CONTROL_STATUS_*
// strings of the resource API.
type JobStatus string

const (
	StatusUnspecified JobStatus = "CHANGE_CONTROL_STATUS_UNSPECIFIED"
	StatusPending     JobStatus = "CHANGE_CONTROL_STATUS_PENDING"
	StatusApproved    JobStatus = "CHANGE_CONTROL_STATUS_APPROVED"
	StatusRunning     JobStatus = "CHANGE_CONTROL_STATUS_RUNNING"
	StatusCompleted   JobStatus = "CHANGE_CONTROL_STATUS_COMPLETED"
	StatusFailed      JobStatus = "CHANGE_CONTROL_STATUS_FAILED"
	StatusAbandoned   JobStatus = "CHANGE_CONTROL_STATUS_ABANDONED"
	StatusTerminated  JobStatus = "CHANGE_CONTROL_STATUS_TERMINATED"
)

// Terminal reports whether no further transitions will be observed.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAbandoned, StatusTerminated:
		return true
	}
	return false
}

// ShortName strips the wire prefix for log lines ("RUNNING", "FAILED", ...).
func (s JobStatus) ShortName() string {
	const prefix = "CHANGE_CONTROL_STATUS_"
	str := string(s)
	if len(str) > len(prefix) && str[:len(prefix)] == prefix {
		return str[len(prefix):]
	}
	return str
}

// ChangeJob is a snapshot of a change-control job. Created and mutated
// only by the remote service; the monitor observes, never writes.
type ChangeJob struct {
	ID     string
	Name   string
	Status JobStatus
	// Error carries the failure text when the job completed unsuccessfully.
	Error     string
	DeviceIDs []string
	UpdatedAt time.Time
}

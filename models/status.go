package models

type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusCancelled StepStatus = "cancelled"
	StepStatusSkipped   StepStatus = "skipped"
)

func (s StepStatus) IsFinish() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusCancelled, StepStatusSkipped:
		return true
	}
	return false
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusSkipped   JobStatus = "skipped"
)

func (s JobStatus) IsFinish() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled, JobStatusSkipped:
		return true
	}
	return false
}

type PipelineStatus string

const (
	PipelineStatusPending      PipelineStatus = "pending"
	PipelineStatusRunning      PipelineStatus = "running"
	PipelineStatusSucceeded    PipelineStatus = "succeeded"
	PipelineStatusFailed       PipelineStatus = "failed"
	PipelineStatusCancelled    PipelineStatus = "cancelled"
	PipelineStatusNotTriggered PipelineStatus = "not_triggered"
)

func (s PipelineStatus) IsFinish() bool {
	switch s {
	case PipelineStatusSucceeded, PipelineStatusFailed, PipelineStatusCancelled, PipelineStatusNotTriggered:
		return true
	}
	return false
}

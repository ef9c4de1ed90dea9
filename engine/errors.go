package engine

import (
	"errors"
	"fmt"
)

var (
	ErrTimedOut  = errors.New("timed out")
	ErrCancelled = errors.New("cancelled")
	ErrOOMKilled = errors.New("oom killed")
)

// ProvisioningFailure means the environment for a job could not be set
// up. It fails that job only.
type ProvisioningFailure struct {
	Job string
	Err error
}

func (e *ProvisioningFailure) Error() string {
	return fmt.Sprintf("provisioning job %s: %v", e.Job, e.Err)
}

func (e *ProvisioningFailure) Unwrap() error {
	return e.Err
}

// StepFailure is a command that ran and exited unsuccessfully.
type StepFailure struct {
	Step     string
	ExitCode int
	Err      error
}

func (e *StepFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step %q exited with code %d: %v", e.Step, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("step %q exited with code %d", e.Step, e.ExitCode)
}

func (e *StepFailure) Unwrap() error {
	return e.Err
}

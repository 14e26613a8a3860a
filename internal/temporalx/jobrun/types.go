package jobrun

import "time"

const (
	// WorkflowName drives one generation job from dispatch to a terminal
	// status. The workflow ID is "genjob-<job id>".
	WorkflowName = "generation_job"

	// ActivityTick runs one poll/claim/handler cycle against the job row.
	ActivityTick = "generation_tick"

	// SignalResume wakes a workflow that parked on a wait_until timer.
	SignalResume = "job_resume"
)

// TickResult is what one tick activity reports back to the workflow.
type TickResult struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Stage    string `json:"stage,omitempty"`
	Progress int    `json:"progress,omitempty"`
	Message  string `json:"message,omitempty"`

	// WaitUntil, when set, asks the workflow to sleep until that moment (or
	// until a resume signal) before polling again.
	WaitUntil *time.Time `json:"wait_until,omitempty"`
}

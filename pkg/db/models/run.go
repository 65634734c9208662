package models

import (
	"time"

	"github.com/uptrace/bun"
	"k8s.io/utils/ptr"
)

// State is the job status tag of a Run and the state of a Status event.
type State string

const (
	StateCreated   State = "CREATED"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
	StateTimeout   State = "TIMEOUT"
)

// TerminalStates lists every state a Run cannot leave.
var TerminalStates = []State{StateCompleted, StateFailed, StateCancelled, StateTimeout}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// Rank orders states along the lifecycle: created, running, terminal.
func (s State) Rank() int {
	switch s {
	case StateCreated:
		return 0
	case StateRunning:
		return 1
	default:
		return 2
	}
}

// StatusState narrows a job status to the states a Status event carries.
// Cancelled and timed out runs are recorded as failures.
func (s State) StatusState() State {
	switch s {
	case StateCancelled, StateTimeout:
		return StateFailed
	}
	return s
}

// LocationOrchestrator tags status events originating here rather than on
// the remote agent.
const LocationOrchestrator = "plantit"

type Run struct {
	bun.BaseModel `bun:"table:runs,alias:r"`

	GUID             string `bun:"guid,pk"`
	Name             string `bun:",notnull"`
	Username         string `bun:",notnull"`
	WorkflowOwner    string `bun:",notnull"`
	WorkflowName     string `bun:",notnull"`
	WorkflowImageURL string `bun:",nullzero"`
	AgentName        string `bun:",notnull"`

	JobID                string `bun:",nullzero"`
	JobStatus            State  `bun:",notnull"`
	JobRequestedWalltime string `bun:",nullzero"`
	JobElapsedWalltime   string `bun:",nullzero"`

	WorkDir    string         `bun:",notnull"`
	Token      string         `bun:",notnull"`
	Tags       []string       `bun:"tags"`
	InputFiles []string       `bun:"input_files"`
	Config     map[string]any `bun:"config"`
	Results    []Output       `bun:"results"`

	IsComplete  bool `bun:",notnull,default:false"`
	IsSuccess   bool `bun:",notnull,default:false"`
	IsFailure   bool `bun:",notnull,default:false"`
	IsCancelled bool `bun:",notnull,default:false"`
	IsTimeout   bool `bun:",notnull,default:false"`
	CleanedUp   bool `bun:",notnull,default:false"`

	Created   time.Time  `bun:",nullzero,notnull,default:current_timestamp"`
	Updated   time.Time  `bun:",nullzero,notnull,default:current_timestamp"`
	Completed *time.Time `bun:",nullzero"`
}

// ApplyState sets the job status tag and the terminal flags derived from it.
func (r *Run) ApplyState(s State, at time.Time) {
	r.JobStatus = s
	r.Updated = at
	if !s.Terminal() {
		return
	}
	r.IsComplete = true
	r.IsSuccess = s == StateCompleted
	r.IsFailure = s == StateFailed
	r.IsCancelled = s == StateCancelled
	r.IsTimeout = s == StateTimeout
	r.Completed = ptr.To(at)
}

// StateColumns are the run columns ApplyState touches.
var StateColumns = []string{
	"job_status", "updated", "completed",
	"is_complete", "is_success", "is_failure", "is_cancelled", "is_timeout",
}

// Output is one entry of a run's result manifest.
type Output struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Key    string `json:"key,omitempty"`
	// Error is set when the existence probe itself failed.
	Error  string `json:"error,omitempty"`
}

// Status is an append-only event attached to a Run.
type Status struct {
	bun.BaseModel `bun:"table:run_statuses,alias:s"`

	ID          int64     `bun:"id,pk,autoincrement"`
	RunGUID     string    `bun:"run_guid,notnull"`
	State       State     `bun:",notnull"`
	Description string    `bun:",notnull"`
	Location    string    `bun:",notnull"`
	Date        time.Time `bun:",notnull"`
}

// StatusWrite pairs a status event with the run columns persisted alongside
// it.
type StatusWrite struct {
	Run     *Run
	Columns []string
	Status  *Status
	// RequireActive rejects the write when the stored run is already
	// terminal.
	RequireActive bool
}

// RunFilter narrows a run listing. Zero fields do not filter.
type RunFilter struct {
	Username      string
	AgentName     string
	States        []State
	CreatedBefore time.Time
	Limit         int
}

package schemas

import (
	"time"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/runs"
)

// WorkflowRef names the repository holding a workflow.
type WorkflowRef struct {
	Owner  string `json:"owner" doc:"Repository owner"`
	Name   string `json:"name" doc:"Repository name"`
	Branch string `json:"branch,omitempty" doc:"Branch (default master)"`
}

// SubmitRunRequest represents a request to submit a run
type SubmitRunRequest struct {
	Agent      string         `json:"agent" doc:"Agent to run on"`
	Workflow   WorkflowRef    `json:"workflow" doc:"Workflow repository"`
	Name       string         `json:"name,omitempty" doc:"Run name (defaults to the guid)"`
	Config     map[string]any `json:"config,omitempty" doc:"Workflow configuration; fetched from the repository when omitted"`
	InputFiles []string       `json:"input_files,omitempty" doc:"Input file names, one task each"`
	Tags       []string       `json:"tags,omitempty" doc:"Run tags"`
	Delay      *runs.Delay    `json:"delay,omitempty" doc:"Postpone submission"`
}

// RunResponse represents a run and its current state
type RunResponse struct {
	GUID                 string          `json:"guid" doc:"Run ID"`
	Name                 string          `json:"name" doc:"Run name"`
	Owner                string          `json:"owner" doc:"Submitting user"`
	WorkflowOwner        string          `json:"workflow_owner,omitempty"`
	WorkflowName         string          `json:"workflow_name,omitempty"`
	WorkflowImageURL     string          `json:"workflow_image_url,omitempty"`
	Agent                string          `json:"agent" doc:"Agent the run executes on"`
	JobID                string          `json:"job_id,omitempty" doc:"Scheduler job id"`
	JobStatus            string          `json:"job_status" doc:"Run state" enum:"CREATED,RUNNING,COMPLETED,FAILED,CANCELLED,TIMEOUT"`
	JobRequestedWalltime string          `json:"job_requested_walltime,omitempty"`
	JobElapsedWalltime   string          `json:"job_elapsed_walltime,omitempty"`
	WorkDir              string          `json:"work_dir"`
	Tags                 []string        `json:"tags,omitempty"`
	IsComplete           bool            `json:"is_complete"`
	IsSuccess            bool            `json:"is_success"`
	IsFailure            bool            `json:"is_failure"`
	IsCancelled          bool            `json:"is_cancelled"`
	IsTimeout            bool            `json:"is_timeout"`
	CleanedUp            bool            `json:"cleaned_up"`
	Created              time.Time       `json:"created"`
	Updated              time.Time       `json:"updated"`
	Completed            *time.Time      `json:"completed,omitempty"`
	Results              []models.Output `json:"results,omitempty"`
}

func NewRunResponse(run *models.Run) RunResponse {
	return RunResponse{
		GUID:                 run.GUID,
		Name:                 run.Name,
		Owner:                run.Username,
		WorkflowOwner:        run.WorkflowOwner,
		WorkflowName:         run.WorkflowName,
		WorkflowImageURL:     run.WorkflowImageURL,
		Agent:                run.AgentName,
		JobID:                run.JobID,
		JobStatus:            string(run.JobStatus),
		JobRequestedWalltime: run.JobRequestedWalltime,
		JobElapsedWalltime:   run.JobElapsedWalltime,
		WorkDir:              run.WorkDir,
		Tags:                 run.Tags,
		IsComplete:           run.IsComplete,
		IsSuccess:            run.IsSuccess,
		IsFailure:            run.IsFailure,
		IsCancelled:          run.IsCancelled,
		IsTimeout:            run.IsTimeout,
		CleanedUp:            run.CleanedUp,
		Created:              run.Created,
		Updated:              run.Updated,
		Completed:            run.Completed,
		Results:              run.Results,
	}
}

// StatusResponse is one status event
type StatusResponse struct {
	State       string    `json:"state" enum:"CREATED,RUNNING,COMPLETED,FAILED"`
	Description string    `json:"description"`
	Location    string    `json:"location" doc:"plantit, or the agent that reported it"`
	Date        time.Time `json:"date"`
}

func NewStatusResponse(s *models.Status) StatusResponse {
	return StatusResponse{State: string(s.State), Description: s.Description, Location: s.Location, Date: s.Date}
}

// AgentResponse describes an agent a user may submit to
type AgentResponse struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Hostname    string `json:"hostname"`
	Executor    string `json:"executor" enum:"local,slurm,pbs"`
	MaxWalltime int    `json:"max_walltime,omitempty" doc:"Minutes"`
	MaxNodes    int    `json:"max_nodes,omitempty"`
	MaxCores    int    `json:"max_cores,omitempty"`
	GPU         bool   `json:"gpu"`
	Public      bool   `json:"public"`
	Owner       string `json:"owner,omitempty"`
}

func NewAgentResponse(a *models.Agent) AgentResponse {
	return AgentResponse{
		Name:        a.Name,
		Description: a.Description,
		Hostname:    a.Hostname,
		Executor:    string(a.Executor),
		MaxWalltime: a.MaxWalltime,
		MaxNodes:    a.MaxNodes,
		MaxCores:    a.MaxCores,
		GPU:         a.GPU,
		Public:      a.Public,
		Owner:       a.Owner,
	}
}

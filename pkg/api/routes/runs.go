package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/schemas"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/services"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/github"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/plog"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/runs"
)

// SubmitRunInput defines the input for submitting a run
type SubmitRunInput struct {
	Body schemas.SubmitRunRequest
}

// RunOutput is the response carrying one run
type RunOutput struct {
	Body schemas.RunResponse
}

// RunInput addresses one run
type RunInput struct {
	GUID string `path:"guid" doc:"Run ID"`
}

// ListRunsInput defines the input for listing runs
type ListRunsInput struct {
	Limit int `query:"limit" minimum:"0" maximum:"500" default:"100" doc:"Maximum number of runs, newest first"`
}

// ListRunsOutput is the response for listing runs
type ListRunsOutput struct {
	Body struct {
		Runs []schemas.RunResponse `json:"runs" doc:"List of runs"`
	}
}

// ListStatusesOutput is the response for a run's status history
type ListStatusesOutput struct {
	Body struct {
		Statuses []schemas.StatusResponse `json:"statuses" doc:"Status events, oldest first"`
	}
}

// GetRunLogsOutput is the response for getting run logs
type GetRunLogsOutput struct {
	Body struct {
		Lines []string `json:"lines" doc:"Submission log lines"`
	}
}

// ListOutputsOutput is the response for a run's result manifest
type ListOutputsOutput struct {
	Body struct {
		Outputs []models.Output `json:"outputs" doc:"Expected outputs and whether each was found"`
	}
}

// GetOutputURLInput defines the input for getting an output presigned URL
type GetOutputURLInput struct {
	GUID   string `path:"guid" doc:"Run ID"`
	Name   string `path:"name" doc:"Output file name"`
	Expiry int    `query:"expiry" default:"3600" minimum:"1" maximum:"604800" doc:"URL lifetime in seconds"`
}

// GetOutputURLOutput is the response for getting an output presigned URL
type GetOutputURLOutput struct {
	Body struct {
		URL string `json:"url" doc:"Presigned download URL"`
	}
}

// RegisterRuns registers run-related routes
func RegisterRuns(api huma.API, svcs *services.Services, logger *plog.Logger) {
	// principal resolves the caller or fails the request
	principal := func(ctx context.Context) (*schemas.User, error) {
		if svcs == nil {
			return nil, errUnavailable
		}
		return svcs.IAM.Require(ctx)
	}

	huma.Register(api, huma.Operation{
		OperationID:   "submit-run",
		Method:        http.MethodPost,
		Path:          "/api/runs",
		Summary:       "Submit a new run",
		Description:   "Validates the workflow configuration, records the run and submits it to the agent now or after the requested delay",
		Tags:          []string{TagRuns.String()},
		Security:      BearerAuth,
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *SubmitRunInput) (*RunOutput, error) {
		user, err := principal(ctx)
		if err != nil {
			return nil, err
		}
		body := input.Body
		if body.Config == nil && (body.Workflow.Owner == "" || body.Workflow.Name == "") {
			return nil, huma.Error400BadRequest("workflow owner and name are required when config is omitted")
		}
		run, err := svcs.Runs.Create(ctx, runs.CreateRequest{
			Username: user.Username,
			Agent:    body.Agent,
			Workflow: github.Workflow{
				Owner:  body.Workflow.Owner,
				Name:   body.Workflow.Name,
				Branch: body.Workflow.Branch,
			},
			Name:       body.Name,
			Config:     body.Config,
			InputFiles: body.InputFiles,
			Tags:       body.Tags,
			Delay:      body.Delay,
		})
		if err != nil {
			return nil, httpError(logger, err)
		}
		return &RunOutput{Body: schemas.NewRunResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/api/runs",
		Summary:     "List runs",
		Description: "Get the caller's runs, newest first",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *ListRunsInput) (*ListRunsOutput, error) {
		user, err := principal(ctx)
		if err != nil {
			return nil, err
		}
		list, err := svcs.Runs.List(ctx, user.Username, input.Limit)
		if err != nil {
			return nil, httpError(logger, err)
		}
		resp := &ListRunsOutput{}
		resp.Body.Runs = make([]schemas.RunResponse, 0, len(list))
		for _, run := range list {
			resp.Body.Runs = append(resp.Body.Runs, schemas.NewRunResponse(run))
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/api/runs/{guid}",
		Summary:     "Get a run",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *RunInput) (*RunOutput, error) {
		user, err := principal(ctx)
		if err != nil {
			return nil, err
		}
		run, err := svcs.Runs.Get(ctx, input.GUID, user.Username)
		if err != nil {
			return nil, httpError(logger, err)
		}
		return &RunOutput{Body: schemas.NewRunResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-statuses",
		Method:      http.MethodGet,
		Path:        "/api/runs/{guid}/statuses",
		Summary:     "Get a run's status history",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *RunInput) (*ListStatusesOutput, error) {
		user, err := principal(ctx)
		if err != nil {
			return nil, err
		}
		statuses, err := svcs.Runs.Statuses(ctx, input.GUID, user.Username)
		if err != nil {
			return nil, httpError(logger, err)
		}
		resp := &ListStatusesOutput{}
		resp.Body.Statuses = make([]schemas.StatusResponse, 0, len(statuses))
		for _, s := range statuses {
			resp.Body.Statuses = append(resp.Body.Statuses, schemas.NewStatusResponse(s))
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-run",
		Method:        http.MethodDelete,
		Path:          "/api/runs/{guid}",
		Summary:       "Cancel a run",
		Description:   "Cancels the run's scheduler job, if it is still queued or running",
		Tags:          []string{TagRuns.String()},
		Security:      BearerAuth,
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *RunInput) (*struct{}, error) {
		user, err := principal(ctx)
		if err != nil {
			return nil, err
		}
		if err := svcs.Runs.Cancel(ctx, input.GUID, user.Username); err != nil {
			return nil, httpError(logger, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cleanup-run",
		Method:        http.MethodPost,
		Path:          "/api/runs/{guid}/cleanup",
		Summary:       "Remove a finished run's working directory",
		Tags:          []string{TagRuns.String()},
		Security:      BearerAuth,
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *RunInput) (*struct{}, error) {
		user, err := principal(ctx)
		if err != nil {
			return nil, err
		}
		if err := svcs.Runs.Cleanup(ctx, input.GUID, user.Username); err != nil {
			return nil, httpError(logger, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-logs",
		Method:      http.MethodGet,
		Path:        "/api/runs/{guid}/logs",
		Summary:     "Get run logs",
		Description: "Get the submission log the orchestrator kept for a run",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *RunInput) (*GetRunLogsOutput, error) {
		user, err := principal(ctx)
		if err != nil {
			return nil, err
		}
		lines, err := svcs.Runs.Logs(ctx, input.GUID, user.Username)
		if err != nil {
			return nil, httpError(logger, err)
		}
		resp := &GetRunLogsOutput{}
		resp.Body.Lines = lines
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-outputs",
		Method:      http.MethodGet,
		Path:        "/api/runs/{guid}/outputs",
		Summary:     "List run outputs",
		Description: "Get the result manifest collected when the run completed",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *RunInput) (*ListOutputsOutput, error) {
		user, err := principal(ctx)
		if err != nil {
			return nil, err
		}
		outputs, err := svcs.Runs.Outputs(ctx, input.GUID, user.Username)
		if err != nil {
			return nil, httpError(logger, err)
		}
		resp := &ListOutputsOutput{}
		resp.Body.Outputs = outputs
		if resp.Body.Outputs == nil {
			resp.Body.Outputs = []models.Output{}
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-output-url",
		Method:      http.MethodGet,
		Path:        "/api/runs/{guid}/outputs/{name}/url",
		Summary:     "Get output download URL",
		Description: "Get a presigned URL to download an archived output",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *GetOutputURLInput) (*GetOutputURLOutput, error) {
		user, err := principal(ctx)
		if err != nil {
			return nil, err
		}
		url, err := svcs.Runs.OutputURL(ctx, input.GUID, user.Username, input.Name, time.Duration(input.Expiry)*time.Second)
		if err != nil {
			return nil, httpError(logger, err)
		}
		resp := &GetOutputURLOutput{}
		resp.Body.URL = url
		return resp, nil
	})
}

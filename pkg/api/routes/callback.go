package routes

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/services"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/plog"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/runs"
)

// CallbackInput is a status report from the agent executing a run
type CallbackInput struct {
	GUID          string `path:"guid" doc:"Run ID"`
	Authorization string `header:"Authorization" required:"true" doc:"Token <run token>"`
	Body          runs.Callback
}

func RegisterCallback(api huma.API, svcs *services.Services, logger *plog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID:   "report-run-status",
		Method:        http.MethodPost,
		Path:          "/api/runs/{guid}/status",
		Summary:       "Report run status",
		Description:   "Called by the remote agent with the run's callback token. Terminal runs accept no further reports.",
		Tags:          []string{TagRuns.String()},
		Security:      RunTokenAuth,
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *CallbackInput) (*struct{}, error) {
		if svcs == nil {
			return nil, errUnavailable
		}
		token, ok := strings.CutPrefix(input.Authorization, "Token ")
		if !ok || token == "" {
			return nil, huma.Error401Unauthorized("expected 'Authorization: Token <token>'")
		}
		if err := svcs.Runs.Callback(ctx, input.GUID, token, input.Body); err != nil {
			return nil, httpError(logger, err)
		}
		return &struct{}{}, nil
	})
}

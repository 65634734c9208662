package routes

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/schemas"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/services"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/plog"
)

type ListAgentsOutput struct {
	Body struct {
		Agents []schemas.AgentResponse `json:"agents" doc:"Agents the caller may submit to"`
	}
}

func RegisterAgents(api huma.API, svcs *services.Services, logger *plog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/api/agents",
		Summary:     "List agents",
		Description: "Enabled agents the caller owns, holds a policy on, or that are public",
		Tags:        []string{TagAgents.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *struct{}) (*ListAgentsOutput, error) {
		if svcs == nil {
			return nil, errUnavailable
		}
		user, err := svcs.IAM.Require(ctx)
		if err != nil {
			return nil, err
		}
		agents, err := svcs.Runs.Agents(ctx, user.Username)
		if err != nil {
			return nil, httpError(logger, err)
		}
		resp := &ListAgentsOutput{}
		resp.Body.Agents = make([]schemas.AgentResponse, 0, len(agents))
		for _, a := range agents {
			resp.Body.Agents = append(resp.Body.Agents, schemas.NewAgentResponse(a))
		}
		return resp, nil
	})
}

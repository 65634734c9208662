package routes

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/schemas"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/services"
)

func RegisterIAM(api huma.API, svcs *services.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "get-me",
		Method:      http.MethodGet,
		Path:        "/api/me",
		Summary:     "Get current user",
		Description: "Retrieves information about the currently authenticated user",
		Tags:        []string{TagIam.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *struct{}) (*schemas.MeResponse, error) {
		if svcs == nil {
			return nil, errUnavailable
		}
		user, err := svcs.IAM.Require(ctx)
		if err != nil {
			return nil, err
		}
		resp := &schemas.MeResponse{}
		resp.Body.User = *user
		return resp, nil
	})
}

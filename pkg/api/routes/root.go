package routes

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/services"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/plog"
)

// RegisterAPI registers every operation. svcs may be nil when only the
// OpenAPI document is needed; operations then answer 503.
func RegisterAPI(api huma.API, svcs *services.Services, logger *plog.Logger) {
	if logger == nil {
		logger = plog.NewDefault()
	}
	if svcs != nil {
		api.UseMiddleware(svcs.IAM.Middleware())
	}
	RegisterHealth(api)
	RegisterIAM(api, svcs)
	RegisterRuns(api, svcs, logger)
	RegisterCallback(api, svcs, logger)
	RegisterAgents(api, svcs, logger)
}

// RegisterWebsocket mounts the live update stream on the router.
func RegisterWebsocket(router chi.Router, svcs *services.Services) {
	router.Get("/ws/runs", websocketHandler(svcs))
}

package api

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Api struct {
	Api    huma.API
	Router *chi.Mux
}

func NewApi() *Api {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	config := huma.DefaultConfig("plantit", "1.0.0")
	config.Info.Description = "Submit containerized workflows to remote agents and follow them to completion."

	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearer": {
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
			Description:  "User token signed with AUTH_SECRET",
		},
		"runToken": {
			Type:        "apiKey",
			In:          "header",
			Name:        "Authorization",
			Description: "Per-run callback token sent as 'Token <token>'",
		},
	}

	api := humachi.New(router, config)

	return &Api{Api: api, Router: router}
}

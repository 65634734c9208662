package routes

import (
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/flow"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/perr"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/plog"
)

var errUnavailable = huma.Error503ServiceUnavailable("services not configured")

// httpError maps domain errors onto status codes. Anything unclassified is
// logged and answered with a bare 500.
func httpError(logger *plog.Logger, err error) error {
	var verr *flow.ValidationError
	switch {
	case errors.As(err, &verr):
		details := make([]error, 0, len(verr.Issues))
		for _, issue := range verr.Issues {
			details = append(details, &huma.ErrorDetail{Message: issue, Location: "body.config"})
		}
		return huma.Error400BadRequest("invalid workflow configuration", details...)
	case errors.Is(err, flow.ErrUnsupportedScheduler), perr.IsCode(err, perr.CodeValidation):
		return huma.Error400BadRequest(err.Error())
	case perr.IsCode(err, perr.CodeNotFound):
		return huma.Error404NotFound(err.Error())
	case perr.IsCode(err, perr.CodeForbidden):
		return huma.Error403Forbidden(err.Error())
	case perr.IsCode(err, perr.CodeConflict):
		return huma.Error409Conflict(err.Error())
	}
	logger.Error("request failed", "error", err)
	return huma.Error500InternalServerError("internal server error")
}

package routes

import (
	"net/http"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/services"
)

// websocketHandler streams the caller's run updates. The token may be sent
// as a bearer header or a token query parameter.
func websocketHandler(svcs *services.Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svcs == nil {
			http.Error(w, "services not configured", http.StatusServiceUnavailable)
			return
		}
		username, ok := svcs.IAM.Authenticate(r)
		if !ok {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}
		svcs.Hub.ServeWS(w, r, username)
	}
}

package iam

import (
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// Middleware attaches the bearer token's principal to the context.
// Requests without a valid token continue anonymously and are refused by
// the operations that need a principal.
func (s *IAMService) Middleware() func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		if token, ok := BearerToken(ctx.Header("Authorization")); ok {
			if user, err := s.ValidateToken(token); err == nil {
				s.logger.Debug("authenticated user", "username", user.Username)
				ctx = huma.WithValue(ctx, principalKey, user)
			} else {
				s.logger.Warn("invalid token", "error", err)
			}
		}
		next(ctx)
	}
}

// Authenticate resolves the principal of a plain HTTP request. Browsers
// cannot set headers on websocket upgrades, so a token query parameter is
// accepted as well.
func (s *IAMService) Authenticate(r *http.Request) (string, bool) {
	token, ok := BearerToken(r.Header.Get("Authorization"))
	if !ok {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", false
	}
	user, err := s.ValidateToken(token)
	if err != nil {
		s.logger.Warn("invalid token", "error", err)
		return "", false
	}
	return user.Username, true
}

func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" && parts[1] != "" {
		return parts[1], true
	}
	return "", false
}

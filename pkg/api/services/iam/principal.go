package iam

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/schemas"
)

type ctxKey string

const principalKey ctxKey = "plantit.principal"

func (s *IAMService) Principal(ctx context.Context) (*schemas.User, bool) {
	if v := ctx.Value(principalKey); v != nil {
		if p, ok := v.(*schemas.User); ok {
			return p, true
		}
	}
	return nil, false
}

// Require returns the principal or a 401.
func (s *IAMService) Require(ctx context.Context) (*schemas.User, error) {
	if p, ok := s.Principal(ctx); ok && p != nil {
		return p, nil
	}
	return nil, huma.Error401Unauthorized("Authentication required")
}

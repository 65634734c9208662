package iam

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/schemas"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/plog"
)

// TokenAudience is the audience claim every user token carries.
const TokenAudience = "plantit"

const tokenIssuer = "plantit"

// IAMService verifies the bearer tokens users present. Identity itself is
// established elsewhere; tokens are minted by the identity frontend or by
// `plantit token`.
type IAMService struct {
	secret []byte
	logger *plog.Logger
	now    func() time.Time
}

func NewIAMService(secret string, logger *plog.Logger) *IAMService {
	if logger == nil {
		logger = plog.NewDefault()
	}
	return &IAMService{secret: []byte(secret), logger: logger, now: time.Now}
}

// IssueToken mints a user token valid for ttl.
func (s *IAMService) IssueToken(user *schemas.User, ttl time.Duration) (string, error) {
	if user.Username == "" {
		return "", errors.New("username is required")
	}
	now := s.now()
	claims := ToClaims(&UserClaims{
		Username: user.Username,
		Email:    user.Email,
		Iss:      tokenIssuer,
		Aud:      TokenAudience,
		Iat:      now.Unix(),
		Exp:      now.Add(ttl).Unix(),
	})
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateToken verifies signature, expiry and audience and returns the
// principal.
func (s *IAMService) ValidateToken(tokenString string) (*schemas.User, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	uc := FromMapClaims(claims)
	if uc.Aud != TokenAudience {
		return nil, fmt.Errorf("invalid audience: expected %q, got %q", TokenAudience, uc.Aud)
	}
	if uc.Username == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return &schemas.User{Username: uc.Username, Email: uc.Email}, nil
}

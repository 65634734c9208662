package runs

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/perr"
)

const tokenSubjectPrefix = "run:"

// Tokens issues and verifies the per-run callback tokens remote agents
// present when reporting status.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

func NewTokens(secret string) (*Tokens, error) {
	if secret == "" {
		return nil, errors.New("callback token secret is required")
	}
	return &Tokens{secret: []byte(secret), now: time.Now}, nil
}

// Issue signs an HS256 token naming the run.
func (t *Tokens) Issue(guid string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:  tokenSubjectPrefix + guid,
		IssuedAt: jwt.NewNumericDate(t.now()),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign callback token: %w", err)
	}
	return signed, nil
}

// Verify accepts token only if it is the one stored on run and carries a
// valid signature for it.
func (t *Tokens) Verify(run *models.Run, token string) error {
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(run.Token)) != 1 {
		return perr.Newf(perr.CodeForbidden, "invalid callback token for run %s", run.GUID)
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return perr.New(perr.CodeForbidden, fmt.Errorf("invalid callback token: %w", err))
	}
	if claims.Subject != tokenSubjectPrefix+run.GUID {
		return perr.Newf(perr.CodeForbidden, "callback token does not belong to run %s", run.GUID)
	}
	return nil
}

package iam

import (
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

// UserClaims is the flat payload of a user token.
type UserClaims struct {
	Username string
	Email    string
	Iss      string
	Aud      string
	Iat      int64
	Exp      int64
}

// FromMapClaims maps verified token claims into UserClaims. Numeric
// claims decode as float64, so both forms are accepted.
func FromMapClaims(mc jwt.MapClaims) *UserClaims {
	uc := &UserClaims{}

	if sub, ok := mc["sub"]; ok {
		switch v := sub.(type) {
		case string:
			uc.Username = v
		case float64:
			uc.Username = strconv.FormatInt(int64(v), 10)
		default:
			uc.Username = fmt.Sprintf("%v", v)
		}
	}
	if email, ok := mc["email"].(string); ok {
		uc.Email = email
	}
	if iss, ok := mc["iss"].(string); ok {
		uc.Iss = iss
	}
	if aud, ok := mc["aud"].(string); ok {
		uc.Aud = aud
	}
	uc.Iat = numeric(mc["iat"])
	uc.Exp = numeric(mc["exp"])
	return uc
}

func numeric(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	}
	return 0
}

// ToClaims converts uc into signable claims. Timestamps are unix seconds
// set by the caller.
func ToClaims(uc *UserClaims) jwt.MapClaims {
	mc := jwt.MapClaims{}
	if uc.Username != "" {
		mc["sub"] = uc.Username
	}
	if uc.Email != "" {
		mc["email"] = uc.Email
	}
	if uc.Iss != "" {
		mc["iss"] = uc.Iss
	}
	if uc.Aud != "" {
		mc["aud"] = uc.Aud
	}
	if uc.Iat != 0 {
		mc["iat"] = uc.Iat
	}
	if uc.Exp != 0 {
		mc["exp"] = uc.Exp
	}
	return mc
}

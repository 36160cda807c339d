package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every expected bad-token condition: malformed,
// bad signature, expired, or missing subject. Callers must not surface the
// sub-case to the client.
var ErrInvalidToken = errors.New("invalid token")

// Verifier resolves a bearer token to a subject id.
type Verifier interface {
	Verify(ctx context.Context, token string) (subjectID string, err error)
}

// AppClaims defines our JWT claims structure.
type AppClaims struct {
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed tokens issued by the REST layer.
type JWTVerifier struct {
	secret []byte
}

var _ Verifier = (*JWTVerifier)(nil)

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*AppClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("%w: missing 'sub' claim", ErrInvalidToken)
	}
	return claims.Subject, nil
}

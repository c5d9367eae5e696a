package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// maxUIDLength はプロバイダのユーザーIDの最大長。
const maxUIDLength = 128

// tokenClaims はIDトークンとセッションCookieに共通するクレーム。
type tokenClaims struct {
	jwt.RegisteredClaims
	AuthTime int64  `json:"auth_time"`
	Email    string `json:"email,omitempty"`
}

// verify はRS256署名・発行者・対象者・有効期限を検証してTokenを返す。
// 署名鍵はkidヘッダに対応するプロバイダ証明書から取得する。
func (c *Client) verify(ctx context.Context, raw string, certs *certCache, issuer string) (*Token, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalid)
	}

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, fmt.Errorf("%w: missing key id", ErrInvalid)
			}
			return certs.key(ctx, kid)
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(c.projectID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnavailable):
			return nil, err
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: %w", ErrExpired, err)
		default:
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}

	if claims.Subject == "" || len(claims.Subject) > maxUIDLength {
		return nil, fmt.Errorf("%w: malformed subject", ErrInvalid)
	}
	authTime := time.Unix(claims.AuthTime, 0)
	if claims.AuthTime <= 0 || authTime.After(c.now()) {
		return nil, fmt.Errorf("%w: malformed auth_time", ErrInvalid)
	}

	tok := &Token{
		UID:      claims.Subject,
		Email:    claims.Email,
		AuthTime: authTime,
	}
	if claims.IssuedAt != nil {
		tok.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		tok.ExpiresAt = claims.ExpiresAt.Time
	}
	return tok, nil
}

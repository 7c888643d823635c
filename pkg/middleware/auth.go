package middleware

import (
	"fmt"
	"strings"
	"time"

	"engagement-ledger/pkg/authz"
	"engagement-ledger/pkg/config"
	"engagement-ledger/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const principalKey = "engagement.principal"

// Claims is the bearer token payload. The subject is the caller's messaging id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(cfg *config.Config) *Authenticator {
	return &Authenticator{
		secret: []byte(cfg.Auth.JWTSecret),
		issuer: cfg.Auth.Issuer,
	}
}

// Sign issues a token for the principal. Used by operators and tests.
func (a *Authenticator) Sign(p authz.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(a.secret)
}

func (a *Authenticator) Parse(raw string) (authz.Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return authz.Principal{}, err
	}
	if !token.Valid || claims.Subject == "" {
		return authz.Principal{}, fmt.Errorf("invalid token")
	}

	return authz.Principal{Subject: claims.Subject, Role: claims.Role}, nil
}

// Auth rejects requests without a valid bearer token and stores the caller's
// principal on the gin context.
func (a *Authenticator) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		scheme, raw, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
			_ = c.Error(errutil.ErrUnauthorized)
			c.Abort()
			return
		}

		principal, err := a.Parse(raw)
		if err != nil {
			_ = c.Error(errutil.Kind(errutil.ErrUnauthorized, errutil.WithErr(err)))
			c.Abort()
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// Principal returns the authenticated caller.
func Principal(c *gin.Context) authz.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(authz.Principal); ok {
			return p
		}
	}
	return authz.Principal{}
}

// Require aborts with 403 unless the caller's role may perform action.
func Require(policy authz.Policy, action authz.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := policy.Authorize(Principal(c), action); err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}
		c.Next()
	}
}

package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"engagement-ledger/pkg/authz"
	"engagement-ledger/pkg/config"
	"engagement-ledger/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

func newAuthenticator() *Authenticator {
	cfg := &config.Config{}
	cfg.Auth.JWTSecret = "secret"
	cfg.Auth.Issuer = "engagement-ledger"
	return NewAuthenticator(cfg)
}

type envelope struct {
	Error struct {
		Code    string `json:"code"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func newRouter(t *testing.T, auth *Authenticator) *gin.Engine {
	t.Helper()
	policy, err := authz.NewDefault()
	require.NoError(t, err)

	r := gin.New()
	r.Use(Error())
	g := r.Group("/", auth.Auth())
	g.GET("/me", func(c *gin.Context) { c.JSON(http.StatusOK, Principal(c)) })
	g.GET("/audit", Require(policy, authz.ActionAuditLedger), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	g.GET("/boom", func(c *gin.Context) { _ = c.Error(errors.New("pq: connection refused")) })
	return r
}

func get(r *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthRejectsMissingAndForgedTokens(t *testing.T) {
	auth := newAuthenticator()
	r := newRouter(t, auth)

	w := get(r, "/me", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, string(errutil.ReasonUnauthorized), decode(t, w).Error.Reason)

	other := &Authenticator{secret: []byte("other"), issuer: "engagement-ledger"}
	forged, err := other.Sign(authz.Principal{Subject: "u1", Role: authz.RoleAdmin}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, get(r, "/me", forged).Code)

	expired, err := auth.Sign(authz.Principal{Subject: "u1", Role: authz.RoleMember}, -time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, get(r, "/me", expired).Code)
}

func TestAuthStoresPrincipal(t *testing.T) {
	auth := newAuthenticator()
	r := newRouter(t, auth)

	token, err := auth.Sign(authz.Principal{Subject: "u1", Role: authz.RoleMember}, time.Minute)
	require.NoError(t, err)

	w := get(r, "/me", token)
	require.Equal(t, http.StatusOK, w.Code)
	var p authz.Principal
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	require.Equal(t, authz.Principal{Subject: "u1", Role: authz.RoleMember}, p)
}

func TestRequireChecksRole(t *testing.T) {
	auth := newAuthenticator()
	r := newRouter(t, auth)

	member, err := auth.Sign(authz.Principal{Subject: "u1", Role: authz.RoleMember}, time.Minute)
	require.NoError(t, err)
	w := get(r, "/audit", member)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, string(errutil.ReasonForbidden), decode(t, w).Error.Reason)

	core, err := auth.Sign(authz.Principal{Subject: "ops", Role: authz.RoleCore}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, get(r, "/audit", core).Code)
}

func TestErrorHidesInternalCauses(t *testing.T) {
	auth := newAuthenticator()
	r := newRouter(t, auth)
	token, err := auth.Sign(authz.Principal{Subject: "u1", Role: authz.RoleMember}, time.Minute)
	require.NoError(t, err)

	w := get(r, "/boom", token)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	env := decode(t, w)
	require.Equal(t, string(errutil.StatusInternal), env.Error.Code)
	require.Equal(t, "internal error", env.Error.Message)
	require.NotContains(t, w.Body.String(), "connection refused")
}

package submission

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"engagement-ledger/pkg/authz"
	"engagement-ledger/pkg/config"
	"engagement-ledger/pkg/httpapi"
	"engagement-ledger/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type testRouter struct {
	*gin.Engine
	auth *middleware.Authenticator
}

func newTestRouter(t *testing.T, f *fixture) *testRouter {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.Auth.JWTSecret = "test-secret"
	auth := middleware.NewAuthenticator(cfg)

	r := gin.New()
	r.Use(middleware.Error())
	registerRoutes(httpapi.APIGroup{RouterGroup: r.Group("/api/v1", auth.Auth())}, NewHandler(f.svc, f.svc.policy))
	return &testRouter{Engine: r, auth: auth}
}

func (r *testRouter) call(t *testing.T, p authz.Principal, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	token, err := r.auth.Sign(p, time.Minute)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlerSubmitAndWithdraw(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f)
	f.link(t, "u1", "alice")
	f.grant(t, "u1", 1000)
	member := authz.Principal{Subject: "u1", Role: authz.RoleMember}

	w := r.call(t, member, http.MethodPost, "/api/v1/submissions", map[string]string{
		"external_post_id": "https://x.com/alice/status/77",
		"category":         "Launch Day",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sub Submission
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))
	require.Equal(t, "77", sub.ExternalPostID)
	require.Equal(t, "launch-day", sub.Category)
	require.Equal(t, int64(500), f.balance(t, "u1"))

	w = r.call(t, member, http.MethodPost, "/api/v1/submissions", map[string]string{"external_post_id": "77"})
	require.Equal(t, http.StatusConflict, w.Code)

	other := authz.Principal{Subject: "u2", Role: authz.RoleMember}
	w = r.call(t, other, http.MethodPost, "/api/v1/submissions/"+sub.ContentID+"/withdraw", nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = r.call(t, member, http.MethodPost, "/api/v1/submissions/"+sub.ContentID+"/withdraw", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))
	require.True(t, sub.Withdrawn)
	require.Equal(t, int64(500), f.balance(t, "u1"), "withdraw does not refund")
}

func TestHandlerSubmitValidation(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f)
	member := authz.Principal{Subject: "u1", Role: authz.RoleMember}

	w := r.call(t, member, http.MethodPost, "/api/v1/submissions", map[string]string{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = r.call(t, member, http.MethodPost, "/api/v1/submissions", map[string]string{"external_post_id": "1"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	viewer := authz.Principal{Subject: "v1", Role: authz.RoleViewer}
	w = r.call(t, viewer, http.MethodPost, "/api/v1/submissions", map[string]string{"external_post_id": "1"})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandlerListAndGet(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f)
	f.link(t, "u1", "alice")
	f.grant(t, "u1", 1000)
	first, err := f.svc.Submit(t.Context(), "u1", "1", "")
	require.NoError(t, err)
	f.clock = f.clock.Add(time.Minute)
	second, err := f.svc.Submit(t.Context(), "u1", "2", "")
	require.NoError(t, err)
	viewer := authz.Principal{Subject: "v1", Role: authz.RoleViewer}

	w := r.call(t, viewer, http.MethodGet, "/api/v1/submissions?since=2025-02-28T00:00:00Z&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Data []Submission `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Data, 2)
	require.Equal(t, second.ContentID, page.Data[0].ContentID)
	require.Equal(t, first.ContentID, page.Data[1].ContentID)

	w = r.call(t, viewer, http.MethodGet, "/api/v1/submissions?since=yesterday", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = r.call(t, viewer, http.MethodGet, "/api/v1/submissions/"+first.ContentID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = r.call(t, viewer, http.MethodGet, "/api/v1/submissions/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

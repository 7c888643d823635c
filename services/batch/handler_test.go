package batch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"engagement-ledger/pkg/authz"
	"engagement-ledger/pkg/config"
	"engagement-ledger/pkg/httpapi"
	"engagement-ledger/pkg/middleware"
	"engagement-ledger/pkg/taskname"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, f *fixture, q *recordingEnqueuer) (*gin.Engine, *middleware.Authenticator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.Auth.JWTSecret = "test-secret"
	auth := middleware.NewAuthenticator(cfg)
	policy, err := authz.NewDefault()
	require.NoError(t, err)

	r := gin.New()
	r.Use(middleware.Error())
	api := httpapi.APIGroup{RouterGroup: r.Group("/api/v1", auth.Auth())}
	w := NewWorker(WorkerParams{Service: f.svc, Config: cfg, Enqueuer: q})
	registerRoutes(api, NewHandler(f.svc, w, policy))
	return r, auth
}

func call(t *testing.T, r *gin.Engine, auth *middleware.Authenticator, p authz.Principal, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	token, err := auth.Sign(p, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlerCreateQueuesJob(t *testing.T) {
	f := newFixture(t)
	q := &recordingEnqueuer{}
	r, auth := newTestRouter(t, f, q)

	w := call(t, r, auth, operator, http.MethodPost, "/api/v1/jobs")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var job Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	require.Equal(t, StatusPending, job.Status)
	require.Equal(t, TriggerAPI, job.Trigger)
	require.Equal(t, "ops", job.CreatedBy)
	require.Len(t, q.tasks, 1)
	require.Equal(t, taskname.BatchRun, q.tasks[0].Type())

	w = call(t, r, auth, operator, http.MethodGet, "/api/v1/jobs/"+job.ID)
	require.Equal(t, http.StatusOK, w.Code)

	w = call(t, r, auth, authz.Principal{Subject: "u1", Role: authz.RoleViewer}, http.MethodGet, "/api/v1/jobs")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data []Job `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
}

func TestHandlerCreateForbiddenForMembers(t *testing.T) {
	f := newFixture(t)
	q := &recordingEnqueuer{}
	r, auth := newTestRouter(t, f, q)

	w := call(t, r, auth, authz.Principal{Subject: "u1", Role: authz.RoleMember}, http.MethodPost, "/api/v1/jobs")
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Empty(t, q.tasks)
}

func TestHandlerGetUnknownJob(t *testing.T) {
	f := newFixture(t)
	r, auth := newTestRouter(t, f, &recordingEnqueuer{})

	w := call(t, r, auth, operator, http.MethodGet, "/api/v1/jobs/nope")
	require.Equal(t, http.StatusNotFound, w.Code)
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhub/internal/auth"
	"taskhub/internal/ratelimit"
	"taskhub/internal/repository/sqlite"
	"taskhub/internal/service"
)

const testSecret = "http-test-secret-0123456789abcdef0123"

type testServer struct {
	router *gin.Engine
	codec  *auth.Codec
}

// generous keeps the gate out of the way of functional tests.
var generous = Policies{
	Authenticated:   ratelimit.Policy{Name: "authenticated", Capacity: 1000, Interval: time.Minute, Subject: "authenticated users"},
	Unauthenticated: ratelimit.Policy{Name: "unauthenticated", Capacity: 1000, Interval: time.Minute, Subject: "unauthenticated endpoints"},
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestServer(t *testing.T, policies Policies, limiter ratelimit.Store) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx := context.Background()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	users := sqlite.NewUserRepository(db)
	tasks := sqlite.NewTaskRepository(db)
	require.NoError(t, users.Init(ctx))
	require.NoError(t, tasks.Init(ctx))

	codec, err := auth.NewCodec(testSecret, time.Hour)
	require.NoError(t, err)

	logger := discardLogger()

	router := gin.New()
	NewHandler(Config{
		Users:    service.NewUserService(users, codec),
		Tasks:    service.NewTaskService(tasks),
		Tokens:   codec,
		Limiter:  limiter,
		Policies: policies,
		Logger:   logger,
	}).RegisterRoutes(router)

	return &testServer{router: router, codec: codec}
}

type call struct {
	method string
	path   string
	body   any
	token  string
	ip     string
}

func (s *testServer) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()

	var body io.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.ip != "" {
		req.Header.Set("X-Forwarded-For", c.ip)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func registerAndLogin(t *testing.T, s *testServer, username string) string {
	t.Helper()

	rec := s.do(t, call{method: http.MethodPost, path: registerPath, body: map[string]string{
		"username": username, "email": username + "@example.com", "password": "secret1",
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, call{method: http.MethodPost, path: loginPath, body: map[string]string{
		"username": username, "password": "secret1",
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[loginResponse](t, rec)
	require.Equal(t, int64(s.codec.Lifetime()/time.Second), resp.ExpiresIn)
	return resp.Token
}

func TestEndToEnd(t *testing.T) {
	s := newTestServer(t, DefaultPolicies(), nil)

	rec := s.do(t, call{method: http.MethodPost, path: registerPath, body: map[string]string{
		"username": "user1", "email": "user1@example.com", "password": "secret1",
	}})
	require.Equal(t, http.StatusCreated, rec.Code)
	reg := decode[registerResponse](t, rec)
	assert.True(t, reg.Success)
	assert.Equal(t, "User registered successfully", reg.Message)
	assert.Equal(t, "user1", reg.User.Username)
	assert.Equal(t, "user1@example.com", reg.User.Email)
	assert.NotZero(t, reg.User.ID)
	assert.NotContains(t, rec.Body.String(), "password")

	rec = s.do(t, call{method: http.MethodPost, path: loginPath, body: map[string]string{
		"username": "user1", "password": "secret1",
	}})
	require.Equal(t, http.StatusOK, rec.Code)
	login := decode[loginResponse](t, rec)
	assert.True(t, login.Success)
	assert.Equal(t, "Login successful", login.Message)
	require.NotEmpty(t, login.Token)
	token := login.Token

	rec = s.do(t, call{method: http.MethodPost, path: "/api/v1/tasks", token: token, body: map[string]string{
		"title": "Buy milk", "description": "2 liters",
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[TaskResponse](t, rec)
	assert.Equal(t, "todo", string(created.Status))
	assert.Equal(t, "Buy milk", created.Title)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/v1/tasks", token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]TaskResponse](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	rec = s.do(t, call{method: http.MethodPut, path: fmt.Sprintf("/api/v1/tasks/%d", created.ID), token: token, body: map[string]string{
		"title": "Buy milk", "description": "2 liters", "status": "done",
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[TaskResponse](t, rec)
	assert.Equal(t, "done", string(updated.Status))
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.NotEqual(t, created.UpdatedAt, updated.UpdatedAt)

	rec = s.do(t, call{method: http.MethodDelete, path: fmt.Sprintf("/api/v1/tasks/%d", created.ID), token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	del := decode[envelope](t, rec)
	assert.True(t, del.Success)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/v1/tasks", token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]TaskResponse](t, rec))
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestRegister_Duplicates(t *testing.T) {
	s := newTestServer(t, generous, nil)
	registerAndLogin(t, s, "alice")

	tests := []struct {
		name    string
		body    map[string]string
		message string
	}{
		{"username", map[string]string{"username": "alice", "email": "new@example.com", "password": "secret1"}, "Username already exists"},
		{"email", map[string]string{"username": "alicia", "email": "alice@example.com", "password": "secret1"}, "Email already exists"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, call{method: http.MethodPost, path: registerPath, body: tt.body})
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decode[envelope](t, rec)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.message, resp.Message)
		})
	}
}

func TestRegister_Validation(t *testing.T) {
	s := newTestServer(t, generous, nil)

	tests := []struct {
		name       string
		body       map[string]string
		wantFields []string
	}{
		{
			name:       "every field invalid",
			body:       map[string]string{"username": "al", "email": "not-an-email", "password": "123"},
			wantFields: []string{"username", "email", "password"},
		},
		{
			name:       "username short after trimming",
			body:       map[string]string{"username": "  ab  ", "email": "ab@example.com", "password": "secret1"},
			wantFields: []string{"username"},
		},
		{
			name:       "password longer than bcrypt accepts",
			body:       map[string]string{"username": "carol", "email": "carol@example.com", "password": strings.Repeat("p", 80)},
			wantFields: []string{"password"},
		},
		{
			name:       "multibyte password longer than bcrypt accepts",
			body:       map[string]string{"username": "carol", "email": "carol@example.com", "password": strings.Repeat("é", 40)},
			wantFields: []string{"password"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, call{method: http.MethodPost, path: registerPath, body: tt.body})
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decode[envelope](t, rec)
			assert.False(t, resp.Success)
			assert.Equal(t, "Validation failed", resp.Message)
			for _, field := range tt.wantFields {
				assert.Contains(t, resp.Errors, field)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, registerPath, bytes.NewReader([]byte("{")))
	raw := httptest.NewRecorder()
	s.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
	assert.Equal(t, "Invalid request payload", decode[envelope](t, raw).Message)
}

func TestLogin_Undifferentiated(t *testing.T) {
	s := newTestServer(t, generous, nil)
	registerAndLogin(t, s, "alice")

	for _, creds := range []map[string]string{
		{"username": "alice", "password": "wrong-password"},
		{"username": "nobody", "password": "secret1"},
	} {
		rec := s.do(t, call{method: http.MethodPost, path: loginPath, body: creds})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		resp := decode[envelope](t, rec)
		assert.False(t, resp.Success)
		assert.Equal(t, "Invalid username or password", resp.Message)
	}
}

func TestTasks_RequireIdentity(t *testing.T) {
	s := newTestServer(t, generous, nil)

	for _, token := range []string{"", "garbage", "a.b.c"} {
		rec := s.do(t, call{method: http.MethodGet, path: "/api/v1/tasks", token: token})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.False(t, decode[envelope](t, rec).Success)
	}

	// a valid signature for a user that does not exist establishes nothing
	ghost, err := s.codec.Issue("ghost")
	require.NoError(t, err)
	rec := s.do(t, call{method: http.MethodGet, path: "/api/v1/tasks", token: ghost})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Token abc")
	raw := httptest.NewRecorder()
	s.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusUnauthorized, raw.Code)
}

func TestTasks_OwnershipIsolation(t *testing.T) {
	s := newTestServer(t, generous, nil)
	alice := registerAndLogin(t, s, "alice")
	bob := registerAndLogin(t, s, "bob")

	rec := s.do(t, call{method: http.MethodPost, path: "/api/v1/tasks", token: alice, body: map[string]string{"title": "alice's"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	task := decode[TaskResponse](t, rec)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/v1/tasks", token: bob})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]TaskResponse](t, rec))

	for _, id := range []int64{task.ID, task.ID + 100} {
		path := fmt.Sprintf("/api/v1/tasks/%d", id)

		rec = s.do(t, call{method: http.MethodPut, path: path, token: bob, body: map[string]string{"title": "bob's now"}})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "Task not found or access denied", decode[envelope](t, rec).Message)

		rec = s.do(t, call{method: http.MethodDelete, path: path, token: bob})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "Task not found or access denied", decode[envelope](t, rec).Message)
	}

	rec = s.do(t, call{method: http.MethodGet, path: "/api/v1/tasks", token: alice})
	list := decode[[]TaskResponse](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "alice's", list[0].Title)
}

func TestTasks_Validation(t *testing.T) {
	s := newTestServer(t, generous, nil)
	token := registerAndLogin(t, s, "alice")

	rec := s.do(t, call{method: http.MethodPost, path: "/api/v1/tasks", token: token, body: map[string]string{"title": "x", "status": "blocked"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[envelope](t, rec)
	assert.Equal(t, "status must be: todo, in-progress, done", resp.Errors["status"])

	rec = s.do(t, call{method: http.MethodPost, path: "/api/v1/tasks", token: token, body: map[string]string{"description": "no title"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "title is required", decode[envelope](t, rec).Errors["title"])

	rec = s.do(t, call{method: http.MethodPut, path: "/api/v1/tasks/abc", token: token, body: map[string]string{"title": "x"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, call{method: http.MethodPost, path: "/api/v1/tasks", token: token, body: map[string]string{"title": "   "}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTasks_ListNewestFirst(t *testing.T) {
	s := newTestServer(t, generous, nil)
	token := registerAndLogin(t, s, "alice")

	for _, title := range []string{"one", "two", "three"} {
		rec := s.do(t, call{method: http.MethodPost, path: "/api/v1/tasks", token: token, body: map[string]string{"title": title}})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := s.do(t, call{method: http.MethodGet, path: "/api/v1/tasks", token: token})
	list := decode[[]TaskResponse](t, rec)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"three", "two", "one"}, []string{list[0].Title, list[1].Title, list[2].Title})
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, generous, nil)

	rec := s.do(t, call{method: http.MethodGet, path: "/api/health"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, generous, nil)

	rec := s.do(t, call{method: http.MethodOptions, path: "/api/v1/tasks"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

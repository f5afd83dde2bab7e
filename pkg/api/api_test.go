package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalcrane/portalcrane/pkg/audit"
	"github.com/portalcrane/portalcrane/pkg/auth"
	"github.com/portalcrane/portalcrane/pkg/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	users, err := store.NewUserStore(t.TempDir())
	require.NoError(t, err)
	folders, err := store.NewFolderStore(t.TempDir())
	require.NoError(t, err)
	registries, err := store.NewRegistryStore(t.TempDir())
	require.NoError(t, err)
	sink, err := audit.NewSink(t.TempDir()+"/audit.jsonl", 10)
	require.NoError(t, err)

	return &Server{
		Resolver:          &auth.Resolver{SecretKey: "test-secret", AdminUsername: "admin", AdminPassword: "adminpass", Users: users},
		Users:             users,
		Folders:           folders,
		Registries:        registries,
		Audit:             sink,
		AccessTokenExpiry: time.Hour,
		SecretKey:         "test-secret",
	}
}

func basicAuthHeader(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func Test_HandleLogin_ReturnsTokenForValidAdminCredentials(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.Header.Set("Authorization", basicAuthHeader("admin", "adminpass"))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.NotEmpty(t, body["access_token"])
	assert.Equal(t, "bearer", body["token_type"])
}

func Test_HandleLogin_RejectsBadCredentials(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.Header.Set("Authorization", basicAuthHeader("admin", "wrong"))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func Test_AdminRoutes_RejectMissingCredentials(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/folders", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func Test_FolderCreateAndList_RoundTrip(t *testing.T) {
	s := newTestServer(t)
	auth := basicAuthHeader("admin", "adminpass")

	createReq := httptest.NewRequest(http.MethodPost, "/api/folders", strings.NewReader(`{"name":"production","description":"prod images"}`))
	createReq.Header.Set("Authorization", auth)
	createRec := httptest.NewRecorder()
	s.Router().ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/api/folders", nil)
	listReq.Header.Set("Authorization", auth)
	listRec := httptest.NewRecorder()
	s.Router().ServeHTTP(listRec, listReq)

	assert.Equal(t, http.StatusOK, listRec.Code)
	assert.Contains(t, listRec.Body.String(), "production")
}

func Test_FolderCreate_RejectsMultiSegmentName(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/folders", strings.NewReader(`{"name":"a/b"}`))
	req.Header.Set("Authorization", basicAuthHeader("admin", "adminpass"))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func Test_ParseJobID_RejectsNonUUID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/staging/jobs/not-a-uuid", nil)
	req.Header.Set("Authorization", basicAuthHeader("admin", "adminpass"))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

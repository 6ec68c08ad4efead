package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func fixedHash(hash string) func() string {
	return func() string { return hash }
}

func TestAuthMiddlewareEmptyHashIsOpen(t *testing.T) {
	h := AuthMiddleware(fixedHash(""), okHandler)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("GET", "/api/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddlewareVerifiesPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	h := AuthMiddleware(fixedHash(string(hash)), okHandler)

	// no credentials
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("GET", "/api/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	// wrong password
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/status", nil)
	req.SetBasicAuth("admin", "wrong")
	h(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// correct password
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/status", nil)
	req.SetBasicAuth("admin", "hunter2")
	h(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddlewareReadsHashPerRequest(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("old-password"), bcrypt.MinCost)
	require.NoError(t, err)

	current := string(hash)
	h := AuthMiddleware(func() string { return current }, okHandler)

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.SetBasicAuth("admin", "old-password")
	rec := httptest.NewRecorder()
	h(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// rotating the hash takes effect on the next request, no rewiring
	newHash, err := bcrypt.GenerateFromPassword([]byte("new-password"), bcrypt.MinCost)
	require.NoError(t, err)
	current = string(newHash)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/status", nil)
	req.SetBasicAuth("admin", "old-password")
	h(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/status", nil)
	req.SetBasicAuth("admin", "new-password")
	h(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSMiddlewarePreflight(t *testing.T) {
	h := CORSMiddleware(okHandler)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("OPTIONS", "/api/status", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest("GET", "/api/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

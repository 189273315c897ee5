package edge

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyClaimsRoundTrip(t *testing.T) {
	claims := sessionClaims{UserID: "user-1", OrganizationIDs: []string{"org-1"}, ExpiresAt: time.Now().Add(time.Hour).Unix()}
	token, err := signClaims(claims, "secret")
	require.NoError(t, err)

	got, err := verifyClaims(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.True(t, got.hasOrg("org-1"))
	assert.False(t, got.hasOrg("org-2"))
}

func TestVerifyClaimsRejectsWrongSecret(t *testing.T) {
	claims := sessionClaims{UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour).Unix()}
	token, err := signClaims(claims, "secret")
	require.NoError(t, err)

	_, err = verifyClaims(token, "wrong-secret")
	assert.Error(t, err)
}

func TestVerifyClaimsRejectsExpired(t *testing.T) {
	claims := sessionClaims{UserID: "user-1", ExpiresAt: time.Now().Add(-time.Hour).Unix()}
	token, err := signClaims(claims, "secret")
	require.NoError(t, err)

	_, err = verifyClaims(token, "secret")
	assert.ErrorContains(t, err, "expired")
}

func TestClientTokenAuthBearerRequiresOrgMembership(t *testing.T) {
	auth := &ClientTokenAuth{AccessSecret: "access-secret", RefreshSecret: "refresh-secret", CookieName: "session"}
	token, err := signClaims(sessionClaims{UserID: "u1", OrganizationIDs: []string{"org-1"}, ExpiresAt: time.Now().Add(time.Hour).Unix()}, "access-secret")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ws/client?orgId=org-2", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, _, err = auth.Authenticate(req)
	assert.Error(t, err, "token does not claim org-2")

	req = httptest.NewRequest(http.MethodGet, "/ws/client?orgId=org-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	orgID, userID, err := auth.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "org-1", orgID)
	assert.Equal(t, "u1", userID)
}

func TestClientTokenAuthMissingOrgID(t *testing.T) {
	auth := &ClientTokenAuth{AccessSecret: "access-secret", RefreshSecret: "refresh-secret", CookieName: "session"}
	req := httptest.NewRequest(http.MethodGet, "/ws/client", nil)
	_, _, err := auth.Authenticate(req)
	assert.ErrorContains(t, err, "orgId")
}

func TestRequireServiceTokenMiddleware(t *testing.T) {
	handler := RequireServiceToken("correct-token")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/internal/v1/dispatch", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing token must be rejected")

	req.Header.Set("x-gateway-token", "wrong-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "wrong token must be rejected")

	req.Header.Set("x-gateway-token", "correct-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

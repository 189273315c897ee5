package edge

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// sessionClaims are the HMAC-signed claims embedded in a gateway access or
// refresh token, grounded on the teacher's security.TokenBroker
// (base64(claims) + "." + base64(HMAC-SHA256(claims))) generalized from
// JIT-permission tokens to client session identity.
type sessionClaims struct {
	UserID          string   `json:"uid"`
	OrganizationIDs []string `json:"orgs"`
	ExpiresAt       int64    `json:"exp"`
}

func (c *sessionClaims) hasOrg(orgID string) bool {
	for _, o := range c.OrganizationIDs {
		if o == orgID {
			return true
		}
	}
	return false
}

// signClaims serializes and HMAC-signs claims with secret, producing the
// same "<claims>.<sig>" shape TokenBroker.IssueToken uses.
func signClaims(claims sessionClaims, secret string) (string, error) {
	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := mac.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// verifyClaims validates signature and expiry, mirroring
// TokenBroker.VerifyToken.
func verifyClaims(token, secret string) (*sessionClaims, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return nil, errors.New("invalid token format")
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, errors.New("invalid token encoding")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, errors.New("invalid signature encoding")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, errors.New("invalid token signature")
	}
	var claims sessionClaims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, errors.New("invalid token claims")
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return nil, errors.New("token expired")
	}
	return &claims, nil
}

// ClientTokenAuth implements ClientAuthenticator against a bearer access
// token or, failing that, a refresh-token cookie — each HMAC-verified
// against its own secret — requiring the caller's `orgId` query parameter
// to be among the claimed memberships (spec §4.3 "must also present an
// orgId and hold a membership").
type ClientTokenAuth struct {
	AccessSecret  string
	RefreshSecret string
	CookieName    string
}

// Authenticate implements ClientAuthenticator.
func (a *ClientTokenAuth) Authenticate(r *http.Request) (organizationID, userID string, err error) {
	orgID := r.URL.Query().Get("orgId")
	if orgID == "" {
		return "", "", errors.New("missing orgId")
	}

	if token := bearerToken(r); token != "" {
		claims, verr := verifyClaims(token, a.AccessSecret)
		if verr == nil && claims.hasOrg(orgID) {
			return orgID, claims.UserID, nil
		}
	}

	if cookie, cerr := r.Cookie(a.CookieName); cerr == nil {
		claims, verr := verifyClaims(cookie.Value, a.RefreshSecret)
		if verr == nil && claims.hasOrg(orgID) {
			return orgID, claims.UserID, nil
		}
	}

	return "", "", errors.New("unauthorized")
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return ""
	}
	return strings.TrimPrefix(authz, prefix)
}

// RequireServiceToken guards the internal dispatch HTTP surface with the
// `x-gateway-token` header, constant-time compared against the configured
// service token (spec §6.2).
func RequireServiceToken(serviceToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("x-gateway-token")
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(serviceToken)) != 1 {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"UNAUTHORIZED"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package authn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/viewguard/mediagateway/internal/apierr"
	"github.com/viewguard/mediagateway/internal/store"
)

func newTestIssuer(t *testing.T) (*Issuer, *store.Store, string, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clientID := uuid.NewString()
	secret := "s3cret"
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, st.CreateClient(context.Background(), &store.Client{
		ClientID: clientID, HashedSecret: string(hashed), Scopes: "streams:read streams:write",
	}))

	issuer := New(st, "test-signing-key", time.Minute, time.Hour)
	return issuer, st, clientID, secret
}

func TestIssueForClientCredentialsGrantsFullScopeByDefault(t *testing.T) {
	issuer, _, clientID, secret := newTestIssuer(t)

	pair, err := issuer.IssueForClientCredentials(context.Background(), clientID, secret, "")
	require.NoError(t, err)
	assert.Equal(t, "streams:read streams:write", pair.Scope)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
}

func TestIssueForClientCredentialsRejectsWrongSecret(t *testing.T) {
	issuer, _, clientID, _ := newTestIssuer(t)

	_, err := issuer.IssueForClientCredentials(context.Background(), clientID, "wrong", "")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeInvalidCredentials, apiErr.Code)
}

func TestIssueForClientCredentialsRejectsUnknownClient(t *testing.T) {
	issuer, _, _, _ := newTestIssuer(t)

	_, err := issuer.IssueForClientCredentials(context.Background(), uuid.NewString(), "whatever", "")
	require.Error(t, err)
}

func TestIssueForClientCredentialsNarrowsRequestedScope(t *testing.T) {
	issuer, _, clientID, secret := newTestIssuer(t)

	pair, err := issuer.IssueForClientCredentials(context.Background(), clientID, secret, "streams:read")
	require.NoError(t, err)
	assert.Equal(t, "streams:read", pair.Scope)
}

func TestIssueForClientCredentialsRejectsUngrantedScope(t *testing.T) {
	issuer, _, clientID, secret := newTestIssuer(t)

	_, err := issuer.IssueForClientCredentials(context.Background(), clientID, secret, "bookmarks:write")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeInsufficientScope, apiErr.Code)
}

func TestVerifyRoundTripsClaims(t *testing.T) {
	issuer, _, clientID, secret := newTestIssuer(t)

	pair, err := issuer.IssueForClientCredentials(context.Background(), clientID, secret, "")
	require.NoError(t, err)

	claims, err := issuer.Verify(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, clientID, claims.ClientID)
	assert.Equal(t, "streams:read streams:write", claims.Scopes)
}

func TestVerifyRejectsTokenFromDifferentSigningKey(t *testing.T) {
	issuer, st, clientID, secret := newTestIssuer(t)
	pair, err := issuer.IssueForClientCredentials(context.Background(), clientID, secret, "")
	require.NoError(t, err)

	other := New(st, "a-different-key", time.Minute, time.Hour)
	_, err = other.Verify(pair.AccessToken)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeInvalidToken, apiErr.Code)
}

func TestRefreshMintsNewAccessTokenWithoutRotatingRefreshToken(t *testing.T) {
	issuer, _, clientID, secret := newTestIssuer(t)
	first, err := issuer.IssueForClientCredentials(context.Background(), clientID, secret, "")
	require.NoError(t, err)

	second, err := issuer.Refresh(context.Background(), first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, first.RefreshToken, second.RefreshToken)
	assert.NotEmpty(t, second.AccessToken)
}

func TestRefreshRejectsRevokedToken(t *testing.T) {
	issuer, _, clientID, secret := newTestIssuer(t)
	pair, err := issuer.IssueForClientCredentials(context.Background(), clientID, secret, "")
	require.NoError(t, err)

	require.NoError(t, issuer.Revoke(context.Background(), pair.RefreshToken))
	_, err = issuer.Refresh(context.Background(), pair.RefreshToken)
	require.Error(t, err)
}

func TestRevokeUnknownTokenIsNoOp(t *testing.T) {
	issuer, _, _, _ := newTestIssuer(t)
	assert.NoError(t, issuer.Revoke(context.Background(), uuid.NewString()))
}

func TestRequireScopeAllowsMatchingScope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	issuer, _, clientID, secret := newTestIssuer(t)
	pair, err := issuer.IssueForClientCredentials(context.Background(), clientID, secret, "streams:read")
	require.NoError(t, err)

	router := gin.New()
	router.GET("/protected", RequireScope(issuer, "streams:read"), func(c *gin.Context) {
		claims, ok := ClaimsFromContext(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"client_id": claims.ClientID})
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireScopeRejectsMissingBearerHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	issuer, _, _, _ := newTestIssuer(t)

	router := gin.New()
	router.GET("/protected", RequireScope(issuer, "streams:read"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireScopeRejectsInsufficientScope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	issuer, _, clientID, secret := newTestIssuer(t)
	pair, err := issuer.IssueForClientCredentials(context.Background(), clientID, secret, "streams:read")
	require.NoError(t, err)

	router := gin.New()
	router.GET("/protected", RequireScope(issuer, "bookmarks:write"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

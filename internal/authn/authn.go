// Package authn issues and verifies the JWT bearer tokens the §6 HTTP
// surface's client-credentials flow uses (POST /v2/auth/token, .../refresh,
// .../revoke), plus the gin middleware that checks a required scope before
// a handler runs.
//
// Grounded on original_source/backend/app/api/v2/auth.py for the endpoint
// contract and original_source/backend/app/core/security.py-style
// bcrypt-hashed client secrets, reimplemented with golang-jwt/jwt/v5 and
// golang.org/x/crypto/bcrypt since no example repo in this pack carries a
// JWT library of its own — chosen as the standard, actively maintained Go
// JWT implementation rather than hand-rolling HMAC signing.
package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/viewguard/mediagateway/internal/apierr"
	"github.com/viewguard/mediagateway/internal/store"
)

// Claims is the JWT payload minted for access tokens.
type Claims struct {
	ClientID string `json:"client_id"`
	Scopes   string `json:"scopes"`
	jwt.RegisteredClaims
}

// TokenPair is what POST /v2/auth/token and its refresh counterpart return.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Issuer mints and validates tokens for one signing key.
type Issuer struct {
	store           *store.Store
	signingKey      []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
}

func New(st *store.Store, signingKey string, accessTTL, refreshTTL time.Duration) *Issuer {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	return &Issuer{store: st, signingKey: []byte(signingKey), accessTokenTTL: accessTTL, refreshTokenTTL: refreshTTL}
}

// IssueForClientCredentials implements POST /v2/auth/token: verifies
// client_id/client_secret against the bcrypt-hashed secret on file and
// mints a fresh access+refresh pair scoped to the client's granted scopes,
// optionally narrowed by a requested subset.
func (i *Issuer) IssueForClientCredentials(ctx context.Context, clientID, clientSecret, requestedScope string) (*TokenPair, error) {
	client, err := i.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, apierr.New(apierr.CodeInvalidCredentials, apierr.KindAuthorization, 401, "unknown client_id or client_secret")
	}
	if bcrypt.CompareHashAndPassword([]byte(client.HashedSecret), []byte(clientSecret)) != nil {
		return nil, apierr.New(apierr.CodeInvalidCredentials, apierr.KindAuthorization, 401, "unknown client_id or client_secret")
	}

	scope, err := narrowScope(client.Scopes, requestedScope)
	if err != nil {
		return nil, err
	}

	access, err := i.signAccessToken(client.ClientID, scope)
	if err != nil {
		return nil, apierr.Internal(err)
	}

	refreshID := uuid.NewString()
	if err := i.store.CreateRefreshToken(ctx, &store.RefreshToken{
		TokenID:   refreshID,
		ClientID:  client.ClientID,
		Scopes:    scope,
		ExpiresAt: time.Now().Add(i.refreshTokenTTL),
	}); err != nil {
		return nil, apierr.Internal(err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refreshID,
		TokenType:    "Bearer",
		ExpiresIn:    int(i.accessTokenTTL.Seconds()),
		Scope:        scope,
	}, nil
}

// Refresh implements POST /v2/auth/token/refresh. Per §9's Open Question
// decision, the refresh token is never rotated — the same TokenID remains
// valid until it naturally expires or is explicitly revoked, so this call
// only mints a new access token.
func (i *Issuer) Refresh(ctx context.Context, refreshTokenID string) (*TokenPair, error) {
	t, err := i.store.GetRefreshToken(ctx, refreshTokenID)
	if err != nil {
		return nil, apierr.New(apierr.CodeInvalidRefreshToken, apierr.KindAuthorization, 401, "refresh token not found")
	}
	if t.Revoked {
		return nil, apierr.New(apierr.CodeInvalidRefreshToken, apierr.KindAuthorization, 401, "refresh token has been revoked")
	}
	if time.Now().After(t.ExpiresAt) {
		return nil, apierr.New(apierr.CodeInvalidRefreshToken, apierr.KindAuthorization, 401, "refresh token has expired")
	}

	access, err := i.signAccessToken(t.ClientID, t.Scopes)
	if err != nil {
		return nil, apierr.Internal(err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: t.TokenID,
		TokenType:    "Bearer",
		ExpiresIn:    int(i.accessTokenTTL.Seconds()),
		Scope:        t.Scopes,
	}, nil
}

// Revoke implements POST /v2/auth/token/revoke. The refresh token itself
// is the credential for this call, matching the original's unauthenticated
// revoke endpoint.
func (i *Issuer) Revoke(ctx context.Context, refreshTokenID string) error {
	if _, err := i.store.GetRefreshToken(ctx, refreshTokenID); err != nil {
		return nil // revoking an unknown token is a no-op, not an error
	}
	if err := i.store.RevokeRefreshToken(ctx, refreshTokenID); err != nil {
		return apierr.Internal(err)
	}
	return nil
}

func (i *Issuer) signAccessToken(clientID, scope string) (string, error) {
	now := time.Now()
	claims := Claims{
		ClientID: clientID,
		Scopes:   scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTokenTTL)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.signingKey)
}

// Verify parses and validates a bearer access token, returning its claims.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apierr.New(apierr.CodeTokenExpired, apierr.KindAuthorization, 401, "access token has expired")
		}
		return nil, apierr.New(apierr.CodeInvalidToken, apierr.KindAuthorization, 401, "access token is malformed or invalid")
	}
	if !token.Valid {
		return nil, apierr.New(apierr.CodeInvalidToken, apierr.KindAuthorization, 401, "access token is malformed or invalid")
	}
	return claims, nil
}

// narrowScope validates that requested is a subset of granted (space
// delimited); an empty requested scope grants everything the client holds.
func narrowScope(granted, requested string) (string, error) {
	if requested == "" {
		return granted, nil
	}
	grantedSet := make(map[string]bool)
	for _, s := range strings.Fields(granted) {
		grantedSet[s] = true
	}
	for _, s := range strings.Fields(requested) {
		if !grantedSet[s] {
			return "", apierr.New(apierr.CodeInsufficientScope, apierr.KindAuthorization, 403,
				fmt.Sprintf("client is not granted scope %q", s))
		}
	}
	return requested, nil
}

const claimsContextKey = "authn.claims"

// RequireScope returns gin middleware enforcing that the bearer token's
// scopes include the given scope, mirroring the original's
// require_scope() dependency (original_source/backend/app/api/v2/consumers.py).
func RequireScope(issuer *Issuer, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			abortWithAuthError(c, apierr.New(apierr.CodeInvalidToken, apierr.KindAuthorization, 401, "missing bearer token"))
			return
		}
		claims, err := issuer.Verify(strings.TrimPrefix(header, prefix))
		if err != nil {
			abortWithAuthError(c, err)
			return
		}
		if !hasScope(claims.Scopes, scope) {
			abortWithAuthError(c, apierr.New(apierr.CodeInsufficientScope, apierr.KindAuthorization, 403,
				fmt.Sprintf("token lacks required scope %q", scope)))
			return
		}
		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// ClaimsFromContext retrieves the verified claims RequireScope attached.
func ClaimsFromContext(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(claimsContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

func hasScope(scopes, want string) bool {
	for _, s := range strings.Fields(scopes) {
		if s == want {
			return true
		}
	}
	return false
}

func abortWithAuthError(c *gin.Context, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Internal(err)
	}
	c.AbortWithStatusJSON(apiErr.StatusCode, apiErr.Envelope())
}

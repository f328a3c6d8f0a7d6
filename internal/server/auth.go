package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ridehail/sos/internal/config"
	"ridehail/sos/internal/engine"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const (
	// UserContextKey is the context key for storing user claims.
	UserContextKey contextKey = "user"
	// DriverContextKey holds the driver ID proven by a panic-button credential.
	DriverContextKey contextKey = "driver"
)

// UserClaims represents the JWT claims from Keycloak.
type UserClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string   `json:"preferred_username"`
	Email             string   `json:"email"`
	Regions           []string `json:"regions"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// Actor is the name recorded on notes and events.
func (c *UserClaims) Actor() string {
	if c.PreferredUsername != "" {
		return c.PreferredUsername
	}
	return c.Subject
}

// Principal is the access-policy view of the caller.
func (c *UserClaims) Principal() engine.Principal {
	return engine.Principal{ID: c.Actor(), Regions: c.Regions}
}

// HasRole checks if the user has a specific realm role.
func (c *UserClaims) HasRole(role string) bool {
	for _, r := range c.RealmAccess.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Authenticator turns a request into verified claims.
type Authenticator interface {
	Authenticate(r *http.Request) (*UserClaims, error)
}

// AuthMiddleware handles JWT validation using Keycloak's JWKS.
type AuthMiddleware struct {
	jwks         keyfunc.Keyfunc
	cancelFn     context.CancelFunc
	validIssuers []string
	log          zerolog.Logger
}

// NewAuthMiddleware creates a new authentication middleware with JWKS from Keycloak.
func NewAuthMiddleware(ctx context.Context, cfg config.KeycloakConfig, log zerolog.Logger) (*AuthMiddleware, error) {
	jwksURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", cfg.URL, cfg.Realm)

	jwksCtx, cancelFn := context.WithCancel(ctx)

	// JWKS keys are refreshed in the background until Close.
	jwks, err := keyfunc.NewDefaultCtx(jwksCtx, []string{jwksURL})
	if err != nil {
		cancelFn()
		return nil, fmt.Errorf("failed to create JWKS from %s: %w", jwksURL, err)
	}

	// Accept tokens from both internal and public Keycloak URLs
	internalIssuer := fmt.Sprintf("%s/realms/%s", cfg.URL, cfg.Realm)
	publicIssuer := fmt.Sprintf("%s/realms/%s", cfg.PublicURL, cfg.Realm)
	validIssuers := []string{internalIssuer, publicIssuer}

	log.Info().
		Str("jwks_url", jwksURL).
		Strs("valid_issuers", validIssuers).
		Msg("JWT authentication middleware initialized")

	return &AuthMiddleware{
		jwks:         jwks,
		cancelFn:     cancelFn,
		validIssuers: validIssuers,
		log:          log,
	}, nil
}

// Close releases resources used by the auth middleware.
func (a *AuthMiddleware) Close() {
	if a.cancelFn != nil {
		a.cancelFn()
	}
}

// Authenticate extracts and validates the JWT from the Authorization header.
func (a *AuthMiddleware) Authenticate(r *http.Request) (*UserClaims, error) {
	tokenString, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, a.jwks.Keyfunc,
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok {
		return nil, fmt.Errorf("failed to extract claims")
	}

	for _, validIssuer := range a.validIssuers {
		if claims.Issuer == validIssuer {
			return claims, nil
		}
	}
	return nil, fmt.Errorf("invalid issuer: %s", claims.Issuer)
}

func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errMissingCredentials
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	return parts[1], nil
}

var errMissingCredentials = errors.New("missing credentials")

// DevAuthenticator admits every request as an all-region operator. It is only wired when
// Keycloak is disabled.
type DevAuthenticator struct{}

func (DevAuthenticator) Authenticate(r *http.Request) (*UserClaims, error) {
	claims := &UserClaims{PreferredUsername: "dev-operator", Regions: []string{engine.WildcardRegion}}
	claims.Subject = "dev-operator"
	claims.RealmAccess.Roles = []string{OperatorRole}
	return claims, nil
}

// requireAuth rejects requests without valid credentials and stores the claims on the context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.auth.Authenticate(r)
		if err != nil {
			s.log.Debug().Err(err).Str("path", r.URL.Path).Msg("authentication failed")
			s.writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		ctx := context.WithValue(r.Context(), UserContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole must run after requireAuth.
func (s *Server) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r.Context())
			if !ok || !claims.HasRole(role) {
				s.writeError(w, http.StatusForbidden, "forbidden: missing "+role+" role", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireDriver authenticates the panic-button route. A driver key proves a specific driver;
// a bearer token is accepted as-is and the driver ID comes from the payload.
func (s *Server) requireDriver(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := strings.TrimSpace(r.Header.Get(DriverKeyHeader)); key != "" {
			if s.driverKeys == nil {
				s.writeError(w, http.StatusUnauthorized, "driver keys are not enabled", nil)
				return
			}
			driverID, err := s.driverKeys.DriverID(r.Context(), key)
			if err != nil {
				s.log.Warn().Err(err).Msg("driver key rejected")
				s.writeError(w, http.StatusUnauthorized, "unauthorized", nil)
				return
			}
			ctx := context.WithValue(r.Context(), DriverContextKey, driverID)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		s.requireAuth(next).ServeHTTP(w, r)
	})
}

// GetUserFromContext retrieves the user claims from the request context.
func GetUserFromContext(ctx context.Context) (*UserClaims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*UserClaims)
	return claims, ok
}

func driverFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(DriverContextKey).(string)
	return id, ok && id != ""
}

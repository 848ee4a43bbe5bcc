package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"taskpilot/internal/logging"
)

// AuthConfig enables bearer authentication. An empty secret leaves the API
// open.
type AuthConfig struct {
	JWTSecret string
}

func (c AuthConfig) enabled() bool {
	return strings.TrimSpace(c.JWTSecret) != ""
}

// Principal is the authenticated caller, taken from the token's claims.
type Principal struct {
	Subject string
	Scopes  []string
}

type principalKey struct{}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

var (
	errNoCredentials  = errors.New("authentication required")
	errBadCredentials = errors.New("invalid credentials")
)

// bearerAuth verifies HS256 tokens signed with the one configured secret.
type bearerAuth struct {
	key    []byte
	parser *jwt.Parser
	open   map[string]bool
	base   string
}

func newBearerAuth(basePath string, cfg AuthConfig) *bearerAuth {
	return &bearerAuth{
		key:    []byte(cfg.JWTSecret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
		open:   map[string]bool{path.Join(basePath, "health"): true},
		base:   basePath,
	}
}

func (a *bearerAuth) guarded(p string) bool {
	return strings.HasPrefix(p, a.base) && !a.open[p]
}

// principal authenticates the Authorization header value.
func (a *bearerAuth) principal(header string) (Principal, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if header == "" {
		return Principal{}, errNoCredentials
	}
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return Principal{}, errBadCredentials
	}
	var claims tokenClaims
	if _, err := a.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) { return a.key, nil }); err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{Subject: claims.Subject, Scopes: claims.Scopes}, nil
}

func (a *bearerAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !a.guarded(req.URL.Path) {
			next.ServeHTTP(w, req)
			return
		}
		p, err := a.principal(req.Header.Get("Authorization"))
		switch {
		case err == nil:
			next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), principalKey{}, p)))
		case errors.Is(err, errNoCredentials):
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil))
		default:
			logging.Log("rejected bearer token", slog.LevelDebug, "path", req.URL.Path, "error", err)
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", errBadCredentials.Error(), nil))
		}
	})
}

// newAuthMiddleware is a pass-through when no secret is configured.
func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	if !cfg.enabled() {
		return func(next http.Handler) http.Handler { return next }
	}
	return newBearerAuth(basePath, cfg).middleware
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}

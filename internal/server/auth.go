package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"actionqueue/internal/domain"
	"actionqueue/internal/engine/auth"
	"actionqueue/internal/repo"
)

type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	// AllowDevLogin exposes POST /auth/dev/login, which mints tokens for any actor.
	AllowDevLogin bool
	Log           *slog.Logger
}

// Principal is the authenticated caller and the single role it acts under.
type Principal struct {
	ActorID string
	Role    domain.Role
	Source  string
}

func (p Principal) Actor() domain.Actor {
	return domain.Actor{ID: p.ActorID, Role: p.Role}
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// actorFromContext returns the caller as a domain actor or a 401.
func actorFromContext(ctx context.Context) (domain.Actor, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.Actor(), nil
	}
	return domain.Actor{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []domain.Role `json:"roles,omitempty"`
}

// pickRole chooses the role to act under from those a credential carries.
// With several roles the caller must name one in X-Actor-Role.
func pickRole(roles []domain.Role, requested domain.Role) (domain.Role, error) {
	if requested != "" {
		if !slices.Contains(roles, requested) {
			return "", errors.New("requested role not held")
		}
		return requested, nil
	}
	if len(roles) != 1 {
		return "", errors.New("credential holds several roles; set X-Actor-Role")
	}
	return roles[0], nil
}

func authenticateJWT(token, secret string, requested domain.Role) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	role, err := pickRole(claims.Roles, requested)
	if err != nil {
		return Principal{}, err
	}
	return Principal{ActorID: claims.Subject, Role: role, Source: "jwt"}, nil
}

func signDevToken(secret, actorID string, roles []domain.Role, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if apiKey.ActorID == "" || !apiKey.Role.Valid() {
		return Principal{}, errors.New("api key missing actor or role")
	}
	return Principal{ActorID: apiKey.ActorID, Role: apiKey.Role, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "openapi.json"):   true,
		path.Join(basePath, "auth/dev/login"): cfg.AllowDevLogin,
	}
	roles := auth.Service{Repo: r}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			legacyActor := strings.TrimSpace(req.Header.Get("X-Actor-Id"))
			requested := domain.Role(strings.TrimSpace(req.Header.Get("X-Actor-Role")))

			var (
				p   Principal
				err error
			)
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					err = errors.New("malformed authorization header")
					break
				}
				p, err = authenticateJWT(token, cfg.JWTSecret, requested)
			case apiKeyHeader != "":
				p, err = authenticateAPIKey(req.Context(), r, apiKeyHeader)
			case legacyActor != "" && cfg.AllowLegacyActorHeader:
				cfg.logger().WarnContext(req.Context(), "legacy X-Actor-Id header used without credentials", "actor_id", legacyActor)
				var actor domain.Actor
				if actor, err = roles.Resolve(req.Context(), legacyActor, requested); err == nil {
					p = Principal{ActorID: actor.ID, Role: actor.Role, Source: "legacy_header"}
				}
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if err != nil {
				cfg.logger().DebugContext(req.Context(), "authentication failed", "error", err)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}

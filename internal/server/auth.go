package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"valora/internal/engine/auth"
	"valora/internal/repo"
)

// AuthConfig controls request authentication.
type AuthConfig struct {
	// JWTSecret enables bearer-token auth when non-empty (HS256).
	JWTSecret string
	// AllowLegacyActorHeader accepts X-Actor-Id as identity. For local
	// single-device deployments and tests only.
	AllowLegacyActorHeader bool
	Logger                 *log.Logger
}

// Principal is the authenticated identity attached to the request context.
type Principal struct {
	ActorID string
	Role    string
	Source  string // "jwt", "api_key" or "header"
}

type principalKey struct{}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// actorFromContext resolves the engine actor for the current request.
func actorFromContext(ctx context.Context) (auth.Actor, error) {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return auth.Actor{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	role := p.Role
	if !auth.ValidRole(role) {
		role = auth.RoleInterviewer
	}
	return auth.Actor{ID: p.ActorID, Role: role}, nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo, svc auth.Service) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	openAPIPath := path.Join(basePath, "openapi.json")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			p := req.URL.Path
			if !strings.HasPrefix(p, basePath) || p == healthPath || p == openAPIPath {
				next.ServeHTTP(w, req)
				return
			}
			principal, err := authenticate(req, cfg, r, svc)
			if err != nil {
				respondStatusError(w, err)
				return
			}
			ctx := context.WithValue(req.Context(), principalKey{}, principal)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func authenticate(req *http.Request, cfg AuthConfig, r repo.Repo, svc auth.Service) (Principal, error) {
	if token := bearerToken(req); token != "" {
		if cfg.JWTSecret == "" {
			return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "bearer auth not configured", nil)
		}
		return authenticateJWT(token, cfg.JWTSecret)
	}
	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		return authenticateAPIKey(req.Context(), r, key)
	}
	if cfg.AllowLegacyActorHeader {
		if actorID := strings.TrimSpace(req.Header.Get("X-Actor-Id")); actorID != "" {
			role, err := svc.ActorRole(req.Context(), actorID)
			if err != nil {
				return Principal{}, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
			}
			if role == "" {
				role = auth.RoleInterviewer
			}
			return Principal{ActorID: actorID, Role: role, Source: "header"}, nil
		}
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "missing credentials", nil)
}

func authenticateJWT(token, secret string) (Principal, error) {
	claims := &jwtClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid token", nil)
	}
	if claims.Subject == "" {
		return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "token missing subject", nil)
	}
	role := claims.Role
	if !auth.ValidRole(role) {
		role = auth.RoleInterviewer
	}
	return Principal{ActorID: claims.Subject, Role: role, Source: "jwt"}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	stored, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err == repo.ErrNotFound {
		return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid api key", nil)
	}
	if err != nil {
		return Principal{}, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
	}
	return Principal{ActorID: stored.ActorID, Role: stored.Role, Source: "api_key"}, nil
}

func bearerToken(req *http.Request) string {
	header := req.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func respondStatusError(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	body := apiErrorBody{Code: "unauthorized", Message: err.Error()}
	if ae, ok := err.(*apiError); ok {
		status = ae.status
		body = ae.Body
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]apiErrorBody{"error": body})
}

package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/admissions/internal/config"
	"github.com/pitabwire/admissions/model"
)

// Authentication methods recorded on the principal.
const (
	AuthMethodJWT    = "jwt"
	AuthMethodHeader = "header"
)

const bearerPrefix = "Bearer "

// Principal is the caller an authenticator admitted. Its subject becomes the
// actor of every workflow operation made on the request.
type Principal struct {
	SubjectID string
	Roles     []string
	Method    string
}

type principalKey struct{}

// WithPrincipal stores the authenticated caller in the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller stored by an authenticator.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// JWTAuthenticator returns middleware that admits requests carrying a bearer
// token signed by a key from jwks and issued for the configured audience.
func JWTAuthenticator(cfg config.IdentityConfig, jwks *JWKSClient) func(http.Handler) http.Handler {
	rolesClaim := cfg.RolesClaim
	if rolesClaim == "" {
		rolesClaim = "roles"
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header has no kid")
		}
		return jwks.GetKey(kid)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				WriteError(w, r, err)
				return
			}

			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
				WriteError(w, r, model.NewUnauthorizedError(rejectionReason(err)))
				return
			}
			sub, _ := claims.GetSubject()
			if sub == "" {
				WriteError(w, r, model.NewUnauthorizedError("Token has no subject"))
				return
			}

			ctx := WithPrincipal(r.Context(), Principal{
				SubjectID: sub,
				Roles:     claimRoles(claims[rolesClaim]),
				Method:    AuthMethodJWT,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", model.NewUnauthorizedError("Missing authorization header")
	}
	token, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok || strings.TrimSpace(token) == "" {
		return "", model.NewUnauthorizedError("Authorization header must carry a bearer token")
	}
	return strings.TrimSpace(token), nil
}

// rejectionReason maps a parser error to the message returned to the caller.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return "Token not valid yet"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Unknown signing key"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	}
	return "Invalid token"
}

// claimRoles accepts a JSON array of role names or a space separated string.
func claimRoles(v any) []string {
	switch roles := v.(type) {
	case []any:
		out := make([]string, 0, len(roles))
		for _, role := range roles {
			if s, ok := role.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(roles)
	}
	return nil
}

// HeaderAuthenticator trusts X-User-Id and the comma separated X-User-Roles
// headers. It is only installed when identity verification is disabled,
// behind a gateway that has already authenticated the caller.
func HeaderAuthenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub := strings.TrimSpace(r.Header.Get("X-User-Id"))
		if sub == "" {
			WriteError(w, r, model.NewUnauthorizedError("Missing X-User-Id header"))
			return
		}
		p := Principal{SubjectID: sub, Method: AuthMethodHeader}
		for _, role := range strings.Split(r.Header.Get("X-User-Roles"), ",") {
			if role = strings.TrimSpace(role); role != "" {
				p.Roles = append(p.Roles, role)
			}
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

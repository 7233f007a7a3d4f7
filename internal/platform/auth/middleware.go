package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/makebelieve-imprints/api/internal/platform/httpx"
)

var (
	// ErrTokenExpired signals that the presented bearer token has expired.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid signals that the presented bearer token failed verification.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// staffClaims is the claim set carried by back-office bearer tokens issued
// by the admin console.
type staffClaims struct {
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies back-office bearer tokens signed with the shared
// staff signing key.
type Authenticator struct {
	key      []byte
	issuer   string
	audience string
}

// NewAuthenticator constructs an Authenticator. The signing key is required;
// issuer and audience checks apply only when non-empty.
func NewAuthenticator(signingKey []byte, issuer, audience string) (*Authenticator, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("auth: signing key is required")
	}
	return &Authenticator{
		key:      signingKey,
		issuer:   strings.TrimSpace(issuer),
		audience: strings.TrimSpace(audience),
	}, nil
}

// Verify parses and validates the raw token, returning the identity it carries.
func (a *Authenticator) Verify(raw string) (*Identity, error) {
	claims := &staffClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrTokenInvalid)
	}
	if a.audience != "" && !containsAudience(claims.Audience, a.audience) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrTokenInvalid)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	roles := make([]string, 0, len(claims.Roles))
	for _, role := range claims.Roles {
		if role = normaliseRole(role); role != "" {
			roles = append(roles, role)
		}
	}
	return &Identity{
		UID:   claims.Subject,
		Email: claims.Email,
		Roles: roles,
	}, nil
}

// Middleware authenticates the Authorization bearer token and stores the
// identity on the request context. Requests without a valid token get 401.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				httpx.WriteError(r.Context(), w, httpx.NewError("unauthorized", "missing bearer token", http.StatusUnauthorized))
				return
			}
			identity, err := a.Verify(raw)
			if err != nil {
				code := "unauthorized"
				message := "invalid bearer token"
				if errors.Is(err, ErrTokenExpired) {
					message = "bearer token expired"
				}
				httpx.WriteError(r.Context(), w, httpx.NewError(code, message, http.StatusUnauthorized))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// RequireRoles rejects authenticated requests whose identity lacks all of
// the listed roles.
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				httpx.WriteError(r.Context(), w, httpx.NewError("unauthorized", "authentication required", http.StatusUnauthorized))
				return
			}
			if !identity.HasAnyRole(roles...) {
				httpx.WriteError(r.Context(), w, httpx.NewError("forbidden", "insufficient role", http.StatusForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

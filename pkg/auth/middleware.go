package auth

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the bearer-token claims keel accepts.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// JWTValidator parses and validates bearer tokens against a fixed key and
// algorithm set.
type JWTValidator struct {
	keyFunc jwt.Keyfunc
	methods []string
}

// NewHMACValidator accepts HS256/HS384/HS512 tokens signed with secret.
func NewHMACValidator(secret []byte) *JWTValidator {
	if len(secret) == 0 {
		return nil
	}
	return &JWTValidator{
		keyFunc: func(*jwt.Token) (any, error) { return secret, nil },
		methods: []string{"HS256", "HS384", "HS512"},
	}
}

// NewEdDSAValidator accepts EdDSA tokens verifiable with pub.
func NewEdDSAValidator(pub ed25519.PublicKey) *JWTValidator {
	if len(pub) == 0 {
		return nil
	}
	return &JWTValidator{
		keyFunc: func(*jwt.Token) (any, error) { return pub, nil },
		methods: []string{"EdDSA"},
	}
}

// Validate parses and validates a token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc,
		jwt.WithValidMethods(v.methods))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// MiddlewareConfig selects the accepted credential sources.
type MiddlewareConfig struct {
	// Validator handles bearer tokens. nil rejects bearer credentials.
	Validator *JWTValidator
	// RequireMTLS refuses requests without a verified client certificate.
	RequireMTLS bool
	// Production refuses anonymous requests. Non-production runs open so
	// local and e2e setups can drive every route without credentials.
	Production bool
}

// publicPaths never require a principal.
var publicPaths = map[string]bool{
	"/health": true,
	"/ready":  true,
}

// NewMiddleware builds the principal-extraction middleware. Precedence: mTLS
// peer identity, then bearer token, then the non-production open principal.
func NewMiddleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			if p := peerPrincipal(r); p != nil {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}
			if cfg.RequireMTLS {
				deny(w, "a verified client certificate is required")
				return
			}

			if header := r.Header.Get("Authorization"); header != "" {
				parts := strings.SplitN(header, " ", 2)
				if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
					deny(w, "authorization header must be 'Bearer <token>'")
					return
				}
				if cfg.Validator == nil {
					deny(w, "bearer authentication is not configured")
					return
				}
				claims, err := cfg.Validator.Validate(parts[1])
				if err != nil {
					deny(w, "invalid or expired token")
					return
				}
				if claims.Subject == "" {
					deny(w, "token subject is required")
					return
				}
				p := &BasePrincipal{ID: claims.Subject, Roles: claims.Roles, Method: MethodJWT}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}

			if cfg.Production {
				deny(w, "authentication required")
				return
			}
			p := &BasePrincipal{
				ID:     "anonymous",
				Roles:  []string{RoleSuperAdmin, RoleSubmitter},
				Method: MethodAnonymous,
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// peerPrincipal extracts the mTLS identity: CommonName is the principal id,
// OrganizationalUnit entries are its roles. The TLS layer already verified
// the certificate chain.
func peerPrincipal(r *http.Request) Principal {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil
	}
	cert := r.TLS.PeerCertificates[0]
	if cert.Subject.CommonName == "" {
		return nil
	}
	return &BasePrincipal{
		ID:     cert.Subject.CommonName,
		Roles:  append([]string(nil), cert.Subject.OrganizationalUnit...),
		Method: MethodMTLS,
	}
}

// deny renders the canonical error envelope. Local instead of the api
// package's helpers because api sits above auth in the import graph.
func deny(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":    "unauthenticated",
			"message": message,
		},
	})
}

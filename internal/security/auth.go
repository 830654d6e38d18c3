package security

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/bookmark-sync/internal/config"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
)

// ContextKeyUserID is the gin context key for the authenticated user ID.
const ContextKeyUserID = "userID"

// Identity holds the resolved caller identity from a bearer token or API key.
// The sync API never accepts a user id from the request body; this is the only
// source of caller identity.
type Identity struct {
	UserID string
}

// TokenResolver resolves bearer tokens to caller identities. It is initialized
// once at startup and shared by all route handlers.
type TokenResolver struct {
	verifier    *oidc.IDTokenVerifier
	apiKeys     map[string]string // key value → user id
	testingMode bool
}

// NewTokenResolver creates a TokenResolver from the application config. It
// performs one-time OIDC provider discovery if OIDCIssuer is configured.
func NewTokenResolver(cfg *config.Config) *TokenResolver {
	var verifier *oidc.IDTokenVerifier
	oidcIssuer := cfg.OIDCIssuer

	if oidcIssuer != "" {
		ctx := context.Background()
		expectedIssuer := oidcIssuer // preserve the configured issuer for token validation
		discoveryURL := cfg.OIDCDiscoveryURL
		if discoveryURL != "" && discoveryURL != oidcIssuer {
			// Discovery URL differs from issuer (e.g. internal Docker hostname vs
			// external URL). NewProvider fetches from its issuer arg, so pass the
			// discovery URL there and accept the mismatched issuer in the document.
			ctx = oidc.InsecureIssuerURLContext(ctx, oidcIssuer)
			oidcIssuer = discoveryURL
		}
		provider, err := oidc.NewProvider(ctx, oidcIssuer)
		if err != nil {
			log.Error("Failed to initialize OIDC provider; falling back to API key auth", "issuer", oidcIssuer, "err", err)
		} else {
			var providerClaims struct {
				JWKSURI string `json:"jwks_uri"`
			}
			if expectedIssuer != oidcIssuer {
				// Tokens carry the external issuer; build the verifier against it.
				if err := provider.Claims(&providerClaims); err == nil && providerClaims.JWKSURI != "" {
					keySet := oidc.NewRemoteKeySet(ctx, providerClaims.JWKSURI)
					verifier = oidc.NewVerifier(expectedIssuer, keySet, &oidc.Config{
						SkipClientIDCheck: true,
					})
				}
			}
			if verifier == nil {
				verifier = provider.Verifier(&oidc.Config{
					SkipClientIDCheck: true,
				})
			}
			log.Info("OIDC auth enabled", "issuer", expectedIssuer)
		}
	}

	return &TokenResolver{
		verifier:    verifier,
		apiKeys:     cfg.APIKeys,
		testingMode: cfg.Mode == config.ModeTesting,
	}
}

var (
	errInvalidJWT      = errors.New("invalid JWT")
	errMissingIdentity = errors.New("missing identity")
)

// Resolve resolves a bearer token (or API key / testing header) into a caller
// Identity. bearerToken is the raw token value without the "Bearer " prefix.
func (r *TokenResolver) Resolve(ctx context.Context, bearerToken, apiKey, userIDHeader string) (*Identity, error) {
	// API key maps directly to a user id.
	if key := strings.TrimSpace(apiKey); key != "" {
		if userID, ok := r.apiKeys[key]; ok {
			return &Identity{UserID: userID}, nil
		}
		log.Warn("Received invalid API key")
	}

	// X-User-ID header: only accepted in testing mode.
	if r.testingMode {
		if hdr := strings.TrimSpace(userIDHeader); hdr != "" {
			return &Identity{UserID: hdr}, nil
		}
	}

	// If OIDC is configured and the token looks like a JWT (has dots), verify it.
	if r.verifier != nil && strings.Count(bearerToken, ".") >= 2 {
		idToken, err := r.verifier.Verify(ctx, bearerToken)
		if err != nil {
			return nil, errors.Join(errInvalidJWT, err)
		}
		// Prefer "preferred_username", then "upn", then fall back to "sub".
		var claims struct {
			Sub               string `json:"sub"`
			PreferredUsername string `json:"preferred_username"`
			UPN               string `json:"upn"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, errors.Join(errInvalidJWT, err)
		}
		userID := claims.PreferredUsername
		if userID == "" {
			userID = claims.UPN
		}
		if userID == "" {
			userID = claims.Sub
		}
		if userID == "" {
			return nil, errMissingIdentity
		}
		return &Identity{UserID: userID}, nil
	}

	if bearerToken == "" {
		return nil, errMissingIdentity
	}
	// No OIDC configured: treat the token as the user id directly. This is the
	// single-tenant / reverse-proxy deployment mode.
	if r.verifier == nil {
		return &Identity{UserID: bearerToken}, nil
	}
	return nil, errMissingIdentity
}

// GetUserID returns the authenticated user ID from the gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// AuthMiddleware returns a gin middleware that requires a resolvable caller
// identity and stores the user id on the context. Missing identity yields 401.
func AuthMiddleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearer := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		identity, err := resolver.Resolve(c.Request.Context(), bearer, c.GetHeader("X-API-Key"), c.GetHeader("X-User-ID"))
		if err != nil || identity.UserID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(ContextKeyUserID, identity.UserID)
		c.Next()
	}
}

// Package authoidc authenticates administrative API callers against an
// external OIDC identity provider, the second of the two authenticator
// backends spec.md §2.2 alludes to for the administrative plane (the first
// being internal/authjwt's self-issued RS256 tokens). It is grounded on the
// teacher's server/internal/auth.OIDCAuthProvider, narrowed down from a
// full Authorization-Code-with-PKCE login flow plus JIT user provisioning
// (OrbitMesh's admin API has no user database) to bearer ID-token
// verification only: the operator authenticates against the identity
// provider out of band and presents the resulting ID token as a bearer
// token here, exactly the way the gRPC SessionLayer's own Authenticator
// (spec.md §4.1) is an opaque credential check with no OrbitMesh-side
// account model behind it.
package authoidc

import (
	"context"
	"fmt"

	gooidc "github.com/coreos/go-oidc/v3/oidc"

	"github.com/orbitmesh/orbitmesh/internal/authjwt"
)

// Config configures an external OIDC issuer as an administrative API
// authenticator backend.
type Config struct {
	// Issuer is the OIDC issuer URL; discovery document is fetched from
	// "<Issuer>/.well-known/openid-configuration".
	Issuer string
	// ClientID is checked against the token's "aud" claim.
	ClientID string
	// RoleClaim, if set, names the ID token claim holding "admin" or
	// "operator". Left empty, every verified caller gets DefaultRole.
	RoleClaim string
	// DefaultRole is used when RoleClaim is unset or the claim is absent
	// from a given token.
	DefaultRole authjwt.Role
}

// Verifier validates bearer tokens as OIDC ID tokens issued by a single
// configured provider.
type Verifier struct {
	idTokenVerifier *gooidc.IDTokenVerifier
	roleClaim       string
	defaultRole     authjwt.Role
}

// New performs OIDC discovery against cfg.Issuer and builds a Verifier.
// Discovery happens once at startup, not per-request — unlike the
// teacher's OIDCAuthProvider, which reloads provider config from the
// database on every call to support admin-UI-driven updates without a
// restart, OrbitMesh's single static issuer is a startup flag, so a
// discovery failure here is fatal the same way a database-unreachable
// failure is: orbitmeshd aborts startup and exits with status 1.
func New(ctx context.Context, cfg Config) (*Verifier, error) {
	provider, err := gooidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("authoidc: discovering issuer %q: %w", cfg.Issuer, err)
	}
	role := cfg.DefaultRole
	if role == "" {
		role = authjwt.RoleOperator
	}
	return &Verifier{
		idTokenVerifier: provider.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		roleClaim:       cfg.RoleClaim,
		defaultRole:     role,
	}, nil
}

// Verify validates rawToken as an OIDC ID token and maps its claims onto
// the same authjwt.Claims shape local tokens carry, so downstream
// middleware (RequireRole) doesn't need to know which backend
// authenticated the caller.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*authjwt.Claims, error) {
	idToken, err := v.idTokenVerifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("authoidc: verifying id_token: %w", err)
	}

	var raw map[string]any
	if err := idToken.Claims(&raw); err != nil {
		return nil, fmt.Errorf("authoidc: decoding claims: %w", err)
	}

	role := v.defaultRole
	if v.roleClaim != "" {
		if claimed, ok := raw[v.roleClaim].(string); ok && claimed != "" {
			role = authjwt.Role(claimed)
		}
	}

	claims := &authjwt.Claims{Role: role}
	claims.Subject = idToken.Subject
	return claims, nil
}

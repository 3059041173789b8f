package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// BearerTokenSource refreshes an outbound bearer token for LLM adapters
// fronted by an OAuth-protected gateway (some enterprise Anthropic/OpenAI
// deployments proxy the real API behind a short-lived JWT), mirroring
// internal/auth's jwt.go/oauth.go ambient-transport pattern applied to the
// outbound side instead of inbound request authentication. This is
// deliberately not wired into Adapter.Stream directly: it is a helper for
// callers constructing a providers.AnthropicConfig/http.Client that needs a
// live bearer token — an ambient transport concern, not core agent logic.
type BearerTokenSource struct {
	inner oauth2.TokenSource
}

// NewBearerTokenSource wraps a standard oauth2.TokenSource (e.g. from
// clientcredentials.Config.TokenSource) with expiry-aware caching, reusing
// oauth2's own refresh-ahead-of-expiry behavior.
func NewBearerTokenSource(ctx context.Context, cfg clientCredentialsLike) *BearerTokenSource {
	return &BearerTokenSource{inner: oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx))}
}

// clientCredentialsLike is the minimal surface of
// golang.org/x/oauth2/clientcredentials.Config this package depends on,
// kept as an interface so tests can supply a stub without pulling in a real
// OAuth endpoint.
type clientCredentialsLike interface {
	TokenSource(ctx context.Context) oauth2.TokenSource
}

// Token returns the current bearer token string, refreshing it first if
// the cached token is expired or within its leeway.
func (b *BearerTokenSource) Token(ctx context.Context) (string, error) {
	if b == nil || b.inner == nil {
		return "", fmt.Errorf("llm: no oauth token source configured")
	}
	tok, err := b.inner.Token()
	if err != nil {
		return "", fmt.Errorf("llm: refresh bearer token: %w", err)
	}
	return tok.AccessToken, nil
}

// ExpiresWithin reports whether the given JWT access token's exp claim
// falls within window of now, so callers can proactively refresh before a
// long-running LLM stream outlives the token.
func ExpiresWithin(accessToken string, window time.Duration) (bool, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	var claims jwt.RegisteredClaims
	if _, _, err := parser.ParseUnverified(accessToken, &claims); err != nil {
		return false, fmt.Errorf("llm: parse bearer token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return false, nil
	}
	return time.Until(claims.ExpiresAt.Time) <= window, nil
}

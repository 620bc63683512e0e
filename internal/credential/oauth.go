package credential

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	gateway "github.com/eugener/prism/internal"
)

// RefreshTokenExchange implements the Manager's exchange function using a
// standard OAuth2 refresh-token grant against cfg.TokenURL: instead of
// discovering a token source from the environment, it carries the refresh
// token supplied by the external `auth` collaborator through the credential
// store and exchanges it directly.
//
// current is nil when no credential has ever been persisted for cfg.Identity
// (the external auth flow has not run yet); that is reported as an error so
// the caller surfaces a 401 naming the `auth` subcommand rather than
// attempting a grant with no refresh token.
func RefreshTokenExchange(ctx context.Context, cfg gateway.OAuthConfig, current *CredentialState) (oauth2.Token, error) {
	if current == nil || current.RefreshToken == "" {
		return oauth2.Token{}, fmt.Errorf("no stored refresh token for %s; run `prism auth %s`", cfg.Identity, cfg.Identity)
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL: cfg.TokenURL,
		},
	}

	src := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return oauth2.Token{}, fmt.Errorf("refresh token grant for %s: %w", cfg.Identity, err)
	}
	if tok.RefreshToken == "" {
		// Most providers rotate refresh tokens only occasionally; when the
		// grant response omits one, the prior token is still valid and must
		// be carried forward so Manager.token's Store.Save call persists it.
		tok.RefreshToken = current.RefreshToken
	}
	return *tok, nil
}

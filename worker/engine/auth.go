package engine

import (
	"context"
	"fmt"

	"github.com/arminnakhjiri/BasicGEE/utils"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenCredentials attaches an OAuth2 bearer token to every call.
type tokenCredentials struct {
	source oauth2.TokenSource
	secure bool
}

func (t *tokenCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("engine token: %v", err)
	}
	return map[string]string{"authorization": tok.Type() + " " + tok.AccessToken}, nil
}

func (t *tokenCredentials) RequireTransportSecurity() bool {
	return t.secure
}

// NewTokenSource exchanges client credentials for access tokens and
// caches them until they expire.
func NewTokenSource(ctx context.Context, creds *utils.EngineCredentials, scopes ...string) oauth2.TokenSource {
	cfg := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     creds.TokenURL,
		Scopes:       scopes,
	}
	return cfg.TokenSource(ctx)
}

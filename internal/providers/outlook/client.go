package outlook

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/andyy0123/inbox-connector/internal/sync"
)

const (
	DefaultTokenURL = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	graphScope      = "https://graph.microsoft.com/.default"
)

func (a *Adapter) newClient(_ context.Context, t sync.Tenant) (*msgraphsdk.GraphServiceClient, error) {
	if t.Credentials.ClientID == "" || t.Credentials.ClientSecret == "" {
		return nil, sync.NewError(sync.KindAuthentication, "create graph client", fmt.Errorf("missing client credentials"))
	}

	cfg := &clientcredentials.Config{
		ClientID:     t.Credentials.ClientID,
		ClientSecret: t.Credentials.ClientSecret,
		TokenURL:     fmt.Sprintf(a.opts.TokenURL, t.ID),
		Scopes:       []string{graphScope},
	}

	// The token source outlives the call that built it.
	cred := &tokenSourceCredential{src: cfg.TokenSource(context.Background())}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{graphScope})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	if a.opts.BaseURL != "" {
		client.GetAdapter().SetBaseUrl(a.opts.BaseURL)
		client.PathParameters["baseurl"] = a.opts.BaseURL
	}

	return client, nil
}

// tokenSourceCredential adapts an oauth2.TokenSource to azcore.TokenCredential.
type tokenSourceCredential struct {
	src oauth2.TokenSource
}

func (c *tokenSourceCredential) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.src.Token()
	if err != nil {
		return azcore.AccessToken{}, err
	}

	return azcore.AccessToken{
		Token:     tok.AccessToken,
		ExpiresOn: tok.Expiry,
	}, nil
}

package gcal

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

// Credentials holds OAuth material for the provider API. Obtaining it
// (the consent flow) happens outside this application; the config file
// carries the result.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	// AccessToken is used as-is when no refresh token is configured.
	AccessToken string
}

// TokenSource builds an oauth2 token source from whichever credential
// material is present:
//
//   - client id/secret + refresh token: self-renewing source
//   - bare access token: static source, never renewed
//   - neither: nil, and cloud sources fail with a configuration error
func (c Credentials) TokenSource(ctx context.Context) oauth2.TokenSource {
	if c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != "" {
		conf := &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{calendar.CalendarReadonlyScope},
		}
		return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken})
	}
	if c.AccessToken != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.AccessToken})
	}
	return nil
}

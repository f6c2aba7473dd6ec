// Package auth resolves stored Google credentials into authenticated HTTP
// clients. The engine never runs an OAuth consent flow and never writes
// tokens back; obtaining and refreshing the stored refresh token is the
// account-linking tool's job.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"

	"github.com/calmirror/calmirror/internal/model"
)

// Provider turns a user's stored credential into an HTTP client that can
// call the Google Calendar API on their behalf.
type Provider interface {
	// Client returns an authenticated client for the user, or an
	// AuthRequired error when the stored credential is absent, expired,
	// or revoked. AuthRequired is terminal for the run; it is never
	// retried.
	Client(ctx context.Context, user *model.UserSyncConfig) (*http.Client, error)
}

// NewGoogleOAuthConfig builds the OAuth2 config used for Calendar access.
func NewGoogleOAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{calendar.CalendarScope},
		Endpoint:     google.Endpoint,
	}
}

// GoogleProvider resolves credentials against Google's token endpoint using
// the refresh token stored in each user's sync config.
type GoogleProvider struct {
	conf *oauth2.Config
}

// NewGoogleProvider returns a Provider backed by conf.
func NewGoogleProvider(conf *oauth2.Config) *GoogleProvider {
	return &GoogleProvider{conf: conf}
}

// Client exchanges the user's refresh token for an access token and wraps it
// in an *http.Client. The exchange happens eagerly so a dead credential is
// detected before any calendar is touched.
func (p *GoogleProvider) Client(ctx context.Context, user *model.UserSyncConfig) (*http.Client, error) {
	if user.RefreshToken == "" {
		return nil, model.NewError(model.KindAuthRequired, fmt.Sprintf("no stored credential for user %s", user.ID))
	}

	source := p.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: user.RefreshToken})
	token, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
			return nil, model.WrapError(model.KindAuthRequired,
				fmt.Sprintf("stored credential for user %s was rejected", user.ID), err)
		}
		return nil, fmt.Errorf("failed to refresh credential for user %s: %w", user.ID, err)
	}

	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(token, source)), nil
}

package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// DriveScope grants full access to the user's drive.
const DriveScope = "https://www.googleapis.com/auth/drive"

// GoogleEndpoint is the OAuth2 endpoint of the drive API.
var GoogleEndpoint = oauth2.Endpoint{
	AuthURL:   "https://accounts.google.com/o/oauth2/auth",
	TokenURL:  "https://oauth2.googleapis.com/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// ErrNoRefreshToken is returned when an expired token has no refresh token.
var ErrNoRefreshToken = errors.New("no refresh token")

// OAuth2Params ...
type OAuth2Params struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// Endpoint defaults to GoogleEndpoint.
	Endpoint oauth2.Endpoint
	// HTTPClient is used for token requests. Optional.
	HTTPClient *http.Client
}

// OAuth2 runs the authorization code flow and refreshes tokens. It implements Refresher.
type OAuth2 struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewOAuth2 ...
func NewOAuth2(params OAuth2Params) *OAuth2 {
	endpoint := params.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = GoogleEndpoint
	}
	scopes := params.Scopes
	if len(scopes) == 0 {
		scopes = []string{DriveScope}
	}

	return &OAuth2{
		config: &oauth2.Config{
			ClientID:     params.ClientID,
			ClientSecret: params.ClientSecret,
			RedirectURL:  params.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		httpClient: params.HTTPClient,
	}
}

// AuthCodeURL returns the consent page URL. Offline access is requested so that a refresh token is issued.
func (o *OAuth2) AuthCodeURL(state string) string {
	return o.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange converts an authorization code into a token.
func (o *OAuth2) Exchange(ctx context.Context, code string) (Token, error) {
	token, err := o.config.Exchange(o.context(ctx), code)
	if err != nil {
		return Token{}, fmt.Errorf("exchange authorization code: %w", err)
	}
	return fromOAuth2(token), nil
}

// Refresh ...
func (o *OAuth2) Refresh(ctx context.Context, current Token) (Token, error) {
	if current.RefreshToken == "" {
		return Token{}, ErrNoRefreshToken
	}

	// Only the refresh token is passed on, so the source always performs a refresh.
	source := o.config.TokenSource(o.context(ctx), &oauth2.Token{RefreshToken: current.RefreshToken})
	token, err := source.Token()
	if err != nil {
		return Token{}, err
	}
	return fromOAuth2(token), nil
}

func (o *OAuth2) context(ctx context.Context) context.Context {
	if o.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
}

func fromOAuth2(token *oauth2.Token) Token {
	return Token{
		AccessToken:  token.AccessToken,
		TokenType:    token.Type(),
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
}

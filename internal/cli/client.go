// Package cli implements the commands of driveupload.
package cli

import (
	"errors"
	"fmt"

	"github.com/bitrise-io/go-drive/config"
	"github.com/bitrise-io/go-drive/credential"
	"github.com/bitrise-io/go-drive/drive"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
)

func newOAuth2(cfg config.Config) (*credential.OAuth2, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%s and %s must be set", config.ClientIDKey, config.ClientSecretKey)
	}
	return credential.NewOAuth2(credential.OAuth2Params{
		ClientID:     cfg.ClientID,
		ClientSecret: string(cfg.ClientSecret),
		RedirectURL:  cfg.RedirectURL,
	}), nil
}

// newCredentials returns the static access token if one is configured, otherwise the stored
// token of the auth command, refreshed when it expires and saved after every refresh.
func newCredentials(cfg config.Config, logger log.Logger) (credential.Provider, error) {
	if cfg.AccessToken != "" {
		logger.Debugf("Using the access token of %s", config.AccessTokenKey)
		return credential.Static{AccessToken: string(cfg.AccessToken)}, nil
	}

	store := credential.NewFileStore(cfg.TokenFile, fileutil.NewFileManager(), logger)
	token, err := store.Load()
	if err != nil {
		if errors.Is(err, credential.ErrNoToken) {
			return nil, fmt.Errorf("not authorized, run the auth command or set %s", config.AccessTokenKey)
		}
		return nil, err
	}

	var refresher credential.Refresher
	if token.RefreshToken != "" {
		oauth, err := newOAuth2(cfg)
		if err != nil {
			return nil, fmt.Errorf("stored token can't be refreshed: %w", err)
		}
		refresher = oauth
	}

	cache := credential.NewCache(token, refresher, logger)
	cache.OnRefresh(store.Listener())
	return cache, nil
}

func newDriveClient(cfg config.Config, logger log.Logger) (*drive.Client, error) {
	credentials, err := newCredentials(cfg, logger)
	if err != nil {
		return nil, err
	}

	return drive.NewClient(drive.ClientParams{
		BaseURL:     cfg.BaseURL,
		Credentials: credentials,
		Params:      cfg.QueryParams(),
		Upload:      cfg.Upload,
	}, logger), nil
}

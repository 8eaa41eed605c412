package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/bitrise-io/go-drive/config"
	"github.com/bitrise-io/go-drive/credential"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

// AuthURL prints the consent page URL of the authorization code flow.
func AuthURL(cfg config.Config, logger log.Logger) error {
	oauth, err := newOAuth2(cfg)
	if err != nil {
		return err
	}

	logger.Infof("Open the following URL, grant access and run the auth command with the returned code:")
	logger.Printf("%s", oauth.AuthCodeURL(uuid.NewString()))
	return nil
}

// Auth exchanges an authorization code for a token and stores it in the token file.
func Auth(ctx context.Context, cfg config.Config, code string, logger log.Logger) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("authorization code must not be empty")
	}

	oauth, err := newOAuth2(cfg)
	if err != nil {
		return err
	}

	token, err := oauth.Exchange(ctx, code)
	if err != nil {
		return err
	}

	store := credential.NewFileStore(cfg.TokenFile, fileutil.NewFileManager(), logger)
	if err := store.Save(token); err != nil {
		return err
	}

	logger.Donef("Token saved to %s", cfg.TokenFile)
	if token.RefreshToken == "" {
		logger.Warnf("No refresh token was issued, the token can't be renewed after %s", token.Expiry)
	}
	return nil
}

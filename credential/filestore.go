package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
)

// FileStore persists a token as JSON.
type FileStore struct {
	path        string
	fileManager fileutil.FileManager
	logger      log.Logger
}

// NewFileStore ...
func NewFileStore(path string, fileManager fileutil.FileManager, logger log.Logger) *FileStore {
	return &FileStore{
		path:        path,
		fileManager: fileManager,
		logger:      logger,
	}
}

// Load reads the stored token. It returns ErrNoToken if nothing was stored yet.
func (s *FileStore) Load() (Token, error) {
	file, err := s.fileManager.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Token{}, ErrNoToken
		}
		return Token{}, fmt.Errorf("open token file: %w", err)
	}
	defer func(file io.Closer) {
		if err := file.Close(); err != nil {
			s.logger.Warnf("Failed to close token file: %s", err)
		}
	}(file)

	var token Token
	if err := json.NewDecoder(file).Decode(&token); err != nil {
		return Token{}, fmt.Errorf("decode token file %s: %w", s.path, err)
	}
	return token, nil
}

// Save writes the token, readable by the owner only.
func (s *FileStore) Save(token Token) error {
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	if err := s.fileManager.Write(s.path, string(data), 0600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// Listener returns a RefreshListener that saves every refreshed token.
func (s *FileStore) Listener() RefreshListener {
	return func(token Token) {
		if err := s.Save(token); err != nil {
			s.logger.Warnf("Failed to persist refreshed token: %s", err)
		}
	}
}

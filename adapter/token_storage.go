package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrTokenNotFound is returned by LoadToken when nothing was stored under the name
var ErrTokenNotFound = errors.New("token not found")

// FileTokenStorage implements TokenStorage using one JSON file per token
type FileTokenStorage struct {
	basePath string
}

// NewTokenStorage creates a file-based token storage rooted at basePath.
// An empty basePath falls back to TOKEN_STORAGE_PATH, then to data/.
func NewTokenStorage(basePath string) (*FileTokenStorage, error) {
	if basePath == "" {
		basePath = os.Getenv("TOKEN_STORAGE_PATH")
	}
	if basePath == "" {
		basePath = DefaultTokenStoragePath
	}

	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create token directory: %w", err)
	}

	return &FileTokenStorage{basePath: basePath}, nil
}

// SaveToken saves token to file
func (f *FileTokenStorage) SaveToken(filename string, token *TokenInfo) error {
	if token == nil {
		return errors.New("token is nil")
	}
	filePath := filepath.Join(f.basePath, filename)

	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	// Owner only
	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}

	return nil
}

// LoadToken loads token from file
func (f *FileTokenStorage) LoadToken(filename string) (*TokenInfo, error) {
	filePath := filepath.Join(f.basePath, filename)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, filename)
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var token TokenInfo
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return &token, nil
}

// DeleteToken deletes token file
func (f *FileTokenStorage) DeleteToken(filename string) error {
	filePath := filepath.Join(f.basePath, filename)

	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil // Already deleted
		}
		return fmt.Errorf("failed to delete token file: %w", err)
	}

	return nil
}

package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"readaloud/internal/domain"
)

type identityFile struct {
	Contributor *domain.ContributorIdentity `yaml:"contributor"`
}

// FileStore keeps the identity in a small YAML file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() (domain.ContributorIdentity, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.ContributorIdentity{}, false, nil
		}
		return domain.ContributorIdentity{}, false, err
	}

	var file identityFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return domain.ContributorIdentity{}, false, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if file.Contributor == nil || strings.TrimSpace(file.Contributor.Name) == "" {
		return domain.ContributorIdentity{}, false, nil
	}
	return *file.Contributor, true, nil
}

func (s *FileStore) Save(identity domain.ContributorIdentity) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(identityFile{Contributor: &identity})
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

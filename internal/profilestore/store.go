// Package profilestore persists interest and alert profile definitions in a YAML
// file. Every save rewrites the whole file through a temp file and rename, so a
// failed write leaves the previous file intact.
package profilestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/redoracle/tgsentinel/internal/apperrors"
	"github.com/redoracle/tgsentinel/internal/models"
)

// document is the on-disk layout.
type document struct {
	Interests []models.InterestProfile `yaml:"interests"`
	Alerts    []models.AlertProfile    `yaml:"alerts"`
}

// FileStore is a YAML-backed profile store. Reads are served from memory; the
// in-memory copy only changes after the file has been replaced successfully.
type FileStore struct {
	path string

	mu  sync.RWMutex
	doc document
}

// Open loads the profile file at path. A missing file yields an empty store.
func Open(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.Reload(context.Background()); err != nil {
		return nil, err
	}

	return s, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Reload re-reads the file, picking up edits made outside the process.
func (s *FileStore) Reload(_ context.Context) error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("profilestore: profile file not found, starting empty", "path", s.path)

		s.mu.Lock()
		s.doc = document{}
		s.mu.Unlock()

		return nil
	}

	if err != nil {
		return fmt.Errorf("read profiles: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse profiles %s: %w", s.path, err)
	}

	if err := validate(&doc); err != nil {
		return err
	}

	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()

	return nil
}

func validate(doc *document) error {
	seen := make(map[string]bool)

	for _, p := range doc.Interests {
		if p.ID == "" {
			return apperrors.NewValidationError("id", "interest profile without id")
		}

		if seen["i:"+p.ID] {
			return apperrors.NewValidationError("id", "duplicate interest profile id "+p.ID)
		}

		seen["i:"+p.ID] = true
	}

	for _, p := range doc.Alerts {
		if p.ID == "" {
			return apperrors.NewValidationError("id", "alert profile without id")
		}

		if seen["a:"+p.ID] {
			return apperrors.NewValidationError("id", "duplicate alert profile id "+p.ID)
		}

		seen["a:"+p.ID] = true
	}

	return nil
}

// Interest returns a copy of the interest profile with id.
func (s *FileStore) Interest(_ context.Context, id string) (*models.InterestProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.doc.Interests {
		if s.doc.Interests[i].ID == id {
			return s.doc.Interests[i].Clone(), nil
		}
	}

	return nil, apperrors.NewNotFoundError("interest profile", "interest profile "+id+" not found")
}

// Alert returns a copy of the alert profile with id.
func (s *FileStore) Alert(_ context.Context, id string) (*models.AlertProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.doc.Alerts {
		if s.doc.Alerts[i].ID == id {
			return s.doc.Alerts[i].Clone(), nil
		}
	}

	return nil, apperrors.NewNotFoundError("alert profile", "alert profile "+id+" not found")
}

// ListInterests returns copies of all interest profiles.
func (s *FileStore) ListInterests(_ context.Context) ([]models.InterestProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.InterestProfile, len(s.doc.Interests))
	for i := range s.doc.Interests {
		out[i] = *s.doc.Interests[i].Clone()
	}

	return out, nil
}

// ListAlerts returns copies of all alert profiles.
func (s *FileStore) ListAlerts(_ context.Context) ([]models.AlertProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.AlertProfile, len(s.doc.Alerts))
	for i := range s.doc.Alerts {
		out[i] = *s.doc.Alerts[i].Clone()
	}

	return out, nil
}

// SaveInterest replaces (or appends) the interest profile and rewrites the file.
func (s *FileStore) SaveInterest(_ context.Context, p *models.InterestProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.copyDoc()

	replaced := false

	for i := range next.Interests {
		if next.Interests[i].ID == p.ID {
			next.Interests[i] = *p.Clone()
			replaced = true

			break
		}
	}

	if !replaced {
		next.Interests = append(next.Interests, *p.Clone())
	}

	return s.commit(next)
}

// SaveAlert replaces (or appends) the alert profile and rewrites the file.
func (s *FileStore) SaveAlert(_ context.Context, p *models.AlertProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.copyDoc()

	replaced := false

	for i := range next.Alerts {
		if next.Alerts[i].ID == p.ID {
			next.Alerts[i] = *p.Clone()
			replaced = true

			break
		}
	}

	if !replaced {
		next.Alerts = append(next.Alerts, *p.Clone())
	}

	return s.commit(next)
}

// copyDoc must be called with mu held.
func (s *FileStore) copyDoc() document {
	return document{
		Interests: append([]models.InterestProfile(nil), s.doc.Interests...),
		Alerts:    append([]models.AlertProfile(nil), s.doc.Alerts...),
	}
}

// commit writes next to disk and only then swaps it in. Must be called with mu held.
func (s *FileStore) commit(next document) error {
	data, err := yaml.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode profiles: %w", err)
	}

	if err := WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write profiles: %w", err)
	}

	s.doc = next

	return nil
}

// WriteFileAtomic writes data to a temp file next to path, syncs it, and renames
// it over path. Readers see either the old or the new content, never a mix.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()

		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()

		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		cleanup()

		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()

		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		cleanup()

		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

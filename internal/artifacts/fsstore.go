// Package artifacts stores model artifact bytes on the filesystem,
// content-addressed by sha256 digest and organized by model id and
// version: <root>/<modelID>/<version>.model
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/modelkiln/modelkiln/pkg/models"
	"github.com/rs/zerolog/log"
)

// FSStore is a filesystem-backed artifact store.
type FSStore struct {
	root string
}

// NewFSStore creates the artifact root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create artifact root %s: %w", root, err)
	}
	log.Info().Str("root", root).Msg("Artifact store configured")
	return &FSStore{root: root}, nil
}

// Digest returns the hex-encoded sha256 of the artifact bytes.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put writes the artifact for (modelID, version) and returns its path
// and checksum. The write is atomic (tmp file + rename).
func (s *FSStore) Put(modelID, version string, data []byte) (path, checksum string, err error) {
	dir := filepath.Join(s.root, modelID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("create artifact dir %s: %w", dir, err)
	}

	path = filepath.Join(dir, version+".model")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", "", fmt.Errorf("write artifact %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", "", fmt.Errorf("rename artifact %s: %w", path, err)
	}

	checksum = Digest(data)
	log.Debug().Str("model_id", modelID).Str("version", version).Str("checksum", checksum).Msg("Artifact stored")
	return path, checksum, nil
}

// Read returns the artifact bytes at path.
func (s *FSStore) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.NotFound("artifact", path)
		}
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	return data, nil
}

// ReadVerified reads the artifact and checks its digest against the
// expected checksum, failing with an integrity error on mismatch.
func (s *FSStore) ReadVerified(path, checksum string) ([]byte, error) {
	data, err := s.Read(path)
	if err != nil {
		return nil, err
	}
	if got := Digest(data); got != checksum {
		return nil, models.Integrity("artifact %s checksum mismatch: stored %s, computed %s", path, checksum, got)
	}
	return data, nil
}

// Remove deletes a single artifact file. Missing files are not an error.
func (s *FSStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove artifact %s: %w", path, err)
	}
	return nil
}

// DeleteModel removes every artifact version stored for a model.
func (s *FSStore) DeleteModel(modelID string) error {
	dir := filepath.Join(s.root, modelID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove artifacts for %s: %w", modelID, err)
	}
	return nil
}

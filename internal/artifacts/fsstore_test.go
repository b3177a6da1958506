package artifacts_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/modelkiln/modelkiln/internal/artifacts"
	"github.com/modelkiln/modelkiln/pkg/models"
)

func TestPutAndReadVerified(t *testing.T) {
	s, err := artifacts.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}

	data := []byte(`{"kind":"rules","rules":[]}`)
	path, checksum, err := s.Put("m1", "1.0.0", data)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if checksum != artifacts.Digest(data) {
		t.Errorf("Put() checksum = %q, want digest of data", checksum)
	}
	if filepath.Base(path) != "1.0.0.model" {
		t.Errorf("Put() path = %q, want version-keyed file", path)
	}

	got, err := s.ReadVerified(path, checksum)
	if err != nil {
		t.Fatalf("ReadVerified() error = %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("ReadVerified() = %q, want %q", got, data)
	}
}

func TestReadVerified_ChecksumMismatch(t *testing.T) {
	s, _ := artifacts.NewFSStore(t.TempDir())

	path, checksum, err := s.Put("m1", "1.0.0", []byte("original"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Corrupt the artifact on disk behind the store's back.
	if err := os.WriteFile(path, []byte("tampered"), 0644); err != nil {
		t.Fatalf("corrupt artifact: %v", err)
	}

	_, err = s.ReadVerified(path, checksum)
	if !models.IsKind(err, models.KindIntegrity) {
		t.Errorf("ReadVerified() error = %v, want integrity", err)
	}
}

func TestRead_NotFound(t *testing.T) {
	s, _ := artifacts.NewFSStore(t.TempDir())

	_, err := s.Read(filepath.Join(t.TempDir(), "nope.model"))
	if !models.IsKind(err, models.KindNotFound) {
		t.Errorf("Read() error = %v, want not_found", err)
	}
}

func TestDeleteModel_RemovesAllVersions(t *testing.T) {
	s, _ := artifacts.NewFSStore(t.TempDir())

	p1, _, _ := s.Put("m1", "1.0.0", []byte("v1"))
	p2, _, _ := s.Put("m1", "1.0.1", []byte("v2"))

	if err := s.DeleteModel("m1"); err != nil {
		t.Fatalf("DeleteModel() error = %v", err)
	}
	for _, p := range []string{p1, p2} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("artifact %s still exists after DeleteModel", p)
		}
	}
}

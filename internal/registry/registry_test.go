package registry_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/modelkiln/modelkiln/internal/artifacts"
	"github.com/modelkiln/modelkiln/internal/registry"
	"github.com/modelkiln/modelkiln/internal/store"
	"github.com/modelkiln/modelkiln/pkg/models"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	a, err := artifacts.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	return registry.New(s, a)
}

func registerReq() registry.RegisterRequest {
	return registry.RegisterRequest{
		Name:   "pump-anomaly",
		Type:   models.ModelTypeAnomalyDetection,
		Format: "json",
	}
}

func TestRegisterThenGet(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	artifact := []byte(`{"kind":"rules","rules":[{"condition":{"feature":"x","operator":">","value":1},"prediction":"high","confidence":0.9}]}`)
	created, err := reg.Register(ctx, artifact, registerReq())
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, err := reg.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.CurrentVersion != "1.0.0" {
		t.Errorf("CurrentVersion = %q, want 1.0.0", got.CurrentVersion)
	}
	if len(got.Versions) != 1 {
		t.Fatalf("len(Versions) = %d, want 1", len(got.Versions))
	}
	if got.Versions[0].Version != got.CurrentVersion {
		t.Errorf("CurrentVersion %q does not match seeded record %q", got.CurrentVersion, got.Versions[0].Version)
	}
	if got.Versions[0].Checksum != artifacts.Digest(artifact) {
		t.Errorf("Checksum = %q, want content digest", got.Versions[0].Checksum)
	}
	if got.Status != models.ModelStatusActive {
		t.Errorf("Status = %q, want active", got.Status)
	}
}

func TestRegister_RequiredMetadata(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	for _, req := range []registry.RegisterRequest{
		{Type: models.ModelTypeRegression, Format: "json"},
		{Name: "x", Format: "json"},
		{Name: "x", Type: models.ModelTypeRegression},
	} {
		_, err := reg.Register(ctx, []byte("{}"), req)
		if !models.IsKind(err, models.KindValidation) {
			t.Errorf("Register(%+v) error = %v, want validation", req, err)
		}
	}

	_, err := reg.Register(ctx, nil, registerReq())
	if !models.IsKind(err, models.KindValidation) {
		t.Errorf("Register(no artifact) error = %v, want validation", err)
	}
}

func TestUpdate_AppendsVersion(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	created, _ := reg.Register(ctx, []byte("v1"), registerReq())
	before, _ := reg.VersionHistory(ctx, created.ID)

	updated, err := reg.Update(ctx, created.ID, []byte("v2"), models.ModelUpdate{})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.CurrentVersion != "1.0.1" {
		t.Errorf("CurrentVersion = %q, want auto-bumped 1.0.1", updated.CurrentVersion)
	}

	after, _ := reg.VersionHistory(ctx, created.ID)
	if len(after) != len(before)+1 {
		t.Fatalf("len(history) = %d, want %d", len(after), len(before)+1)
	}
	if !reflect.DeepEqual(after[0], before[0]) {
		t.Errorf("prior version record changed by update: %+v != %+v", after[0], before[0])
	}
}

func TestUpdate_ExplicitVersionMustIncrease(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	created, _ := reg.Register(ctx, []byte("v1"), registerReq())

	_, err := reg.Update(ctx, created.ID, []byte("v2"), models.ModelUpdate{Version: "1.0.0"})
	if !models.IsKind(err, models.KindValidation) {
		t.Errorf("Update(same version) error = %v, want validation", err)
	}
	_, err = reg.Update(ctx, created.ID, []byte("v2"), models.ModelUpdate{Version: "0.9.0"})
	if !models.IsKind(err, models.KindValidation) {
		t.Errorf("Update(lower version) error = %v, want validation", err)
	}

	updated, err := reg.Update(ctx, created.ID, []byte("v2"), models.ModelUpdate{Version: "2.0.0"})
	if err != nil {
		t.Fatalf("Update(2.0.0) error = %v", err)
	}
	if updated.CurrentVersion != "2.0.0" {
		t.Errorf("CurrentVersion = %q, want 2.0.0", updated.CurrentVersion)
	}
}

func TestUpdate_PartialMetadata(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	req := registerReq()
	req.Description = "original description"
	created, _ := reg.Register(ctx, []byte("v1"), req)

	name := "renamed"
	updated, err := reg.Update(ctx, created.ID, nil, models.ModelUpdate{Name: &name})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Name != "renamed" {
		t.Errorf("Name = %q, want renamed", updated.Name)
	}
	if updated.Description != "original description" {
		t.Errorf("omitted Description changed to %q", updated.Description)
	}
	// Metadata-only update must not append a version.
	if len(updated.Versions) != 1 {
		t.Errorf("metadata-only update appended a version: %d records", len(updated.Versions))
	}
}

// replaceFailStore fails every document replacement, simulating a store
// outage between artifact placement and the version-record write.
type replaceFailStore struct {
	store.Store
}

func (s *replaceFailStore) ReplaceModel(ctx context.Context, model *models.Model) error {
	return errors.New("store unavailable")
}

func TestUpdate_NoOrphanArtifactOnStoreFailure(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	dir := t.TempDir()
	a, err := artifacts.NewFSStore(dir)
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	reg := registry.New(&replaceFailStore{Store: s}, a)
	ctx := context.Background()

	created, err := reg.Register(ctx, []byte("v1"), registerReq())
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, err := reg.Update(ctx, created.ID, []byte("v2"), models.ModelUpdate{}); err == nil {
		t.Fatal("Update() succeeded, want store failure")
	}

	// The artifact written for the failed append must be cleaned up.
	orphan := filepath.Join(dir, created.ID, "1.0.1.model")
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Errorf("orphan artifact %s left behind after failed update", orphan)
	}
	// The original version's artifact stays intact.
	if _, err := os.Stat(filepath.Join(dir, created.ID, "1.0.0.model")); err != nil {
		t.Errorf("original artifact missing after failed update: %v", err)
	}
}

func TestDelete(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	created, _ := reg.Register(ctx, []byte("v1"), registerReq())
	if err := reg.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := reg.Get(ctx, created.ID); !models.IsKind(err, models.KindNotFound) {
		t.Errorf("Get() after delete error = %v, want not_found", err)
	}
}

func TestSetStatus(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	created, _ := reg.Register(ctx, []byte("v1"), registerReq())

	if err := reg.SetStatus(ctx, created.ID, models.ModelStatusDeprecated); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	got, _ := reg.Get(ctx, created.ID)
	if got.Status != models.ModelStatusDeprecated {
		t.Errorf("Status = %q, want deprecated", got.Status)
	}
	if !got.UpdatedAt.After(created.UpdatedAt) && !got.UpdatedAt.Equal(created.UpdatedAt) {
		t.Errorf("UpdatedAt not bumped")
	}

	if err := reg.SetStatus(ctx, created.ID, "bogus"); !models.IsKind(err, models.KindValidation) {
		t.Errorf("SetStatus(bogus) error = %v, want validation", err)
	}
}

func TestSetPerformanceMetrics(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	created, _ := reg.Register(ctx, []byte("v1"), registerReq())
	metrics := map[string]float64{"accuracy": 93.5}
	if err := reg.SetPerformanceMetrics(ctx, created.ID, metrics); err != nil {
		t.Fatalf("SetPerformanceMetrics() error = %v", err)
	}
	got, _ := reg.Get(ctx, created.ID)
	if got.Performance["accuracy"] != 93.5 {
		t.Errorf("Performance = %v, want accuracy 93.5", got.Performance)
	}
}

func TestResolveVersion(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	created, _ := reg.Register(ctx, []byte("v1"), registerReq())
	reg.Update(ctx, created.ID, []byte("v2"), models.ModelUpdate{})

	// Empty version resolves to current.
	_, vr, err := reg.ResolveVersion(ctx, created.ID, "")
	if err != nil {
		t.Fatalf("ResolveVersion() error = %v", err)
	}
	if vr.Version != "1.0.1" {
		t.Errorf("resolved version = %q, want current 1.0.1", vr.Version)
	}

	// Specific version resolves to its record.
	_, vr, err = reg.ResolveVersion(ctx, created.ID, "1.0.0")
	if err != nil {
		t.Fatalf("ResolveVersion(1.0.0) error = %v", err)
	}
	if vr.Version != "1.0.0" {
		t.Errorf("resolved version = %q, want 1.0.0", vr.Version)
	}

	// Unknown version fails.
	_, _, err = reg.ResolveVersion(ctx, created.ID, "9.9.9")
	if !models.IsKind(err, models.KindNotFound) {
		t.Errorf("ResolveVersion(9.9.9) error = %v, want not_found", err)
	}
}

package experiment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/louisbranch/classroom-rpc/internal/services/classroom/credential"
)

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	opts.Credentials = credential.Options{Iterations: 1000}
	reg := NewRegistry(opts)
	t.Cleanup(func() {
		_ = reg.Close(t.Context())
	})
	return reg
}

func writeBundle(t *testing.T, root, name, manifest string) Bundle {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Join(dir, FunctionsDirName), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if manifest != "" {
		if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
	}
	bundle, err := BundleAt(root, name)
	if err != nil {
		t.Fatalf("bundle at: %v", err)
	}
	return bundle
}

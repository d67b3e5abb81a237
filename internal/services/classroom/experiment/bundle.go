package experiment

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// On-disk layout of an experiment bundle, relative to its directory.
const (
	FunctionsDirName = "funcs"
	DBRelPath        = "db/students.db"
	CredentialsFile  = "admin_credentials.json"
	ManifestFile     = "experiment.yaml"
)

// Bundle locates the isolated resources of one experiment.
type Bundle struct {
	FunctionsDir    string
	DBPath          string
	CredentialsPath string
	// Modules lists compiled-in function modules loaded before FunctionsDir.
	Modules []string
	// RequireRegistration rejects calls from unregistered student ids.
	RequireRegistration bool
	Description         string
	// Active makes the experiment accept calls as soon as it is registered.
	Active bool
}

// Equal reports whether two bundles describe the same resources.
func (b Bundle) Equal(other Bundle) bool {
	return filepath.Clean(b.FunctionsDir) == filepath.Clean(other.FunctionsDir) &&
		filepath.Clean(b.DBPath) == filepath.Clean(other.DBPath) &&
		filepath.Clean(b.CredentialsPath) == filepath.Clean(other.CredentialsPath) &&
		slices.Equal(b.Modules, other.Modules) &&
		b.RequireRegistration == other.RequireRegistration
}

// Manifest is the optional experiment.yaml inside a bundle directory.
type Manifest struct {
	Description         string   `yaml:"description"`
	Modules             []string `yaml:"modules"`
	RequireRegistration bool     `yaml:"require_registration"`
	Active              bool     `yaml:"active"`
}

// LoadManifest reads dir/experiment.yaml. A missing file yields a zero
// manifest.
func LoadManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse manifest %s: %w", filepath.Join(dir, ManifestFile), err)
	}
	return m, nil
}

// BundleAt returns the bundle for the experiment directory root/name, applying
// its manifest when present.
func BundleAt(root, name string) (Bundle, error) {
	dir := filepath.Join(root, name)
	m, err := LoadManifest(dir)
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{
		FunctionsDir:        filepath.Join(dir, FunctionsDirName),
		DBPath:              filepath.Join(dir, filepath.FromSlash(DBRelPath)),
		CredentialsPath:     filepath.Join(dir, CredentialsFile),
		Modules:             m.Modules,
		RequireRegistration: m.RequireRegistration,
		Description:         m.Description,
		Active:              m.Active,
	}, nil
}

// Discover lists experiment directories directly under root, sorted. A
// missing root yields no experiments.
func Discover(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read experiments root: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() && ValidName(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// DefaultRoot picks the experiment bound to the root alias at startup:
// preferred when it exists, else "default", else "default_experiment", else
// the first name.
func DefaultRoot(names []string, preferred string) string {
	for _, candidate := range []string{preferred, "default", "default_experiment"} {
		if candidate != "" && slices.Contains(names, candidate) {
			return candidate
		}
	}
	if len(names) > 0 {
		return names[0]
	}
	return ""
}

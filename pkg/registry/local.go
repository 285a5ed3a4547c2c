package registry

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/pelletier/go-toml/v2"

	"github.com/corralhq/corral/pkg/errdefs"
)

// LocalRegistryConfig locates the local filesystem registry.
type LocalRegistryConfig struct {
	RegistryDir string
}

// DefaultLocalRegistryConfig roots the registry under the user's home
// directory.
func DefaultLocalRegistryConfig() LocalRegistryConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return LocalRegistryConfig{RegistryDir: filepath.Join(home, ".corral", "registry")}
}

// PackageMetadata is the metadata.toml stored beside each published
// component.
type PackageMetadata struct {
	Name         string           `toml:"name"`
	Version      string           `toml:"version"`
	Description  string           `toml:"description"`
	SHA256       string           `toml:"sha256"`
	Dependencies []DependencySpec `toml:"dependencies,omitempty"`
	License      string           `toml:"license,omitempty"`
	Repository   string           `toml:"repository,omitempty"`
	WIT          string           `toml:"wit,omitempty"`
	PublishedAt  int64            `toml:"published_at"`
}

// DependencySpec is one declared dependency in package metadata.
type DependencySpec struct {
	Name     string `toml:"name"`
	Version  string `toml:"version"`
	Optional bool   `toml:"optional,omitempty"`
}

// registryIndex is the index.toml mapping package names to version
// lists.
type registryIndex struct {
	Version  int                 `toml:"version"`
	Packages map[string][]string `toml:"packages"`
}

// LocalRegistry is a filesystem registry laid out as
// packages/{safe(name)}/{version}/{component.wasm, metadata.toml}.
// Retrieval verifies component bytes against the metadata hash.
type LocalRegistry struct {
	config LocalRegistryConfig

	mu    sync.Mutex
	index registryIndex
}

// NewLocalRegistry opens (creating if needed) a local registry.
func NewLocalRegistry(config LocalRegistryConfig) (*LocalRegistry, error) {
	if err := os.MkdirAll(filepath.Join(config.RegistryDir, "packages"), 0755); err != nil {
		return nil, errdefs.Wrap(errdefs.KindIO, "", err, "create registry dir")
	}

	r := &LocalRegistry{config: config}
	if err := r.loadIndex(); err != nil {
		return nil, err
	}
	return r, nil
}

// OpenDefaultLocalRegistry opens the registry at the default location.
func OpenDefaultLocalRegistry() (*LocalRegistry, error) {
	return NewLocalRegistry(DefaultLocalRegistryConfig())
}

func (r *LocalRegistry) indexPath() string {
	return filepath.Join(r.config.RegistryDir, "index.toml")
}

func (r *LocalRegistry) loadIndex() error {
	data, err := os.ReadFile(r.indexPath())
	if os.IsNotExist(err) {
		r.index = registryIndex{Version: 1, Packages: make(map[string][]string)}
		return r.saveIndexLocked()
	}
	if err != nil {
		return errdefs.Wrap(errdefs.KindIO, "", err, "read registry index")
	}

	if err := toml.Unmarshal(data, &r.index); err != nil {
		return errdefs.Wrap(errdefs.KindSerialization, "", err, "parse registry index")
	}
	if r.index.Packages == nil {
		r.index.Packages = make(map[string][]string)
	}
	return nil
}

func (r *LocalRegistry) saveIndexLocked() error {
	data, err := toml.Marshal(r.index)
	if err != nil {
		return errdefs.Wrap(errdefs.KindSerialization, "", err, "serialize registry index")
	}
	if err := os.WriteFile(r.indexPath(), data, 0644); err != nil {
		return errdefs.Wrap(errdefs.KindIO, "", err, "write registry index")
	}
	return nil
}

func (r *LocalRegistry) packageDir(name string) string {
	return filepath.Join(r.config.RegistryDir, "packages", SafeName(name))
}

func (r *LocalRegistry) versionDir(name string, version *semver.Version) string {
	return filepath.Join(r.packageDir(name), version.String())
}

// Versions returns a package's published versions, ascending. An
// unknown package yields an empty list.
func (r *LocalRegistry) Versions(_ context.Context, name string) ([]*semver.Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*semver.Version
	for _, raw := range r.index.Packages[name] {
		if v, err := semver.NewVersion(raw); err == nil {
			out = append(out, v)
		}
	}
	sort.Sort(semver.Collection(out))
	return out, nil
}

// LatestVersion returns the highest published version.
func (r *LocalRegistry) LatestVersion(name string) (*semver.Version, error) {
	versions, err := r.Versions(context.Background(), name)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, errdefs.New(errdefs.KindPackageNotFound, "", "%s@*", name)
	}
	return versions[len(versions)-1], nil
}

// Metadata reads one published version's metadata.
func (r *LocalRegistry) Metadata(name string, version *semver.Version) (*PackageMetadata, error) {
	path := filepath.Join(r.versionDir(name, version), "metadata.toml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errdefs.New(errdefs.KindPackageNotFound, "", "%s@%s", name, version)
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindIO, "", err, "read metadata for %s@%s", name, version)
	}

	var meta PackageMetadata
	if err := toml.Unmarshal(data, &meta); err != nil {
		return nil, errdefs.Wrap(errdefs.KindSerialization, "", err, "parse metadata for %s@%s", name, version)
	}
	return &meta, nil
}

// PackageInfo converts stored metadata into a catalogue record.
func (r *LocalRegistry) PackageInfo(_ context.Context, name string, version *semver.Version) (*Package, error) {
	meta, err := r.Metadata(name, version)
	if err != nil {
		return nil, err
	}

	parsed, err := semver.NewVersion(meta.Version)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindSerialization, "", err, "invalid version in metadata for %s", name)
	}

	deps := make([]Dependency, 0, len(meta.Dependencies))
	for _, d := range meta.Dependencies {
		dep, err := NewDependency(d.Name, d.Version)
		if err != nil {
			dep = AnyVersion(d.Name)
		}
		dep.Optional = d.Optional
		deps = append(deps, dep)
	}

	componentPath := filepath.Join(r.versionDir(name, version), "component.wasm")
	size := 0
	if info, err := os.Stat(componentPath); err == nil {
		size = int(info.Size())
	}

	return &Package{
		Name:         meta.Name,
		Version:      parsed,
		Description:  meta.Description,
		SHA256:       meta.SHA256,
		DownloadURL:  "file://" + componentPath,
		Dependencies: deps,
		Targets:      []string{"wasm32-wasip2"},
		License:      meta.License,
		Repository:   meta.Repository,
		Size:         size,
		PublishedAt:  meta.PublishedAt,
	}, nil
}

// Component reads one published version's raw bytes without hash
// verification.
func (r *LocalRegistry) Component(name string, version *semver.Version) ([]byte, error) {
	path := filepath.Join(r.versionDir(name, version), "component.wasm")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errdefs.New(errdefs.KindPackageNotFound, "", "%s@%s", name, version)
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindIO, "", err, "read %s@%s", name, version)
	}
	return data, nil
}

// ComponentVerified reads one published version's bytes and verifies
// them against the metadata hash.
func (r *LocalRegistry) ComponentVerified(name string, version *semver.Version) ([]byte, error) {
	meta, err := r.Metadata(name, version)
	if err != nil {
		return nil, err
	}
	data, err := r.Component(name, version)
	if err != nil {
		return nil, err
	}

	if actual := HashBytes(data); actual != meta.SHA256 {
		return nil, errdefs.New(errdefs.KindHashMismatch, "",
			"%s: expected %s, got %s", name, meta.SHA256, actual)
	}
	return data, nil
}

// Publish stores a component version. The content hash in metadata is
// recomputed on write; publishing an existing version fails with
// VersionExists.
func (r *LocalRegistry) Publish(meta PackageMetadata, component []byte) error {
	version, err := semver.NewVersion(meta.Version)
	if err != nil {
		return errdefs.Wrap(errdefs.KindSerialization, "", err, "invalid version %q", meta.Version)
	}

	dir := r.versionDir(meta.Name, version)
	if _, err := os.Stat(filepath.Join(dir, "component.wasm")); err == nil {
		return errdefs.New(errdefs.KindVersionExists, "", "%s@%s is immutable", meta.Name, version)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return errdefs.Wrap(errdefs.KindIO, "", err, "create %s", dir)
	}

	meta.SHA256 = HashBytes(component)
	if meta.PublishedAt == 0 {
		meta.PublishedAt = time.Now().Unix()
	}

	if err := os.WriteFile(filepath.Join(dir, "component.wasm"), component, 0644); err != nil {
		return errdefs.Wrap(errdefs.KindIO, "", err, "write component")
	}

	metaBytes, err := toml.Marshal(meta)
	if err != nil {
		return errdefs.Wrap(errdefs.KindSerialization, "", err, "serialize metadata")
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.toml"), metaBytes, 0644); err != nil {
		return errdefs.Wrap(errdefs.KindIO, "", err, "write metadata")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.index.Packages[meta.Name]
	found := false
	for _, v := range versions {
		if v == version.String() {
			found = true
			break
		}
	}
	if !found {
		r.index.Packages[meta.Name] = append(versions, version.String())
		sort.Strings(r.index.Packages[meta.Name])
	}
	return r.saveIndexLocked()
}

// Unpublish removes one version and prunes the index.
func (r *LocalRegistry) Unpublish(name string, version *semver.Version) error {
	if err := os.RemoveAll(r.versionDir(name, version)); err != nil {
		return errdefs.Wrap(errdefs.KindIO, "", err, "remove %s@%s", name, version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.index.Packages[name]
	kept := versions[:0]
	for _, v := range versions {
		if v != version.String() {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		delete(r.index.Packages, name)
	} else {
		r.index.Packages[name] = kept
	}
	return r.saveIndexLocked()
}

// List returns every published package name, sorted.
func (r *LocalRegistry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.index.Packages))
	for name := range r.index.Packages {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

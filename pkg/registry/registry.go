package registry

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/errdefs"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
)

// InstallOptions tune one install operation.
type InstallOptions struct {
	// InstallDir overrides the destination directory.
	InstallDir string

	// SkipLockfile leaves the lockfile untouched.
	SkipLockfile bool

	// Force re-fetches even when a cached copy exists.
	Force bool

	// Offline forbids remote access.
	Offline bool
}

// Registry resolves, downloads, caches, verifies, and locks component
// packages. Precedence on install: lockfile-pinned cache entry, local
// filesystem registry, then remote resolution.
type Registry struct {
	client   *Client
	local    *LocalRegistry
	cache    *Cache
	resolver *Resolver
	lockfile *Lockfile
	baseDir  string
	logger   zerolog.Logger
}

// NewRegistry opens a registry rooted at baseDir. The cache lives
// under {baseDir}/.corral/cache; the local filesystem registry is
// attached when available.
func NewRegistry(clientConfig ClientConfig, baseDir string) (*Registry, error) {
	cache, err := NewCache(DefaultCacheConfig(filepath.Join(baseDir, ".corral", "cache")))
	if err != nil {
		return nil, err
	}

	local, err := OpenDefaultLocalRegistry()
	if err != nil {
		local = nil
	}

	return &Registry{
		client:   NewClient(clientConfig),
		local:    local,
		cache:    cache,
		resolver: NewResolver(),
		baseDir:  baseDir,
		logger:   log.WithComponent("registry"),
	}, nil
}

// WithLocal replaces the attached local filesystem registry.
func (r *Registry) WithLocal(local *LocalRegistry) *Registry {
	r.local = local
	return r
}

// Cache exposes the component cache.
func (r *Registry) Cache() *Cache { return r.cache }

// Lockfile returns the in-memory lockfile, if loaded.
func (r *Registry) Lockfile() *Lockfile { return r.lockfile }

// Client exposes the remote client.
func (r *Registry) Client() *Client { return r.client }

func (r *Registry) lockfilePath() string {
	return filepath.Join(r.baseDir, LockfileName)
}

// LoadLockfile reads and verifies the project lockfile. A missing file
// is not an error; a corrupt one fails with LockfileConflict.
func (r *Registry) LoadLockfile() error {
	path := r.lockfilePath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	lockfile, err := VerifyLockfileFile(path)
	if err != nil {
		return err
	}
	r.lockfile = lockfile
	return nil
}

// SaveLockfile persists the in-memory lockfile.
func (r *Registry) SaveLockfile() error {
	if r.lockfile == nil {
		return nil
	}
	return r.lockfile.Save(r.lockfilePath())
}

// Install resolves and installs a package, returning the path of the
// installed artifact.
func (r *Registry) Install(ctx context.Context, name, requirement string, opts InstallOptions) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.InstallDuration)

	constraint, raw, err := parseRequirement(name, requirement)
	if err != nil {
		return "", err
	}

	installDir := opts.InstallDir
	if installDir == "" {
		installDir = filepath.Join(r.baseDir, ".corral", "components")
	}
	if err := os.MkdirAll(installDir, 0755); err != nil {
		return "", errdefs.Wrap(errdefs.KindIO, "", err, "create install dir")
	}

	// 1. a lockfile entry satisfying the requirement pins the version;
	// the cached copy must still hash to the locked value
	if r.lockfile != nil && !opts.Force {
		if locked, ok := r.lockfile.Get(name); ok {
			if version, err := semver.NewVersion(locked.Version); err == nil && constraint.Check(version) {
				if path, ok := r.cache.GetExact(name, version); ok {
					data, err := os.ReadFile(path)
					if err == nil && HashBytes(data) == locked.SHA256 {
						metrics.RegistryCacheHitsTotal.Inc()
						return installArtifact(installDir, name, version, data)
					}
					// tampered or stale: evict and fall through to re-fetch
					r.cache.RemoveVersion(name, version)
					r.logger.Warn().
						Str("package", name).
						Str("version", version.String()).
						Msg("Cached component failed lockfile verification; re-fetching")
				}
			}
		}
	}

	// 2. the local filesystem registry serves matching versions whose
	// hash verifies
	if r.local != nil {
		versions, _ := r.local.Versions(ctx, name)
		for n := len(versions) - 1; n >= 0; n-- {
			version := versions[n]
			if !constraint.Check(version) {
				continue
			}
			data, err := r.local.ComponentVerified(name, version)
			if err != nil {
				continue
			}
			if _, err := r.cache.Store(name, version, data); err != nil {
				return "", err
			}
			path, err := installArtifact(installDir, name, version, data)
			if err != nil {
				return "", err
			}
			if !opts.SkipLockfile {
				r.lockEntry(LockedComponent{Name: name, Version: version.String(), SHA256: HashBytes(data)})
				if err := r.SaveLockfile(); err != nil {
					return "", err
				}
			}
			return path, nil
		}
	}

	// 3. offline installs fall back to any cached match
	if opts.Offline {
		if path, ok := r.cache.Get(name, constraint); ok {
			metrics.RegistryCacheHitsTotal.Inc()
			return path, nil
		}
		return "", errdefs.New(errdefs.KindPackageNotFound, "",
			"%s not found in cache or local registry (offline mode)", name)
	}

	// 4. resolve against the remote catalogue, download, verify, cache
	dep := Dependency{Name: name, Constraint: constraint, Raw: raw}
	resolved, err := r.resolver.Resolve(ctx, r.client, []Dependency{dep})
	if err != nil {
		return "", err
	}

	var installedPath string
	for _, member := range resolved {
		data, err := r.fetchResolved(ctx, member, opts)
		if err != nil {
			return "", err
		}

		if member.Name == name {
			installedPath, err = installArtifact(installDir, name, member.Version, data)
			if err != nil {
				return "", err
			}
		}
	}

	if !opts.SkipLockfile {
		for _, member := range resolved {
			r.lockEntry(LockedComponent{
				Name:         member.Name,
				Version:      member.Version.String(),
				SHA256:       member.SHA256,
				Dependencies: member.Dependencies,
			})
		}
		if err := r.SaveLockfile(); err != nil {
			return "", err
		}
	}

	if installedPath == "" {
		return "", errdefs.New(errdefs.KindPackageNotFound, "", "%s did not resolve", name)
	}
	return installedPath, nil
}

// fetchResolved returns one resolved member's bytes, from cache when
// possible, downloading and verifying otherwise.
func (r *Registry) fetchResolved(ctx context.Context, member ResolvedDependency, opts InstallOptions) ([]byte, error) {
	if !opts.Force {
		if path, ok := r.cache.GetExact(member.Name, member.Version); ok {
			if data, err := os.ReadFile(path); err == nil {
				metrics.RegistryCacheHitsTotal.Inc()
				return data, nil
			}
		}
	}

	data, err := r.client.Download(ctx, member.Name, member.Version)
	if err != nil {
		return nil, err
	}

	// the client verified against the catalogue record; pin against the
	// resolver's view as well
	if actual := HashBytes(data); actual != member.SHA256 {
		return nil, errdefs.New(errdefs.KindHashMismatch, "",
			"%s: expected %s, got %s", member.Name, member.SHA256, actual)
	}

	if _, err := r.cache.Store(member.Name, member.Version, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (r *Registry) lockEntry(entry LockedComponent) {
	if r.lockfile == nil {
		r.lockfile = NewLockfile()
	}
	r.lockfile.Add(entry)
}

// Update installs the latest version of a package when it is newer
// than the locked one; returns the latest version either way.
func (r *Registry) Update(ctx context.Context, name string) (*semver.Version, error) {
	latest, err := r.client.LatestVersion(ctx, name)
	if err != nil {
		return nil, err
	}

	var current *semver.Version
	if r.lockfile != nil {
		if locked, ok := r.lockfile.Get(name); ok {
			current, _ = semver.NewVersion(locked.Version)
		}
	}

	if current == nil || current.LessThan(latest) {
		if _, err := r.Install(ctx, name, "="+latest.String(), InstallOptions{}); err != nil {
			return nil, err
		}
	}
	return latest, nil
}

// UpdateAll updates every locked package; the result maps names that
// moved to their new versions.
func (r *Registry) UpdateAll(ctx context.Context) (map[string]*semver.Version, error) {
	updates := make(map[string]*semver.Version)
	if r.lockfile == nil {
		return updates, nil
	}

	for _, locked := range r.lockfile.Components() {
		old, err := semver.NewVersion(locked.Version)
		if err != nil {
			continue
		}
		latest, err := r.Update(ctx, locked.Name)
		if err != nil {
			return nil, err
		}
		if latest.GreaterThan(old) {
			updates[locked.Name] = latest
		}
	}
	return updates, nil
}

// Remove drops a package from the cache and the lockfile.
func (r *Registry) Remove(name string) error {
	r.cache.Remove(name)
	if r.lockfile != nil {
		r.lockfile.Remove(name)
		return r.SaveLockfile()
	}
	return nil
}

// VerifyAll re-hashes every locked package's cached copy and returns
// the names that no longer match.
func (r *Registry) VerifyAll() []string {
	var invalid []string
	if r.lockfile == nil {
		return invalid
	}

	for _, locked := range r.lockfile.Components() {
		version, err := semver.NewVersion(locked.Version)
		if err != nil {
			continue
		}
		path, ok := r.cache.GetExact(locked.Name, version)
		if !ok {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil || HashBytes(data) != locked.SHA256 {
			invalid = append(invalid, locked.Name)
		}
	}

	sort.Strings(invalid)
	return invalid
}

// Clean removes cached packages the lockfile does not reference.
func (r *Registry) Clean() int {
	return r.cache.CleanUnused(r.lockfile)
}

// ListInstalled returns every cached (name, version) pair.
func (r *Registry) ListInstalled() [][2]string {
	return r.cache.ListAll()
}

// Search queries the remote registry.
func (r *Registry) Search(ctx context.Context, query string) ([]*Package, error) {
	return r.client.Search(ctx, query)
}

// Info returns a package's latest catalogue record.
func (r *Registry) Info(ctx context.Context, name string) (*Package, error) {
	return r.client.Info(ctx, name)
}

func parseRequirement(name, requirement string) (*semver.Constraints, string, error) {
	if requirement == "" {
		requirement = "*"
	}
	c, err := semver.NewConstraint(requirement)
	if err != nil {
		return nil, "", errdefs.Wrap(errdefs.KindVersionResolution, "", err,
			"invalid version requirement %q for %s", requirement, name)
	}
	return c, requirement, nil
}

func installArtifact(installDir, name string, version *semver.Version, data []byte) (string, error) {
	dest := filepath.Join(installDir, SafeName(name)+"@"+version.String()+".wasm")
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return "", errdefs.Wrap(errdefs.KindIO, "", err, "install %s", dest)
	}
	return dest, nil
}

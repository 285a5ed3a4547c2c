package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/corralhq/corral/pkg/errdefs"
	"github.com/corralhq/corral/pkg/wit"
)

// LoadedComponent is a parsed component binary. Bytes and Hash are
// immutable after load; WIT may be nil when the component ships no
// descriptor. Compiled artifacts live in the engine's shared
// compilation cache keyed by the binary, not on the component itself.
type LoadedComponent struct {
	ID         string
	Bytes      []byte
	Hash       string
	WIT        *wit.Package
	SourcePath string
}

// ComputeSHA256 returns the lowercase hex SHA-256 of data.
func ComputeSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// loadComponentFile reads a component binary and derives its id from
// the file stem.
func loadComponentFile(path string) (*LoadedComponent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindIO, "", err, "read component %s", path)
	}

	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	c, err := newLoadedComponent(id, data)
	if err != nil {
		return nil, err
	}
	c.SourcePath = path
	return c, nil
}

func newLoadedComponent(id string, data []byte) (*LoadedComponent, error) {
	if !wit.IsComponentBinary(data) {
		return nil, errdefs.New(errdefs.KindInvalidComponent, id, "missing component magic bytes")
	}
	return &LoadedComponent{
		ID:    id,
		Bytes: data,
		Hash:  ComputeSHA256(data),
	}, nil
}

// VerifyHash re-hashes the component bytes and reports whether they
// still match the recorded hash. Detects post-load tampering.
func (c *LoadedComponent) VerifyHash() bool {
	return ComputeSHA256(c.Bytes) == c.Hash
}

// discoverWIT populates the component's interface descriptor, probing
// the sidecar file next to the source path first, then the binary's
// custom section. A component without a descriptor is legal.
func (c *LoadedComponent) discoverWIT() {
	if c.WIT != nil {
		return
	}

	if c.SourcePath != "" {
		sidecar := strings.TrimSuffix(c.SourcePath, filepath.Ext(c.SourcePath)) + ".wit"
		if _, err := os.Stat(sidecar); err == nil {
			if pkg, err := wit.ParseFile(sidecar); err == nil {
				c.WIT = pkg
				return
			}
		}
	}

	if pkg, err := wit.ExtractFromBinary(c.Bytes); err == nil {
		c.WIT = pkg
	}
}

// Info is the externally visible description of a loaded component.
type Info struct {
	ID         string
	Hash       string
	SizeBytes  int
	SourcePath string
}

func currentDir() (string, error) {
	return os.Getwd()
}

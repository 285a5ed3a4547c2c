package runtime

import (
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"

	"github.com/corralhq/corral/pkg/capability"
)

// outputBuffer is a concurrency-safe capture buffer for one guest
// stream.
type outputBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *outputBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

// zeroReader satisfies random reads with zero bytes for guests whose
// Random capability was denied.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// hostContext is the capability-derived per-instance host environment.
// Stream writes land in the capture buffers only when the matching
// capability was granted; clocks and randomness stay deterministic
// unless allowed.
type hostContext struct {
	stdout *outputBuffer
	stderr *outputBuffer

	allowStdout bool
	allowStderr bool
	allowStdin  bool
	allowClock  bool
	allowRandom bool

	env   [][2]string
	args  []string
	stdin []byte

	mounts []fsMount
}

type fsMount struct {
	path     string
	readOnly bool
}

// newHostContext derives the host environment an instance is allowed
// to see from its capability set.
func newHostContext(caps *capability.Set) *hostContext {
	ctx := &hostContext{
		stdout: &outputBuffer{},
		stderr: &outputBuffer{},
	}

	for _, c := range caps.List() {
		switch c.Kind {
		case capability.KindStdout:
			ctx.allowStdout = true
		case capability.KindStderr:
			ctx.allowStderr = true
		case capability.KindStdin:
			ctx.allowStdin = true
		case capability.KindClock:
			ctx.allowClock = true
		case capability.KindRandom:
			ctx.allowRandom = true
		case capability.KindFileRead, capability.KindDirRead:
			ctx.mounts = append(ctx.mounts, fsMount{path: c.Path, readOnly: true})
		case capability.KindFileWrite, capability.KindDirCreate:
			ctx.mounts = append(ctx.mounts, fsMount{path: c.Path, readOnly: false})
		case capability.KindEnvRead:
			if val, ok := os.LookupEnv(c.Name); ok {
				ctx.env = append(ctx.env, [2]string{c.Name, val})
			}
		case capability.KindEnvReadAll:
			for _, kv := range os.Environ() {
				for i := 0; i < len(kv); i++ {
					if kv[i] == '=' {
						ctx.env = append(ctx.env, [2]string{kv[:i], kv[i+1:]})
						break
					}
				}
			}
		case capability.KindUnrestricted:
			ctx.allowStdout = true
			ctx.allowStderr = true
			ctx.allowStdin = true
			ctx.allowClock = true
			ctx.allowRandom = true
			if cwd, err := os.Getwd(); err == nil {
				ctx.mounts = append(ctx.mounts, fsMount{path: cwd, readOnly: false})
			}
		}
	}

	return ctx
}

// moduleConfig materialises the host context as a wazero module
// configuration.
func (h *hostContext) moduleConfig(name string) wazero.ModuleConfig {
	// start functions run explicitly (RunCLI), never at instantiation
	cfg := wazero.NewModuleConfig().WithName(name).WithStartFunctions()

	if h.allowStdout {
		cfg = cfg.WithStdout(h.stdout)
	} else {
		cfg = cfg.WithStdout(io.Discard)
	}
	if h.allowStderr {
		cfg = cfg.WithStderr(h.stderr)
	} else {
		cfg = cfg.WithStderr(io.Discard)
	}
	if h.allowStdin && h.stdin != nil {
		cfg = cfg.WithStdin(bytes.NewReader(h.stdin))
	}

	// wazero's defaults are already deterministic; grant real sources
	// only when the capability allows them
	if h.allowClock {
		cfg = cfg.WithSysWalltime().WithSysNanotime().WithSysNanosleep()
	}
	if h.allowRandom {
		cfg = cfg.WithRandSource(rand.Reader)
	} else {
		cfg = cfg.WithRandSource(zeroReader{})
	}

	fsCfg := wazero.NewFSConfig()
	seen := make(map[string]bool)
	for _, mount := range h.mounts {
		dir := mount.path
		if info, err := os.Stat(dir); err != nil {
			continue
		} else if !info.IsDir() {
			// file grants mount the containing directory
			dir = filepath.Dir(dir)
		}
		key := dir
		if mount.readOnly {
			key = "ro:" + key
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		if mount.readOnly {
			fsCfg = fsCfg.WithReadOnlyDirMount(dir, dir)
		} else {
			fsCfg = fsCfg.WithDirMount(dir, dir)
		}
	}
	cfg = cfg.WithFSConfig(fsCfg)

	for _, kv := range h.env {
		cfg = cfg.WithEnv(kv[0], kv[1])
	}
	if len(h.args) > 0 {
		cfg = cfg.WithArgs(h.args...)
	}

	return cfg
}

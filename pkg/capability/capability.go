package capability

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/corralhq/corral/pkg/errdefs"
)

// Kind discriminates Capability variants.
type Kind string

const (
	KindFileRead         Kind = "file_read"
	KindFileWrite        Kind = "file_write"
	KindDirCreate        Kind = "dir_create"
	KindDirRead          Kind = "dir_read"
	KindNetConnect       Kind = "net_connect"
	KindNetListen        Kind = "net_listen"
	KindDNSResolve       Kind = "dns_resolve"
	KindEnvRead          Kind = "env_read"
	KindEnvReadAll       Kind = "env_read_all"
	KindArgs             Kind = "args"
	KindCwd              Kind = "cwd"
	KindClock            Kind = "clock"
	KindRandom           Kind = "random"
	KindStdin            Kind = "stdin"
	KindStdout           Kind = "stdout"
	KindStderr           Kind = "stderr"
	KindComponentCall    Kind = "component_call"
	KindComponentCallAny Kind = "component_call_any"
	KindExit             Kind = "exit"
	KindSubprocess       Kind = "subprocess"
	KindUnrestricted     Kind = "unrestricted"
)

// Capability is a tagged permission granted to an instance at
// instantiation time. Path binds filesystem variants, Host/Port the
// network variants, Name the env variant, Component/Function the
// inter-component call variants. Unused fields are zero.
type Capability struct {
	Kind      Kind
	Path      string
	Host      string
	Port      uint16
	Name      string
	Component string
	Function  string
}

func FileRead(path string) Capability  { return Capability{Kind: KindFileRead, Path: path} }
func FileWrite(path string) Capability { return Capability{Kind: KindFileWrite, Path: path} }
func DirCreate(path string) Capability { return Capability{Kind: KindDirCreate, Path: path} }
func DirRead(path string) Capability   { return Capability{Kind: KindDirRead, Path: path} }

func NetConnect(host string, port uint16) Capability {
	return Capability{Kind: KindNetConnect, Host: host, Port: port}
}

func NetListen(port uint16) Capability { return Capability{Kind: KindNetListen, Port: port} }
func DNSResolve() Capability           { return Capability{Kind: KindDNSResolve} }
func EnvRead(name string) Capability   { return Capability{Kind: KindEnvRead, Name: name} }
func EnvReadAll() Capability           { return Capability{Kind: KindEnvReadAll} }
func Args() Capability                 { return Capability{Kind: KindArgs} }
func Cwd() Capability                  { return Capability{Kind: KindCwd} }
func Clock() Capability                { return Capability{Kind: KindClock} }
func Random() Capability               { return Capability{Kind: KindRandom} }
func Stdin() Capability                { return Capability{Kind: KindStdin} }
func Stdout() Capability               { return Capability{Kind: KindStdout} }
func Stderr() Capability               { return Capability{Kind: KindStderr} }
func Exit() Capability                 { return Capability{Kind: KindExit} }
func Subprocess() Capability           { return Capability{Kind: KindSubprocess} }
func Unrestricted() Capability         { return Capability{Kind: KindUnrestricted} }

func ComponentCall(component, function string) Capability {
	return Capability{Kind: KindComponentCall, Component: component, Function: function}
}

func ComponentCallAny(component string) Capability {
	return Capability{Kind: KindComponentCallAny, Component: component}
}

// Allows reports whether c grants other under the capability
// hierarchy: Unrestricted covers everything, a directory read covers
// reads of files beneath it, a file write covers writes beneath its
// path, EnvReadAll covers any single variable, and ComponentCallAny
// covers any function on the same component.
func (c Capability) Allows(other Capability) bool {
	if c == other {
		return true
	}
	switch {
	case c.Kind == KindUnrestricted:
		return true
	case c.Kind == KindDirRead && other.Kind == KindFileRead:
		return pathWithin(c.Path, other.Path)
	case c.Kind == KindFileWrite && other.Kind == KindFileWrite:
		return pathWithin(c.Path, other.Path)
	case c.Kind == KindComponentCallAny && other.Kind == KindComponentCall:
		return c.Component == other.Component
	case c.Kind == KindEnvReadAll && other.Kind == KindEnvRead:
		return true
	}
	return false
}

// pathWithin reports whether child is parent or lies beneath it.
func pathWithin(parent, child string) bool {
	parent = filepath.Clean(parent)
	child = filepath.Clean(child)
	if parent == child {
		return true
	}
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Description returns a short human-readable form.
func (c Capability) Description() string {
	switch c.Kind {
	case KindFileRead:
		return "read " + c.Path
	case KindFileWrite:
		return "write " + c.Path
	case KindDirCreate:
		return "mkdir " + c.Path
	case KindDirRead:
		return "ls " + c.Path
	case KindNetConnect:
		return fmt.Sprintf("connect %s:%d", c.Host, c.Port)
	case KindNetListen:
		return fmt.Sprintf("listen %d", c.Port)
	case KindDNSResolve:
		return "dns"
	case KindEnvRead:
		return "env " + c.Name
	case KindEnvReadAll:
		return "env *"
	case KindComponentCall:
		return c.Component + "::" + c.Function
	case KindComponentCallAny:
		return c.Component + "::*"
	default:
		return string(c.Kind)
	}
}

// Parse converts a colon-delimited capability string to a Capability.
// Forms: net:listen:<port>, net:connect:<host>:<port>, fs:read:<path>,
// fs:write:<path>, env:<NAME>, env:*, clock, random, stdin, stdout,
// stderr, all.
func Parse(s string) (Capability, error) {
	switch s {
	case "clock":
		return Clock(), nil
	case "random":
		return Random(), nil
	case "stdin":
		return Stdin(), nil
	case "stdout":
		return Stdout(), nil
	case "stderr":
		return Stderr(), nil
	case "all":
		return Unrestricted(), nil
	case "env:*":
		return EnvReadAll(), nil
	}

	switch {
	case strings.HasPrefix(s, "env:"):
		name := strings.TrimPrefix(s, "env:")
		if name == "" {
			return Capability{}, errdefs.New(errdefs.KindInvalidCapability, "", "empty env variable name in %q", s)
		}
		return EnvRead(name), nil
	case strings.HasPrefix(s, "fs:read:"):
		path := strings.TrimPrefix(s, "fs:read:")
		if path == "" {
			return Capability{}, errdefs.New(errdefs.KindInvalidCapability, "", "empty path in %q", s)
		}
		return FileRead(path), nil
	case strings.HasPrefix(s, "fs:write:"):
		path := strings.TrimPrefix(s, "fs:write:")
		if path == "" {
			return Capability{}, errdefs.New(errdefs.KindInvalidCapability, "", "empty path in %q", s)
		}
		return FileWrite(path), nil
	case strings.HasPrefix(s, "net:listen:"):
		port, err := strconv.ParseUint(strings.TrimPrefix(s, "net:listen:"), 10, 16)
		if err != nil {
			return Capability{}, errdefs.New(errdefs.KindInvalidCapability, "", "invalid port in %q", s)
		}
		return NetListen(uint16(port)), nil
	case strings.HasPrefix(s, "net:connect:"):
		rest := strings.TrimPrefix(s, "net:connect:")
		host, portStr, ok := strings.Cut(rest, ":")
		if !ok || host == "" {
			return Capability{}, errdefs.New(errdefs.KindInvalidCapability, "", "expected net:connect:<host>:<port>, got %q", s)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return Capability{}, errdefs.New(errdefs.KindInvalidCapability, "", "invalid port in %q", s)
		}
		return NetConnect(host, uint16(port)), nil
	}

	return Capability{}, errdefs.New(errdefs.KindInvalidCapability, "", "unknown capability %q", s)
}

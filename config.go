package eryx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Default resource ceilings, per spec.
const (
	DefaultExecutionTimeout = 30 * time.Second
	DefaultCallbackTimeout  = 10 * time.Second
	DefaultMaxMemoryBytes   = 128 * 1024 * 1024
	DefaultMaxCallbacks     = 1000
	DefaultSnapshotLimit    = 10 * 1024 * 1024
)

// Unbounded marks a ResourceLimits field as having no ceiling.
const Unbounded = 0

// ResourceLimits bounds a single execution. Zero-value fields mean
// "unbounded"; use NewResourceLimits for the documented defaults.
type ResourceLimits struct {
	ExecutionTimeout time.Duration
	CallbackTimeout  time.Duration
	MaxMemoryBytes   uint64
	MaxCallbacks     uint64
}

// NewResourceLimits returns the documented default ceilings.
func NewResourceLimits() ResourceLimits {
	return ResourceLimits{
		ExecutionTimeout: DefaultExecutionTimeout,
		CallbackTimeout:  DefaultCallbackTimeout,
		MaxMemoryBytes:   DefaultMaxMemoryBytes,
		MaxCallbacks:     DefaultMaxCallbacks,
	}
}

// NetConfig controls the guest's network egress. An empty NetConfig (even
// with Permissive=true) still blocks loopback unless AllowLocalhost is set
// and RFC1918/ULA ranges unless AllowPrivate is set — deny always wins
// over allow.
type NetConfig struct {
	// Permissive switches the default verdict for hosts that don't match
	// AllowedHosts from deny to allow. AllowedHosts are always consulted
	// first regardless of this flag.
	Permissive bool
	// AllowedHosts are exact hostnames or "*.suffix" wildcard patterns.
	AllowedHosts []string
	// AllowLocalhost permits loopback addresses even under the default
	// deny-private posture.
	AllowLocalhost bool
	// AllowPrivate permits RFC1918/ULA ranges even under the default
	// deny-private posture.
	AllowPrivate bool
}

// Secret binds a symbolic name to a value the guest never sees directly.
type Secret struct {
	Name  string
	Value string
	// Hosts restricts which destination hosts may receive the raw value.
	// Empty means any host the network policy otherwise allows.
	Hosts []string
}

// Handler is a host-side callback implementation. args is the raw JSON
// argument object the guest supplied; the returned value is marshalled to
// JSON for the guest.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Callback is an entry in the Callback Registry.
type Callback struct {
	Name             string
	Description      string
	ParametersSchema json.RawMessage
	Handler          Handler
	// Deferred routes this callback through the async scheduler: the
	// guest's invoke() returns Pending(waitable, promise) and the handler
	// runs on its own host task. Synchronous callbacks run to completion
	// on the task driving the guest.
	Deferred bool
}

// VolumeMount maps a host directory into the guest's VFS.
type VolumeMount struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
}

// ParseVolumeSpec parses the CLI-facing volume mount string form
// `SRC:DST[:ro|:rw]`. A single alpha character immediately followed by
// ":" is treated as a Windows drive-letter prefix rather than a field
// separator. Both paths must be absolute.
func ParseVolumeSpec(spec string) (VolumeMount, error) {
	fields := splitVolumeFields(spec)
	if len(fields) < 2 || len(fields) > 3 {
		return VolumeMount{}, fmt.Errorf("eryx: invalid volume spec %q: expected SRC:DST[:ro|:rw]", spec)
	}

	vm := VolumeMount{HostPath: fields[0], GuestPath: fields[1]}
	if len(fields) == 3 {
		switch fields[2] {
		case "ro":
			vm.ReadOnly = true
		case "rw":
			vm.ReadOnly = false
		default:
			return VolumeMount{}, fmt.Errorf("eryx: invalid volume spec %q: unknown option %q (use 'ro' or 'rw')", spec, fields[2])
		}
	}
	if vm.HostPath == "" || vm.GuestPath == "" {
		return VolumeMount{}, fmt.Errorf("eryx: invalid volume spec %q: empty path", spec)
	}
	isAbs := func(p string) bool {
		return p[0] == '/' ||
			(len(p) >= 3 && isDriveLetter(p[0]) && p[1] == ':' && (p[2] == '\\' || p[2] == '/'))
	}
	if !isAbs(vm.HostPath) || !isAbs(vm.GuestPath) {
		return VolumeMount{}, fmt.Errorf("eryx: invalid volume spec %q: paths must be absolute", spec)
	}
	return vm, nil
}

// splitVolumeFields splits a volume spec on ':', treating a single
// alphabetic character immediately followed by ':' as a Windows drive
// letter rather than a field separator (so "C:\data:/mnt/d:ro" yields
// ["C:\data", "/mnt/d", "ro"], not four empty-laden fields).
func splitVolumeFields(spec string) []string {
	var fields []string
	start := 0
	for i := 0; i < len(spec); i++ {
		if spec[i] != ':' {
			continue
		}
		if i == start+1 && isDriveLetter(spec[start]) {
			// part of "C:" — not a separator.
			continue
		}
		fields = append(fields, spec[start:i])
		start = i + 1
	}
	fields = append(fields, spec[start:])
	return fields
}

func isDriveLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// ExecuteResult is the immutable outcome of one execute() call.
type ExecuteResult struct {
	Stdout          string
	Stderr          string
	DurationMS      float64
	CallbackCount   uint64
	PeakMemoryBytes uint64 // 0 means unknown
}

package sandbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// defaultBlockedPatterns are path components that must never appear in a
// mounted host path, regardless of the configured allowlist. Merged with
// user-supplied entries.
var defaultBlockedPatterns = []string{
	".ssh",
	".gnupg",
	".aws",
	".azure",
	".config",
	".kube",
	".docker",
	"credentials",
	"secrets",
}

// AllowedRoot is one directory subtree that extra mounts may come from.
type AllowedRoot struct {
	Path           string `json:"path"`
	AllowReadWrite bool   `json:"allowReadWrite"`
}

// AllowlistConfig is the on-disk schema of the mount allowlist file.
type AllowlistConfig struct {
	AllowedRoots    []AllowedRoot `json:"allowedRoots"`
	BlockedPatterns []string      `json:"blockedPatterns"`
	NonMainReadOnly bool          `json:"nonMainReadOnly"`
}

// Allowlist validates requested extra mounts. Loaded lazily on first use so
// the file can be edited without a restart taking effect mid-run.
type Allowlist struct {
	path string

	mu     sync.Mutex
	loaded bool
	cfg    AllowlistConfig
}

// NewAllowlist creates a validator backed by the JSON file at path. The
// file must live outside any container-writable directory.
func NewAllowlist(path string) *Allowlist {
	return &Allowlist{path: path}
}

// MountRequest is one additional mount declared on a group.
type MountRequest struct {
	HostPath      string
	ContainerPath string
	// ReadOnly is the caller's request; nil defaults to read-only.
	ReadOnly *bool
}

// ValidatedMount is an accepted mount rewritten to its container target.
type ValidatedMount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Validate filters requested mounts down to the accepted set. Rejected
// mounts are logged at warn and omitted; they never fail the run.
func (a *Allowlist) Validate(requests []MountRequest, isMain bool) []ValidatedMount {
	if len(requests) == 0 {
		return nil
	}
	cfg, err := a.load()
	if err != nil {
		slog.Warn("mount allowlist unavailable, rejecting all extra mounts",
			slog.String("error", err.Error()))
		return nil
	}

	var out []ValidatedMount
	for _, req := range requests {
		m, reason := validateOne(cfg, req, isMain)
		if m == nil {
			slog.Warn("extra mount rejected",
				slog.String("host_path", req.HostPath),
				slog.String("reason", reason))
			continue
		}
		out = append(out, *m)
	}
	return out
}

func validateOne(cfg AllowlistConfig, req MountRequest, isMain bool) (*ValidatedMount, string) {
	cp := req.ContainerPath
	if cp == "" {
		return nil, "empty container path"
	}
	if strings.HasPrefix(cp, "/") {
		return nil, "container path must be relative"
	}
	if strings.Contains(cp, "..") {
		return nil, "container path traversal"
	}

	realHost, err := filepath.EvalSymlinks(req.HostPath)
	if err != nil {
		return nil, fmt.Sprintf("cannot resolve host path: %v", err)
	}
	realHost, err = filepath.Abs(realHost)
	if err != nil {
		return nil, fmt.Sprintf("cannot absolutize host path: %v", err)
	}

	var root *AllowedRoot
	for i := range cfg.AllowedRoots {
		realRoot, err := filepath.EvalSymlinks(cfg.AllowedRoots[i].Path)
		if err != nil {
			continue
		}
		realRoot, err = filepath.Abs(realRoot)
		if err != nil {
			continue
		}
		// Strict prefix: the root itself is not mountable.
		if realHost != realRoot && strings.HasPrefix(realHost, realRoot+string(filepath.Separator)) {
			root = &cfg.AllowedRoots[i]
			break
		}
	}
	if root == nil {
		return nil, "outside every allowed root"
	}

	blocked := append(append([]string{}, defaultBlockedPatterns...), cfg.BlockedPatterns...)
	for _, component := range strings.Split(realHost, string(filepath.Separator)) {
		for _, pattern := range blocked {
			if component == pattern {
				return nil, fmt.Sprintf("blocked path component %q", component)
			}
		}
	}

	readonly := true
	if req.ReadOnly != nil {
		readonly = *req.ReadOnly
	}
	if !root.AllowReadWrite {
		readonly = true
	}
	if cfg.NonMainReadOnly && !isMain {
		readonly = true
	}

	return &ValidatedMount{
		HostPath:      realHost,
		ContainerPath: "/workspace/extra/" + cp,
		ReadOnly:      readonly,
	}, ""
}

func (a *Allowlist) load() (AllowlistConfig, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loaded {
		return a.cfg, nil
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		return AllowlistConfig{}, fmt.Errorf("read allowlist: %w", err)
	}
	var cfg AllowlistConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return AllowlistConfig{}, fmt.Errorf("parse allowlist: %w", err)
	}
	a.cfg = cfg
	a.loaded = true
	return cfg, nil
}

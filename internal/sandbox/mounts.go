package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

// Mount is one bind mount passed to the container runtime.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Paths locates the host directories a run needs.
type Paths struct {
	ProjectDir     string // mounted RO into the main group only
	GlobalDir      string // mounted RO into non-main groups when present
	GroupDir       string // the group's own workspace, RW
	CredentialsDir string // shared provider credentials, RW (container is ephemeral)
	SessionsDir    string // per-group session state
	IPCDir         string // per-group IPC namespace (messages/, tasks/)
	EnvDir         string // env files, allowlisted keys only
}

// buildMounts assembles the mount set for one run. The main group sees the
// project read-only; everyone else only their own workspace plus the shared
// global directory if it exists.
func buildMounts(p Paths, isMain bool, extra []ValidatedMount) []Mount {
	var mounts []Mount

	if isMain {
		mounts = append(mounts,
			Mount{HostPath: p.ProjectDir, ContainerPath: "/workspace/project", ReadOnly: true},
			Mount{HostPath: p.GroupDir, ContainerPath: "/workspace/group"},
		)
	} else {
		mounts = append(mounts,
			Mount{HostPath: p.GroupDir, ContainerPath: "/workspace/group"},
		)
		if p.GlobalDir != "" {
			if _, err := os.Stat(p.GlobalDir); err == nil {
				mounts = append(mounts,
					Mount{HostPath: p.GlobalDir, ContainerPath: "/workspace/global", ReadOnly: true})
			}
		}
	}

	mounts = append(mounts,
		Mount{HostPath: p.CredentialsDir, ContainerPath: "/home/agent/.credentials"},
		Mount{HostPath: p.SessionsDir, ContainerPath: "/workspace/sessions"},
		Mount{HostPath: p.IPCDir, ContainerPath: "/workspace/ipc"},
		Mount{HostPath: p.EnvDir, ContainerPath: "/workspace/env", ReadOnly: true},
	)

	for _, m := range extra {
		mounts = append(mounts, Mount{
			HostPath:      m.HostPath,
			ContainerPath: m.ContainerPath,
			ReadOnly:      m.ReadOnly,
		})
	}
	return mounts
}

// writeEnvDir materializes the allowed environment variables as one file
// per key under dir. Keys outside the allowlist are never written, however
// they reached the process environment.
func writeEnvDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create env dir: %w", err)
	}
	for _, key := range config.AllowedContainerEnvKeys {
		val, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, key), []byte(val), 0o600); err != nil {
			return fmt.Errorf("write env file %s: %w", key, err)
		}
	}
	return nil
}

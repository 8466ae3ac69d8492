// Package sandbox spawns one containerised agent process per execution,
// isolated from the host by the configured container runtime. It owns
// mount-set construction, the mount allowlist, argv assembly, bounded
// output capture and sentinel-framed result parsing.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/groups"
)

// Input is the JSON written to the agent's stdin.
type Input struct {
	Prompt          string `json:"prompt"`
	SessionID       string `json:"sessionId,omitempty"`
	GroupFolder     string `json:"groupFolder"`
	ChatJID         string `json:"chatJid"`
	IsMain          bool   `json:"isMain"`
	IsScheduledTask bool   `json:"isScheduledTask,omitempty"`
	SystemPrompt    string `json:"systemPrompt,omitempty"`
	EnableWebSearch bool   `json:"enableWebSearch,omitempty"`
	MediaPath       string `json:"mediaPath,omitempty"`
	MemoryContext   string `json:"memoryContext,omitempty"`
}

// Result is one completed (or failed) sandbox run.
type Result struct {
	Status       string
	Result       string
	NewSessionID string
	Error        string
	Duration     time.Duration
	Truncated    bool
}

// Runner executes agent containers.
type Runner struct {
	cfg       config.ContainerConfig
	appCfg    *config.Config
	allowlist *Allowlist
	apiKey    string
	model     string
	debug     bool
}

// NewRunner creates a sandbox runner.
func NewRunner(appCfg *config.Config, allowlist *Allowlist, debug bool) *Runner {
	return &Runner{
		cfg:       appCfg.Container,
		appCfg:    appCfg,
		allowlist: allowlist,
		apiKey:    appCfg.GeminiAPIKey,
		model:     appCfg.GeminiModel,
		debug:     debug,
	}
}

// Run spawns one agent container for in. On timeout the process receives
// SIGTERM, then SIGKILL after the grace delay; the caller gets the error
// immediately while the process is reaped in the background.
func (r *Runner) Run(ctx context.Context, in Input, extraMounts []groups.Mount) (*Result, error) {
	start := time.Now()

	if !groups.FolderNamePattern.MatchString(in.GroupFolder) {
		return nil, fmt.Errorf("invalid group folder %q", in.GroupFolder)
	}

	paths, err := r.preparePaths(in.GroupFolder)
	if err != nil {
		return nil, err
	}

	var requests []MountRequest
	for _, m := range extraMounts {
		requests = append(requests, MountRequest{
			HostPath:      m.HostPath,
			ContainerPath: m.ContainerPath,
			ReadOnly:      m.ReadOnly,
		})
	}
	validated := r.allowlist.Validate(requests, in.IsMain)
	mounts := buildMounts(paths, in.IsMain, validated)

	args := r.buildArgs(in, mounts)

	stdinJSON, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal sandbox input: %w", err)
	}

	cmd := exec.Command(r.cfg.Runtime, args...)
	stdout := newBoundedBuffer(r.cfg.MaxOutputSize)
	stderr := newBoundedBuffer(r.cfg.MaxOutputSize)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}
	if _, err := stdin.Write(append(stdinJSON, '\n')); err != nil {
		slog.Warn("write sandbox stdin failed",
			slog.String("group", in.GroupFolder), slog.String("error", err.Error()))
	}
	stdin.Close()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	// timeoutResolved guards against a late Wait completion racing the
	// timeout path: whichever fires first claims the result.
	var resolveOnce sync.Once
	timedOut := false
	cancelled := false

	timeout := r.cfg.ContainerTimeout()
	var waitErr error
	select {
	case waitErr = <-waitCh:
		resolveOnce.Do(func() {})
	case <-time.After(timeout):
		resolveOnce.Do(func() { timedOut = true })
		r.terminate(cmd, waitCh, in.GroupFolder)
	case <-ctx.Done():
		resolveOnce.Do(func() { cancelled = true })
		r.terminate(cmd, waitCh, in.GroupFolder)
		waitErr = ctx.Err()
	}

	duration := time.Since(start)
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	r.writeRunLog(in.GroupFolder, stdout.String(), stderr.String(), exitCode, duration, timedOut || cancelled)

	if timedOut {
		return &Result{
			Status:   "error",
			Error:    fmt.Sprintf("Container execution timed out after %s", timeout),
			Duration: duration,
		}, nil
	}
	if cancelled {
		return &Result{
			Status:   "error",
			Error:    fmt.Sprintf("Container execution cancelled: %v", ctx.Err()),
			Duration: duration,
		}, nil
	}

	parsed := ParseOutput(stdout.String())
	res := &Result{
		Status:       parsed.Status,
		NewSessionID: parsed.NewSessionID,
		Error:        parsed.Error,
		Duration:     duration,
		Truncated:    stdout.Truncated(),
	}
	if parsed.Result != nil {
		res.Result = *parsed.Result
	}
	if waitErr != nil && res.Status == "success" {
		// Exit error with a well-formed result window: trust the window.
		slog.Debug("container exited non-zero after emitting result",
			slog.String("group", in.GroupFolder), slog.String("error", waitErr.Error()))
	}
	return res, nil
}

// terminate sends SIGTERM, then SIGKILL after the grace delay, and reaps
// the process in the background. Output arriving after termination is
// ignored.
func (r *Runner) terminate(cmd *exec.Cmd, waitCh <-chan error, folder string) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	grace := r.cfg.GracefulShutdownDelay()
	go func() {
		select {
		case <-waitCh:
		case <-time.After(grace):
			_ = cmd.Process.Kill()
			<-waitCh
		}
		slog.Debug("timed-out container reaped", slog.String("group", folder))
	}()
}

// buildArgs assembles the container runtime argv.
func (r *Runner) buildArgs(in Input, mounts []Mount) []string {
	args := []string{"run", "-i", "--rm"}

	for _, m := range mounts {
		if m.ReadOnly {
			args = append(args, "--mount",
				fmt.Sprintf("type=bind,source=%s,target=%s,readonly", m.HostPath, m.ContainerPath))
		} else {
			args = append(args, "-v", fmt.Sprintf("%s:%s", m.HostPath, m.ContainerPath))
		}
	}

	env := map[string]string{
		"GEMINI_API_KEY":             r.apiKey,
		"GEMINI_MODEL":               r.model,
		"NANOCLAW_SYSTEM_PROMPT":     sanitizeEnvValue(in.SystemPrompt),
		"NANOCLAW_ENABLE_WEB_SEARCH": boolEnv(in.EnableWebSearch),
		"NANOCLAW_TIMEOUT_MS":        fmt.Sprint(r.cfg.TimeoutMS),
		"NANOCLAW_IS_MAIN":           boolEnv(in.IsMain),
		"TZ":                         r.appCfg.Timezone,
	}
	for key, val := range env {
		if val == "" || !config.EnvKeyAllowed(key) {
			continue
		}
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, val))
	}

	return append(args, r.cfg.Image)
}

// preparePaths ensures a group's host directories exist and returns them.
func (r *Runner) preparePaths(folder string) (Paths, error) {
	p := Paths{
		ProjectDir:     r.appCfg.ProjectDir,
		GlobalDir:      r.appCfg.GlobalDir,
		GroupDir:       r.appCfg.GroupDir(folder),
		CredentialsDir: filepath.Join(r.appCfg.DataDir, "credentials"),
		SessionsDir:    filepath.Join(r.appCfg.DataDir, "agent-sessions", folder),
		IPCDir:         filepath.Join(r.appCfg.IPCDir(), folder),
		EnvDir:         filepath.Join(r.appCfg.DataDir, "env", folder),
	}
	for _, dir := range []string{
		p.GroupDir,
		r.appCfg.GroupLogsDir(folder),
		r.appCfg.GroupMediaDir(folder),
		p.CredentialsDir,
		p.SessionsDir,
		filepath.Join(p.IPCDir, "messages"),
		filepath.Join(p.IPCDir, "tasks"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Paths{}, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := writeEnvDir(p.EnvDir); err != nil {
		return Paths{}, err
	}
	return p, nil
}

// writeRunLog records per-run diagnostics under the group's logs dir. Full
// stream dumps only in debug mode; otherwise a summary plus the stderr tail
// when the run failed.
func (r *Runner) writeRunLog(folder, stdout, stderr string, exitCode int, duration time.Duration, timedOut bool) {
	logPath := filepath.Join(r.appCfg.GroupLogsDir(folder),
		fmt.Sprintf("container-%s.log", time.Now().UTC().Format("2006-01-02T15-04-05Z")))

	var b strings.Builder
	fmt.Fprintf(&b, "exit_code: %d\nduration: %s\ntimed_out: %v\n", exitCode, duration, timedOut)
	if r.debug {
		fmt.Fprintf(&b, "\n--- stdout ---\n%s\n--- stderr ---\n%s\n", stdout, stderr)
	} else if exitCode != 0 {
		tail := stderr
		if len(tail) > 500 {
			tail = tail[len(tail)-500:]
		}
		fmt.Fprintf(&b, "\n--- stderr tail ---\n%s\n", tail)
	}

	if err := os.WriteFile(logPath, []byte(b.String()), 0o644); err != nil {
		slog.Warn("write container run log failed",
			slog.String("group", folder), slog.String("error", err.Error()))
	}
}

// sanitizeEnvValue strips newlines so a crafted system prompt cannot smuggle
// extra env assignments or break argv parsing.
func sanitizeEnvValue(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}

func boolEnv(v bool) string {
	if v {
		return "true"
	}
	return ""
}

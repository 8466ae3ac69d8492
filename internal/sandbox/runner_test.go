package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

// newStubRunner points the container runtime at a shell script so Run can be
// exercised without docker.
func newStubRunner(t *testing.T, script string) *Runner {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-runtime")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write fake runtime: %v", err)
	}

	cfg := config.Default()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.GroupsDir = filepath.Join(dir, "groups")
	cfg.ProjectDir = dir
	cfg.MountAllowlistPath = filepath.Join(dir, "allowlist.json")
	cfg.Container.Runtime = bin
	cfg.Container.GracefulShutdownDelayMS = 50

	return NewRunner(cfg, NewAllowlist(cfg.MountAllowlistPath), false)
}

func TestRunCancelledReportsCancellation(t *testing.T) {
	r := newStubRunner(t, "exec sleep 30")
	r.cfg.TimeoutMS = 60000

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res, err := r.Run(ctx, Input{Prompt: "hi", GroupFolder: "main", ChatJID: "c1", IsMain: true}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != "error" {
		t.Fatalf("status = %q, want error", res.Status)
	}
	if !strings.Contains(res.Error, "cancelled") || strings.Contains(res.Error, "timed out") {
		t.Errorf("error = %q, want a cancellation message", res.Error)
	}
}

func TestRunTimeoutReportsTimeout(t *testing.T) {
	r := newStubRunner(t, "exec sleep 30")
	r.cfg.TimeoutMS = 100

	res, err := r.Run(context.Background(), Input{Prompt: "hi", GroupFolder: "main", ChatJID: "c1", IsMain: true}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != "error" || !strings.Contains(res.Error, "timed out after") {
		t.Errorf("result = %+v, want timeout error", res)
	}
}

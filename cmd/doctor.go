package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("nanoclaw doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	check := func(label string, ok bool, detail string) {
		status := "OK"
		if !ok {
			status = "MISSING"
		}
		fmt.Printf("  %-22s %s", label+":", status)
		if detail != "" {
			fmt.Printf(" (%s)", detail)
		}
		fmt.Println()
	}

	check("GEMINI_API_KEY", cfg.GeminiAPIKey != "", "fast path disabled without it")
	check("TELEGRAM_BOT_TOKEN", cfg.TelegramToken != "", "required to run")

	runtimePath, err := exec.LookPath(cfg.Container.Runtime)
	runtimeDetail := cfg.Container.Runtime + " at " + runtimePath
	if err != nil {
		runtimeDetail = err.Error()
	}
	check("Container runtime", err == nil, runtimeDetail)

	_, err = os.Stat(cfg.MountAllowlistPath)
	check("Mount allowlist", err == nil, cfg.MountAllowlistPath)

	fmt.Println()
	fmt.Printf("  Store:    %s", cfg.StorePath())
	db, err := store.Open(cfg.StorePath())
	if err != nil {
		fmt.Printf(" (OPEN FAILED: %s)\n", err)
		return
	}
	defer db.Close()
	fmt.Println(" (OK)")
}

package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/valet/internal/recovery"
)

// crashBackoff is the relaunch delay after an unexpected exit. Cooperative
// restarts (exit code recovery.RestartExitCode) relaunch immediately.
const crashBackoff = 5 * time.Second

func superviseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supervise",
		Short: "Run the gateway under a relaunching supervisor",
		Long: `Runs the gateway as a child process and relaunches it when it exits.
Exit code 0 stops the supervisor; the restart exit code relaunches
immediately; anything else relaunches after a short delay.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor()
		},
	}
}

func runSupervisor() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	childArgs := []string{}
	if cfgFile != "" {
		childArgs = append(childArgs, "--config", cfgFile)
	}
	if verbose {
		childArgs = append(childArgs, "--verbose")
	}

	for {
		child := exec.Command(exe, childArgs...)
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		child.Stdin = os.Stdin

		slog.Info("supervisor launching gateway", "exe", exe)
		err := child.Run()
		if err == nil {
			slog.Info("gateway exited cleanly, supervisor done")
			return nil
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("launch gateway: %w", err)
		}

		code := exitErr.ExitCode()
		if code == recovery.RestartExitCode {
			slog.Info("gateway requested restart, relaunching")
			continue
		}

		slog.Warn("gateway crashed, relaunching after backoff", "exit_code", code, "backoff", crashBackoff)
		time.Sleep(crashBackoff)
	}
}

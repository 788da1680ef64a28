package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

const displayReadyTimeout = 5 * time.Second

// startDisplay runs Xvfb on display and waits for its X socket. The
// returned func kills it.
func startDisplay(ctx context.Context, display string, logger *slog.Logger) (func() error, error) {
	num, ok := strings.CutPrefix(display, ":")
	if !ok || num == "" {
		return nil, fmt.Errorf("browser: display %q is not of the form :N", display)
	}

	cmd := exec.Command("Xvfb", display, "-screen", "0", "1920x1080x24", "-ac", "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("browser: start xvfb: %w", err)
	}
	stop := func() error {
		cmd.Process.Kill()
		cmd.Wait()
		logger.Info("browser: xvfb stopped", "display", display)
		return nil
	}

	sock := "/tmp/.X11-unix/X" + num
	deadline := time.Now().Add(displayReadyTimeout)
	for {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		if time.Now().After(deadline) {
			stop()
			return nil, fmt.Errorf("browser: xvfb %s not ready after %s", display, displayReadyTimeout)
		}
		select {
		case <-ctx.Done():
			stop()
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	logger.Info("browser: xvfb ready", "display", display, "pid", cmd.Process.Pid)
	return stop, nil
}

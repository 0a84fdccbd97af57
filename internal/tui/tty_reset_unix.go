//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

// bestEffortResetTTY runs "stty sane" against the controlling terminal so an
// interrupted program does not leave ICRNL off.
func bestEffortResetTTY() {
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return
	}
	_ = exec.Command("sh", "-c", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}

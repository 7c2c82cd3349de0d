//go:build linux

package proctitle

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PR_SET_NAME takes at most 15 bytes plus the NUL terminator; longer titles
// are truncated by the kernel, so truncate explicitly for a stable name.
const linuxProcNameMax = 15

// Set applies a short process title on Linux via PR_SET_NAME so the gateway
// shows up by name in ps/top output.
func Set(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("empty process title")
	}
	if len(title) > linuxProcNameMax {
		title = title[:linuxProcNameMax]
	}

	if len(os.Args) > 0 {
		os.Args[0] = title
	}

	b := make([]byte, linuxProcNameMax+1)
	copy(b, title)

	if err := unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&b[0])), 0, 0, 0); err != nil {
		return fmt.Errorf("prctl PR_SET_NAME: %w", err)
	}
	return nil
}

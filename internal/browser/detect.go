// Package browser finds, launches and locates Chrome instances that expose
// the DevTools protocol.
package browser

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// ErrChromeNotFound is returned when no Chrome binary can be located.
var ErrChromeNotFound = errors.New("chrome not found")

// chromeCandidates lists binaries tried in order, per GOOS. Bare names are
// resolved through PATH.
var chromeCandidates = map[string][]string{
	"darwin": {
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
		"/Applications/Google Chrome Canary.app/Contents/MacOS/Google Chrome Canary",
		"google-chrome-stable",
		"chromium",
	},
	"linux": {
		"google-chrome",
		"google-chrome-stable",
		"chromium",
		"chromium-browser",
		"/snap/bin/chromium",
		"headless_shell",
	},
}

func chromePaths() []string {
	return chromeCandidates[runtime.GOOS]
}

// FindChrome resolves the binary to launch. An explicit path (--chrome,
// chromePath in the config file or CDPKIT_CHROME) is used as is and must
// exist; without one the platform candidates are tried in order.
func FindChrome(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%w at %s", ErrChromeNotFound, explicit)
		}
		return explicit, nil
	}

	candidates := chromePaths()
	for _, c := range candidates {
		if found, err := exec.LookPath(c); err == nil {
			return found, nil
		}
	}
	return "", fmt.Errorf("%w: tried %d locations, set --chrome", ErrChromeNotFound, len(candidates))
}

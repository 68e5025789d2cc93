package browser

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/grantcarthew/cdpkit/internal/log"
)

// DefaultPort is the remote debugging port used when none is configured.
const DefaultPort = 9222

// UserDataDirDefault selects the user's own Chrome profile.
const UserDataDirDefault = "default"

// LaunchOptions configures a browser started by cdpkit.
type LaunchOptions struct {
	ChromePath string
	Headless   bool
	Port       int

	// UserDataDir is the profile directory. Empty means a throwaway
	// directory removed on Close; UserDataDirDefault means the user's
	// profile.
	UserDataDir string

	Logger *log.Logger
}

func (o LaunchOptions) port() int {
	if o.Port == 0 {
		return DefaultPort
	}
	return o.Port
}

// automationFlags quiet the parts of Chrome that would otherwise emit
// unrelated targets and network traffic during a session.
var automationFlags = []string{
	"--no-first-run",
	"--no-default-browser-check",
	"--disable-background-networking",
	"--disable-sync",
	"--disable-popup-blocking",
}

func platformFlags() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"--use-mock-keychain"}
	case "linux":
		return []string{"--password-store=basic"}
	}
	return nil
}

// buildArgs returns the command line for opts. The debugging server only
// listens on loopback and the browser opens a single blank page.
func buildArgs(opts LaunchOptions) []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", opts.port()),
		"--remote-debugging-address=127.0.0.1",
	}
	args = append(args, automationFlags...)
	args = append(args, platformFlags()...)
	if opts.Headless {
		args = append(args, "--headless=new")
	}
	if dir := opts.UserDataDir; dir != "" && dir != UserDataDirDefault {
		args = append(args, "--user-data-dir="+dir)
	}
	return append(args, "about:blank")
}

// profile is the data directory a launched browser runs with.
type profile struct {
	dir       string
	temporary bool
}

func createTempDataDir() (string, error) {
	return os.MkdirTemp("", "cdpkit-chrome-*")
}

func resolveProfile(userDataDir string) (profile, error) {
	switch userDataDir {
	case "":
		dir, err := createTempDataDir()
		if err != nil {
			return profile{}, fmt.Errorf("create profile dir: %w", err)
		}
		return profile{dir: dir, temporary: true}, nil
	case UserDataDirDefault:
		return profile{}, nil
	default:
		return profile{dir: userDataDir}, nil
	}
}

// remove deletes a temporary profile. Other profiles are left alone.
func (p profile) remove(logger *log.Logger) {
	if !p.temporary || p.dir == "" {
		return
	}
	if err := os.RemoveAll(p.dir); err != nil {
		logger.Warnf("browser", "failed to remove profile %s: %v", p.dir, err)
	}
}

// spawnProcess starts binPath without waiting for the debugging endpoint.
func spawnProcess(binPath string, opts LaunchOptions) (*exec.Cmd, profile, error) {
	prof, err := resolveProfile(opts.UserDataDir)
	if err != nil {
		return nil, profile{}, err
	}
	if prof.dir != "" {
		opts.UserDataDir = prof.dir
	}

	args := buildArgs(opts)
	opts.Logger.Debugf("browser", "exec %s %v", binPath, args)
	cmd := exec.Command(binPath, args...)
	if err := cmd.Start(); err != nil {
		prof.remove(opts.Logger)
		return nil, profile{}, fmt.Errorf("start browser %s: %w", binPath, err)
	}
	return cmd, prof, nil
}

package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/grantcarthew/cdpkit/internal/log"
)

// ErrStartTimeout is returned when the debugging endpoint of a launched
// browser does not answer before the launch context ends.
var ErrStartTimeout = errors.New("browser start timeout")

const (
	pollInterval = 100 * time.Millisecond
	// exitGrace is how long Close waits after an interrupt before killing.
	exitGrace = 3 * time.Second
)

// Browser is a Chrome process owned by cdpkit.
type Browser struct {
	cmd     *exec.Cmd
	exited  chan struct{}
	port    int
	profile profile
	logger  *log.Logger
}

// Launch starts Chrome and returns once its /json/version endpoint answers.
// The process is stopped again if that does not happen before ctx ends.
func Launch(ctx context.Context, opts LaunchOptions) (*Browser, error) {
	binPath, err := FindChrome(opts.ChromePath)
	if err != nil {
		return nil, err
	}

	cmd, prof, err := spawnProcess(binPath, opts)
	if err != nil {
		return nil, err
	}
	b := &Browser{
		cmd:     cmd,
		exited:  make(chan struct{}),
		port:    opts.port(),
		profile: prof,
		logger:  opts.Logger,
	}
	go func() {
		_ = cmd.Wait()
		close(b.exited)
	}()

	if err := b.awaitEndpoint(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	b.logger.Debugf("browser", "pid %d serving %s", b.PID(), b.Endpoint())
	return b, nil
}

// awaitEndpoint polls the debugging endpoint until it answers, the process
// exits or ctx ends.
func (b *Browser) awaitEndpoint(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("%w: %w (last attempt: %v)", ErrStartTimeout, ctx.Err(), lastErr)
			}
			return fmt.Errorf("%w: %w", ErrStartTimeout, ctx.Err())
		case <-b.exited:
			return fmt.Errorf("browser exited before %s answered", b.Endpoint())
		case <-ticker.C:
			if _, lastErr = FetchVersion(ctx, b.Endpoint()); lastErr == nil {
				return nil
			}
		}
	}
}

func (b *Browser) Port() int { return b.port }

// Endpoint is the loopback host:port of the debugging server.
func (b *Browser) Endpoint() string {
	return fmt.Sprintf("127.0.0.1:%d", b.port)
}

func (b *Browser) PID() int {
	if b.cmd == nil || b.cmd.Process == nil {
		return 0
	}
	return b.cmd.Process.Pid
}

// WebSocketURL returns the browser-level websocket URL.
func (b *Browser) WebSocketURL(ctx context.Context) (string, error) {
	info, err := FetchVersion(ctx, b.Endpoint())
	if err != nil {
		return "", err
	}
	return info.WebSocketDebuggerURL, nil
}

// Close interrupts the browser, kills it if it is still running after a
// grace period and removes a temporary profile. Closing twice is a no-op.
func (b *Browser) Close() error {
	if b.cmd == nil || b.cmd.Process == nil {
		return nil
	}

	if err := b.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = b.cmd.Process.Kill()
	}
	select {
	case <-b.exited:
	case <-time.After(exitGrace):
		b.logger.Warnf("browser", "pid %d ignored interrupt, killing", b.PID())
		_ = b.cmd.Process.Kill()
		<-b.exited
	}

	b.profile.remove(b.logger)
	b.cmd = nil
	return nil
}

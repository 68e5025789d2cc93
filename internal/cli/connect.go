package cli

import (
	"context"
	"fmt"

	"github.com/grantcarthew/cdpkit/internal/browser"
	"github.com/grantcarthew/cdpkit/internal/cdp"
	"github.com/grantcarthew/cdpkit/internal/frames"
	"github.com/grantcarthew/cdpkit/internal/page"
)

// client is an open browser connection, plus the browser process when
// cdpkit launched it.
type client struct {
	app     *app
	conn    *cdp.Connection
	browser *browser.Browser
}

// connect launches or locates the browser and dials its websocket.
func (a *app) connect(ctx context.Context) (*client, error) {
	c := &client{app: a}
	endpoint := a.conf.Endpoint.String

	if a.conf.Launch.Bool {
		launchCtx, cancel := context.WithTimeout(ctx, a.conf.Timeout.Duration)
		defer cancel()
		b, err := browser.Launch(launchCtx, browser.LaunchOptions{
			ChromePath: a.conf.ChromePath.String,
			Headless:   a.conf.Headless.Bool,
			Port:       int(a.conf.Port.Int64),
			Logger:     a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}
		c.browser = b
		endpoint = b.Endpoint()
	}

	wsURL, err := browser.ResolveEndpoint(ctx, endpoint)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to resolve endpoint %s: %w", endpoint, err)
	}
	a.logger.Debugf("cli", "connecting to %s", wsURL)

	c.conn, err = cdp.Dial(ctx, wsURL, cdp.WithLogger(a.logger), cdp.WithCommandTimeout(a.conf.Timeout.Duration))
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the connection and stops a launched browser.
func (c *client) Close() {
	if c.conn != nil {
		_ = c.conn.Close()
		<-c.conn.Done()
	}
	if c.browser != nil {
		_ = c.browser.Close()
	}
}

func (c *client) pageOptions() page.Options {
	timeouts := frames.NewTimeoutSettings(nil)
	timeouts.SetDefaultTimeout(c.app.conf.Timeout.Duration)
	timeouts.SetDefaultNavigationTimeout(c.app.conf.NavigationTimeout.Duration)
	return page.Options{Logger: c.app.logger, Timeouts: timeouts}
}

// openPage attaches to the page selected by --page.
func (c *client) openPage(ctx context.Context) (*page.Page, error) {
	targets, err := page.Targets(ctx, c.conn)
	if err != nil {
		return nil, err
	}
	info, err := page.FindPage(targets, c.app.pageQuery)
	if err != nil {
		return nil, err
	}
	return page.Attach(ctx, c.conn, info.TargetID, c.pageOptions())
}

// withPage connects, attaches to the selected page and runs fn.
func (a *app) withPage(ctx context.Context, fn func(*client, *page.Page) error) error {
	c, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	p, err := c.openPage(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close(context.WithoutCancel(ctx)) }()

	return fn(c, p)
}

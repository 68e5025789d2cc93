package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/grantcarthew/cdpkit/internal/frames"
	"github.com/grantcarthew/cdpkit/internal/page"
)

// normalizeURL adds protocol to URL if missing.
// Uses http:// for localhost/127.0.0.1/0.0.0.0, https:// otherwise.
func normalizeURL(url string) string {
	if strings.Contains(url, "://") || strings.HasPrefix(url, "about:") || strings.HasPrefix(url, "data:") {
		return url
	}

	lower := strings.ToLower(url)
	if strings.HasPrefix(lower, "localhost") ||
		strings.HasPrefix(lower, "127.0.0.1") ||
		strings.HasPrefix(lower, "0.0.0.0") {
		return "http://" + url
	}
	return "https://" + url
}

func (a *app) navigateCommand() *cobra.Command {
	var (
		waitUntil string
		newPage   bool
	)
	cmd := &cobra.Command{
		Use:   "navigate <url>",
		Short: "Navigate the page to a URL",
		Long: `Navigates the main frame and waits until it and all its child frames reach
the --wait-until lifecycle event: load, domcontentloaded, networkidle0 or
networkidle2. With --new a fresh page target is opened instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			event, err := frames.ParseLifecycleEvent(waitUntil)
			if err != nil {
				return err
			}
			url := normalizeURL(args[0])
			ctx := cmd.Context()

			var p *page.Page
			if newPage {
				c, err := a.connect(ctx)
				if err != nil {
					return err
				}
				defer c.Close()
				if p, err = page.New(ctx, c.conn, "", c.pageOptions()); err != nil {
					return err
				}
				// The new target outlives the command.
				defer func() { _ = p.Close(ctx) }()
				return a.navigate(cmd, p, url, event)
			}
			return a.withPage(ctx, func(_ *client, p *page.Page) error {
				return a.navigate(cmd, p, url, event)
			})
		},
	}
	cmd.Flags().StringVar(&waitUntil, "wait-until", string(frames.LifecycleLoad), "Lifecycle event to wait for")
	cmd.Flags().BoolVar(&newPage, "new", false, "Open a new page for the navigation")
	return cmd
}

func (a *app) navigate(cmd *cobra.Command, p *page.Page, url string, event frames.LifecycleEvent) error {
	ctx := cmd.Context()
	if err := p.Navigate(ctx, url, frames.NavigateOptions{WaitUntil: event}); err != nil {
		return err
	}
	title, err := p.Title(ctx)
	if err != nil {
		return err
	}

	if a.jsonOutput {
		return a.outputSuccess(map[string]any{
			"target": p.TargetID(),
			"url":    p.URL(),
			"title":  title,
		})
	}
	_, err = fmt.Fprintf(a.stdout, "%s - %s\n", p.URL(), title)
	return err
}

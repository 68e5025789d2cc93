package cli

import (
	"context"

	"github.com/chromedp/cdproto/target"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/grantcarthew/cdpkit/internal/cli/format"
	"github.com/grantcarthew/cdpkit/internal/page"
)

// attachLimit bounds concurrent attaches of targets --attach.
const attachLimit = 4

type targetSummary struct {
	ID     target.ID `json:"id"`
	Type   string    `json:"type"`
	Title  string    `json:"title"`
	URL    string    `json:"url"`
	Frames int       `json:"frames,omitempty"`
}

func (a *app) targetsCommand() *cobra.Command {
	var attach bool
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List page targets",
		Long: `Lists the page targets of the browser. With --attach every page is attached
concurrently to report its title and frame count from a live session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			infos, err := page.Targets(ctx, c.conn)
			if err != nil {
				return err
			}

			summaries := make([]targetSummary, len(infos))
			for i, info := range infos {
				summaries[i] = targetSummary{ID: info.TargetID, Type: info.Type, Title: info.Title, URL: info.URL}
			}
			if attach {
				if err := c.inspectTargets(ctx, infos, summaries); err != nil {
					return err
				}
				for i := range infos {
					infos[i].Title = summaries[i].Title
				}
			}

			if a.jsonOutput {
				return a.outputSuccess(map[string]any{"targets": summaries})
			}
			return format.Targets(a.stdout, infos, a.outputOptions())
		},
	}
	cmd.Flags().BoolVar(&attach, "attach", false, "Attach to every page to read its title and frames")
	return cmd
}

// inspectTargets attaches to every target concurrently and fills in the
// live title and frame count.
func (c *client) inspectTargets(ctx context.Context, infos []*target.Info, out []targetSummary) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(attachLimit)
	for i, info := range infos {
		i, info := i, info
		g.Go(func() error {
			p, err := page.Attach(ctx, c.conn, info.TargetID, c.pageOptions())
			if err != nil {
				return err
			}
			defer func() { _ = p.Close(context.WithoutCancel(ctx)) }()

			title, err := p.Title(ctx)
			if err != nil {
				return err
			}
			out[i].Title = title
			out[i].Frames = len(p.Frames())
			return nil
		})
	}
	return g.Wait()
}

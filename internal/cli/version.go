package cli

import (
	cdpbrowser "github.com/chromedp/cdproto/browser"
	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/spf13/cobra"

	"github.com/grantcarthew/cdpkit/internal/cli/format"
)

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show browser version",
		Long:  "Connects to the browser and prints what Browser.getVersion reports.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			protocol, product, revision, userAgent, jsVersion, err := cdpbrowser.GetVersion().Do(cdptypes.WithExecutor(ctx, c.conn))
			if err != nil {
				return err
			}
			v := format.Version{
				Product:   product,
				Protocol:  protocol,
				Revision:  revision,
				UserAgent: userAgent,
				JSVersion: jsVersion,
				Endpoint:  a.conf.Endpoint.String,
			}
			if c.browser != nil {
				v.Endpoint = c.browser.Endpoint()
			}

			if a.jsonOutput {
				return a.outputSuccess(map[string]any{"version": v})
			}
			return format.VersionInfo(a.stdout, v, a.outputOptions())
		},
	}
}

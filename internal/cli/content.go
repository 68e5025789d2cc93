package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/grantcarthew/cdpkit/internal/htmlformat"
	"github.com/grantcarthew/cdpkit/internal/page"
)

func (a *app) contentCommand() *cobra.Command {
	var pretty bool
	cmd := &cobra.Command{
		Use:   "content",
		Short: "Print the page HTML",
		Long:  "Prints the serialised document of the main frame, doctype included.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withPage(cmd.Context(), func(_ *client, p *page.Page) error {
				html, err := p.Content(cmd.Context())
				if err != nil {
					return err
				}
				if pretty {
					if html, err = htmlformat.Format(html); err != nil {
						return err
					}
				}

				if a.jsonOutput {
					return a.outputSuccess(map[string]any{"url": p.URL(), "content": html})
				}
				_, err = fmt.Fprintln(a.stdout, strings.TrimRight(html, "\n"))
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Indent the markup")
	return cmd
}

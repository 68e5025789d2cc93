package cli

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/grantcarthew/cdpkit/internal/cli/format"
	"github.com/grantcarthew/cdpkit/internal/page"
)

func (a *app) evalCommand() *cobra.Command {
	var pretty bool
	cmd := &cobra.Command{
		Use:   "eval <expression>",
		Short: "Evaluate JavaScript in the page",
		Long: `Evaluates a JavaScript expression in the main frame of the page and prints
the result. Promises are awaited. All arguments are joined with spaces.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expression := strings.Join(args, " ")
			return a.withPage(cmd.Context(), func(_ *client, p *page.Page) error {
				obj, err := p.Evaluate(cmd.Context(), expression)
				if err != nil {
					return err
				}
				v := page.Value(obj)

				if a.jsonOutput {
					fields := map[string]any{}
					if v.Exists() {
						fields["value"] = json.RawMessage(v.Raw)
					}
					return a.outputSuccess(fields)
				}
				return format.Value(a.stdout, v, pretty)
			})
		},
	}
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Indent object and array results")
	return cmd
}

// evaluate is shared with the REPL.
func evaluate(ctx context.Context, p *page.Page, expression string) (string, error) {
	obj, err := p.Evaluate(ctx, expression)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := format.Value(&sb, page.Value(obj), true); err != nil {
		return "", err
	}
	return sb.String(), nil
}

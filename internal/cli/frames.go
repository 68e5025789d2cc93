package cli

import (
	"github.com/spf13/cobra"

	"github.com/grantcarthew/cdpkit/internal/cli/format"
	"github.com/grantcarthew/cdpkit/internal/frames"
	"github.com/grantcarthew/cdpkit/internal/page"
)

type frameSummary struct {
	ID        string `json:"id"`
	ParentID  string `json:"parentId,omitempty"`
	Name      string `json:"name,omitempty"`
	URL       string `json:"url"`
	LoaderID  string `json:"loaderId"`
	State     string `json:"state"`
	ContextID int64  `json:"executionContextId,omitempty"`
}

func summarizeFrame(f *frames.Frame) frameSummary {
	s := frameSummary{
		ID:       string(f.ID()),
		ParentID: string(f.ParentID()),
		Name:     f.Name(),
		URL:      f.URL(),
		LoaderID: string(f.LoaderID()),
		State:    f.State().String(),
	}
	if id, ok := f.ExecutionContextID(); ok {
		s.ContextID = int64(id)
	}
	return s
}

func (a *app) framesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "frames",
		Short: "Show the frame tree of the page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withPage(cmd.Context(), func(_ *client, p *page.Page) error {
				if a.jsonOutput {
					list := p.Frames()
					out := make([]frameSummary, len(list))
					for i, f := range list {
						out[i] = summarizeFrame(f)
					}
					return a.outputSuccess(map[string]any{"frames": out})
				}
				return format.FrameTree(a.stdout, p.MainFrame(), a.outputOptions())
			})
		},
	}
}

package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/grantcarthew/cdpkit/internal/cdp"
	"github.com/grantcarthew/cdpkit/internal/cli/format"
	"github.com/grantcarthew/cdpkit/internal/frames"
	"github.com/grantcarthew/cdpkit/internal/page"
)

// defaultTraceDuration applies when trace has neither a URL nor --duration.
const defaultTraceDuration = 5 * time.Second

type traceOptions struct {
	duration  time.Duration
	prefix    string
	maxParams int
}

func (a *app) traceCommand() *cobra.Command {
	var opts traceOptions
	cmd := &cobra.Command{
		Use:   "trace [url]",
		Short: "Record raw protocol events",
		Long: `Records every browser and page event into a ring buffer of traceBuffer
entries and prints them. With a URL the page is navigated first and recording
continues for --duration after the load; without one events are recorded for
--duration (default 5s). Interrupting stops recording early.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := ""
			if len(args) == 1 {
				url = normalizeURL(args[0])
			}
			return a.withPage(cmd.Context(), func(c *client, p *page.Page) error {
				return a.trace(cmd, c, p, url, opts)
			})
		},
	}
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "How long to record")
	cmd.Flags().StringVar(&opts.prefix, "method", "", "Only record methods with this prefix, e.g. Page.")
	cmd.Flags().IntVar(&opts.maxParams, "max-params", 200, "Truncate params in text output (0 for no limit)")
	return cmd
}

func (a *app) trace(cmd *cobra.Command, c *client, p *page.Page, url string, opts traceOptions) error {
	ctx := cmd.Context()
	buf := NewRingBuffer[format.Event](int(a.conf.TraceBuffer.Int64))

	record := func(evt cdp.Event) {
		if opts.prefix != "" && !strings.HasPrefix(evt.Method, opts.prefix) {
			return
		}
		buf.Push(format.Event{
			Time:      time.Now(),
			SessionID: string(evt.SessionID),
			Method:    evt.Method,
			Params:    gjson.ParseBytes(evt.Params),
		})
	}
	browserSub := c.conn.Subscribe(cdp.AllEvents, record)
	defer browserSub.Unsubscribe()
	pageSub := p.Session().Subscribe(cdp.AllEvents, record)
	defer pageSub.Unsubscribe()

	wait := opts.duration
	if url != "" {
		if err := p.Navigate(ctx, url, frames.NavigateOptions{}); err != nil {
			return err
		}
	} else if wait == 0 {
		wait = defaultTraceDuration
	}
	a.logger.Debugf("cli", "recording events for %s", wait)

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		case <-p.Session().Done():
			timer.Stop()
		}
	}

	events := buf.All()
	if a.jsonOutput {
		type jsonEvent struct {
			format.Event
			Params json.RawMessage `json:"params,omitempty"`
		}
		out := make([]jsonEvent, len(events))
		for i, e := range events {
			out[i] = jsonEvent{Event: e}
			if e.Params.Raw != "" {
				out[i].Params = json.RawMessage(e.Params.Raw)
			}
		}
		return a.outputSuccess(map[string]any{"events": out, "dropped": buf.Dropped()})
	}

	if n := buf.Dropped(); n > 0 {
		fmt.Fprintf(a.stderr, "%d earlier events dropped (traceBuffer %d)\n", n, buf.Cap())
	}
	return format.Events(a.stdout, events, opts.maxParams, a.outputOptions())
}

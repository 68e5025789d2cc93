// Package format renders cdpkit command results as terminal text.
package format

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/fatih/color"
	"github.com/tidwall/gjson"
	"golang.org/x/term"

	"github.com/grantcarthew/cdpkit/internal/frames"
)

func colorFprint(w io.Writer, c color.Attribute, s string) {
	color.New(c).Fprint(w, s)
}

func colorFprintf(w io.Writer, c color.Attribute, format string, args ...any) {
	color.New(c).Fprintf(w, format, args...)
}

// OutputOptions controls text formatting behavior.
type OutputOptions struct {
	UseColor bool // Enable ANSI color codes
}

// NewOutputOptions returns output options based on flags and environment.
// Priority: jsonOutput > noColorFlag > NO_COLOR env > TTY detection.
func NewOutputOptions(jsonOutput bool, noColorFlag bool, out io.Writer) OutputOptions {
	if jsonOutput || noColorFlag || os.Getenv("NO_COLOR") != "" {
		return OutputOptions{UseColor: false}
	}
	return OutputOptions{UseColor: IsTerminal(out)}
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ActionSuccess outputs "OK" for successful action commands.
func ActionSuccess(w io.Writer, opts OutputOptions) error {
	if opts.UseColor {
		colorFprint(w, color.FgGreen, "OK\n")
		return nil
	}
	_, err := fmt.Fprintln(w, "OK")
	return err
}

// ActionError outputs "Error: <message>" for failed commands.
func ActionError(w io.Writer, msg string, opts OutputOptions) error {
	if opts.UseColor {
		colorFprint(w, color.FgRed, "Error:")
		_, err := fmt.Fprintf(w, " %s\n", msg)
		return err
	}
	_, err := fmt.Fprintf(w, "Error: %s\n", msg)
	return err
}

// Version is the browser identification returned by Browser.getVersion.
type Version struct {
	Product   string `json:"product"`
	Protocol  string `json:"protocolVersion"`
	Revision  string `json:"revision"`
	UserAgent string `json:"userAgent"`
	JSVersion string `json:"jsVersion"`
	Endpoint  string `json:"endpoint"`
}

// VersionInfo outputs browser version details.
func VersionInfo(w io.Writer, v Version, opts OutputOptions) error {
	rows := [][2]string{
		{"Browser", v.Product},
		{"Protocol", v.Protocol},
		{"Revision", v.Revision},
		{"User-Agent", v.UserAgent},
		{"V8", v.JSVersion},
		{"Endpoint", v.Endpoint},
	}
	for _, r := range rows {
		if r[1] == "" {
			continue
		}
		if opts.UseColor {
			colorFprintf(w, color.FgCyan, "%-11s", r[0])
		} else {
			fmt.Fprintf(w, "%-11s", r[0])
		}
		if _, err := fmt.Fprintf(w, "%s\n", r[1]); err != nil {
			return err
		}
	}
	return nil
}

// Targets outputs page targets, one per line. Attached targets are marked
// with an asterisk.
func Targets(w io.Writer, targets []*target.Info, opts OutputOptions) error {
	if len(targets) == 0 {
		_, err := fmt.Fprintln(w, "No pages")
		return err
	}
	for _, t := range targets {
		prefix := "  "
		if t.Attached {
			prefix = "* "
		}
		title := truncate(strings.TrimSpace(t.Title), 40)
		if opts.UseColor {
			colorFprint(w, color.FgCyan, prefix)
			fmt.Fprintf(w, "%s - %s [", t.URL, title)
			colorFprint(w, color.FgCyan, shortID(string(t.TargetID)))
			fmt.Fprintln(w, "]")
			continue
		}
		if _, err := fmt.Fprintf(w, "%s%s - %s [%s]\n", prefix, t.URL, title, shortID(string(t.TargetID))); err != nil {
			return err
		}
	}
	return nil
}

// FrameTree outputs the frame hierarchy below root, children indented under
// their parents.
func FrameTree(w io.Writer, root *frames.Frame, opts OutputOptions) error {
	if root == nil {
		_, err := fmt.Fprintln(w, "No frames")
		return err
	}
	var walk func(f *frames.Frame, depth int) error
	walk = func(f *frames.Frame, depth int) error {
		indent := strings.Repeat("  ", depth)
		url := f.URL()
		if url == "" {
			url = "(no document)"
		}
		if opts.UseColor {
			fmt.Fprint(w, indent)
			colorFprint(w, color.FgCyan, shortID(string(f.ID())))
			fmt.Fprintf(w, " %s ", url)
			colorFprintf(w, stateColor(f.State()), "%s", f.State())
		} else {
			fmt.Fprintf(w, "%s%s %s %s", indent, shortID(string(f.ID())), url, f.State())
		}
		if name := f.Name(); name != "" {
			fmt.Fprintf(w, " name=%q", name)
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
		for _, child := range f.ChildFrames() {
			if err := walk(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(root, 0)
}

func stateColor(s frames.State) color.Attribute {
	switch s {
	case frames.StateActive:
		return color.FgGreen
	case frames.StateDetached:
		return color.FgRed
	default:
		return color.FgYellow
	}
}

// Value outputs an evaluation result. Strings are written raw, other values
// as JSON, pretty printed when pretty is set.
func Value(w io.Writer, v gjson.Result, pretty bool) error {
	switch {
	case !v.Exists():
		_, err := fmt.Fprintln(w, "undefined")
		return err
	case v.Type == gjson.String:
		_, err := fmt.Fprintln(w, v.String())
		return err
	case pretty && (v.IsObject() || v.IsArray()):
		_, err := fmt.Fprintln(w, strings.TrimSpace(gjson.Get(v.Raw, "@pretty").Raw))
		return err
	default:
		_, err := fmt.Fprintln(w, v.Raw)
		return err
	}
}

// Event is one recorded CDP event.
type Event struct {
	Time      time.Time    `json:"time"`
	SessionID string       `json:"sessionId,omitempty"`
	Method    string       `json:"method"`
	Params    gjson.Result `json:"-"`
}

// Events outputs recorded events as "time [session] method params".
// Params longer than maxParams characters are truncated; 0 means no limit.
func Events(w io.Writer, events []Event, maxParams int, opts OutputOptions) error {
	for _, e := range events {
		ts := e.Time.Format("15:04:05.000")
		session := "browser"
		if e.SessionID != "" {
			session = shortID(e.SessionID)
		}
		params := e.Params.Raw
		if maxParams > 0 {
			params = truncate(params, maxParams)
		}
		if opts.UseColor {
			fmt.Fprintf(w, "%s [%s] ", ts, session)
			colorFprint(w, color.FgCyan, e.Method)
			fmt.Fprintf(w, " %s\n", params)
			continue
		}
		if _, err := fmt.Fprintf(w, "%s [%s] %s %s\n", ts, session, e.Method, params); err != nil {
			return err
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

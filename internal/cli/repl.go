package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/grantcarthew/cdpkit/internal/cdp"
	"github.com/grantcarthew/cdpkit/internal/cli/format"
	"github.com/grantcarthew/cdpkit/internal/frames"
	"github.com/grantcarthew/cdpkit/internal/page"
)

// errExit ends the REPL loop.
var errExit = errors.New("exit")

// REPL evaluates lines read from the user in the main frame of a page.
// Lines starting with a dot are REPL commands.
type REPL struct {
	page    *page.Page
	in      io.Reader
	out     io.Writer
	errOut  io.Writer
	opts    format.OutputOptions
	history []string
}

func (a *app) replCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive JavaScript console for the page",
		Long: `Starts an interactive console evaluating JavaScript in the main frame of
the page. Type .help for REPL commands. Lines are read from standard input
without line editing when it is not a terminal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withPage(cmd.Context(), func(_ *client, p *page.Page) error {
				r := &REPL{
					page:   p,
					in:     a.stdin,
					out:    a.stdout,
					errOut: a.stderr,
					opts:   a.outputOptions(),
				}
				return r.Run(cmd.Context())
			})
		},
	}
}

// isTTY reports whether r is a terminal.
func isTTY(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Run starts the REPL loop. Blocks until .exit, EOF, ctx end or the page
// session closing.
func (r *REPL) Run(ctx context.Context) error {
	if isTTY(r.in) {
		return r.runLiner(ctx)
	}

	scanner := bufio.NewScanner(r.in)
	for scanner.Scan() {
		if err := r.handle(ctx, scanner.Text()); err != nil {
			return endOfLoop(err)
		}
	}
	return scanner.Err()
}

func (r *REPL) runLiner(ctx context.Context) error {
	state := liner.NewLiner()
	defer state.Close()
	state.SetCtrlCAborts(true)
	state.SetCompleter(func(line string) []string {
		if !strings.HasPrefix(line, ".") {
			return nil
		}
		var out []string
		for _, c := range replCommands {
			if strings.HasPrefix("."+c, line) {
				out = append(out, "."+c)
			}
		}
		return out
	})

	for {
		line, err := state.Prompt(r.prompt())
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if strings.TrimSpace(line) != "" {
			state.AppendHistory(line)
		}
		if err := r.handle(ctx, line); err != nil {
			return endOfLoop(err)
		}
	}
}

func endOfLoop(err error) error {
	if errors.Is(err, errExit) {
		return nil
	}
	return err
}

// prompt shows the page URL, shortened to 30 characters.
func (r *REPL) prompt() string {
	url := r.page.URL()
	if url == "" {
		return "cdpkit> "
	}
	if len(url) > 30 {
		url = url[:27] + "..."
	}
	return fmt.Sprintf("cdpkit [%s]> ", url)
}

// handle runs one input line. Evaluation errors are printed; only errors
// that end the session are returned.
func (r *REPL) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	r.history = append(r.history, line)

	var err error
	if strings.HasPrefix(line, ".") {
		err = r.command(ctx, line[1:])
	} else {
		var out string
		if out, err = evaluate(ctx, r.page, line); err == nil {
			_, err = io.WriteString(r.out, out)
		}
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errExit), errors.Is(err, cdp.ErrSessionClosed), cdp.IsClosed(err), ctx.Err() != nil:
		return err
	default:
		_ = format.ActionError(r.errOut, err.Error(), r.opts)
		return nil
	}
}

// replCommands lists REPL commands for abbreviation matching.
var replCommands = []string{"exit", "quit", "help", "history", "navigate", "frames", "url"}

// expandAbbreviation expands a command prefix to a full command name.
// Returns the expanded command and true if exactly one match found.
func expandAbbreviation(prefix string, commands []string) (string, bool) {
	prefix = strings.ToLower(prefix)
	var matches []string
	for _, cmd := range commands {
		if cmd == prefix {
			return cmd, true
		}
		if strings.HasPrefix(cmd, prefix) {
			matches = append(matches, cmd)
		}
	}
	if len(matches) == 1 {
		return matches[0], true
	}
	return "", false
}

func (r *REPL) command(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return fmt.Errorf("missing command after '.', try .help")
	}
	name, ok := expandAbbreviation(parts[0], replCommands)
	if !ok {
		return fmt.Errorf("unknown or ambiguous command .%s, try .help", parts[0])
	}

	switch name {
	case "exit", "quit":
		return errExit
	case "help":
		r.printHelp()
	case "history":
		for i, h := range r.history {
			fmt.Fprintf(r.out, "  %d  %s\n", i+1, h)
		}
	case "navigate":
		if len(parts) != 2 {
			return errors.New("usage: .navigate <url>")
		}
		if err := r.page.Navigate(ctx, normalizeURL(parts[1]), frames.NavigateOptions{}); err != nil {
			return err
		}
		fmt.Fprintln(r.out, r.page.URL())
	case "frames":
		return format.FrameTree(r.out, r.page.MainFrame(), r.opts)
	case "url":
		fmt.Fprintln(r.out, r.page.URL())
	}
	return nil
}

func (r *REPL) printHelp() {
	fmt.Fprint(r.out, `Anything not starting with a dot is evaluated in the main frame.

Commands (unique prefixes accepted):
  .navigate <url>  Navigate the page and wait for load
  .frames          Show the frame tree
  .url             Show the page URL
  .history         Show input history
  .help            Show this help
  .exit, .quit     Leave the REPL
`)
}

// Package cli implements the cdpkit command line.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"

	"github.com/grantcarthew/cdpkit/internal/cli/format"
	"github.com/grantcarthew/cdpkit/internal/config"
	"github.com/grantcarthew/cdpkit/internal/log"
)

// Version is set at build time.
var Version = "dev"

// app is the state of one cdpkit invocation.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	// lookupEnv reads the environment; replaced in tests.
	lookupEnv func(string) (string, bool)

	configPath string
	debug      bool
	jsonOutput bool
	noColor    bool
	pageQuery  string

	conf   config.Config
	logger *log.Logger
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		lookupEnv: os.LookupEnv,
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "cdpkit",
		Short: "Drive Chrome over the DevTools protocol",
		Long: `cdpkit connects to a Chrome instance over the DevTools protocol, or launches
one, and runs a single operation against a page: evaluate script, navigate,
inspect the frame tree, dump content or record raw protocol events.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetVersionTemplate("cdpkit version {{.Version}}\n")

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Config file (default $CDPKIT_CONFIG or the user config dir)")
	flags.String("endpoint", "", "Browser websocket URL or host:port of its debugging server")
	flags.Bool("launch", false, "Launch a browser instead of connecting to --endpoint")
	flags.Bool("headless", true, "Run a launched browser headless")
	flags.Int("port", config.DefaultPort, "Debugging port of a launched browser")
	flags.String("chrome", "", "Chrome binary to launch")
	flags.Duration("timeout", config.DefaultTimeout, "Default timeout of protocol commands")
	flags.Duration("navigation-timeout", config.DefaultNavigationTimeout, "Default timeout of navigations")
	flags.StringVarP(&a.pageQuery, "page", "p", "", "Page to use: target id prefix, URL or title substring")
	flags.BoolVar(&a.debug, "debug", false, "Enable verbose debug output")
	flags.BoolVar(&a.jsonOutput, "json", false, "Output in JSON format (default is text)")
	flags.BoolVar(&a.noColor, "no-color", false, "Disable color output")

	root.AddCommand(
		a.versionCommand(),
		a.targetsCommand(),
		a.evalCommand(),
		a.navigateCommand(),
		a.framesCommand(),
		a.contentCommand(),
		a.traceCommand(),
		a.replCommand(),
	)
	return root
}

// setup consolidates the configuration and builds the logger before any
// command runs.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	flagConf, err := configFromFlags(cmd.Flags())
	if err != nil {
		return err
	}
	if a.debug {
		flagConf.LogLevel = null.StringFrom("debug")
	}

	conf, err := config.Consolidate(a.configPath, a.lookupEnv, flagConf)
	if err != nil {
		return err
	}
	a.conf = conf

	a.logger, err = log.NewLogger(a.stderr, conf.LogLevel.String, conf.LogFilter.String)
	if err != nil {
		return err
	}
	a.logger.Debugf("cli", "config endpoint=%s launch=%t timeout=%s", conf.Endpoint.String, conf.Launch.Bool, conf.Timeout.Duration)
	return nil
}

// configFromFlags returns the flag layer of the configuration. Only flags
// set on the command line are valid.
func configFromFlags(fs *pflag.FlagSet) (config.Config, error) {
	var (
		c   config.Config
		err error
	)
	str := func(name string, dst *null.String) {
		if err == nil && fs.Changed(name) {
			var v string
			v, err = fs.GetString(name)
			*dst = null.StringFrom(v)
		}
	}
	boolean := func(name string, dst *null.Bool) {
		if err == nil && fs.Changed(name) {
			var v bool
			v, err = fs.GetBool(name)
			*dst = null.BoolFrom(v)
		}
	}
	duration := func(name string, dst *config.NullDuration) {
		if err == nil && fs.Changed(name) {
			var v time.Duration
			v, err = fs.GetDuration(name)
			*dst = config.NullDurationFrom(v)
		}
	}

	str("endpoint", &c.Endpoint)
	str("chrome", &c.ChromePath)
	boolean("launch", &c.Launch)
	boolean("headless", &c.Headless)
	duration("timeout", &c.Timeout)
	duration("navigation-timeout", &c.NavigationTimeout)
	if err == nil && fs.Changed("port") {
		var v int
		v, err = fs.GetInt("port")
		c.Port = null.IntFrom(int64(v))
	}
	return c, err
}

func (a *app) outputOptions() format.OutputOptions {
	return format.NewOutputOptions(a.jsonOutput, a.noColor, a.stdout)
}

// writeJSON writes data to w, indented when stdout is a terminal.
func (a *app) writeJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	if format.IsTerminal(a.stdout) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(data)
}

// outputSuccess writes a successful JSON response. Only used with --json.
func (a *app) outputSuccess(fields map[string]any) error {
	resp := map[string]any{"ok": true}
	for k, v := range fields {
		resp[k] = v
	}
	return a.writeJSON(a.stdout, resp)
}

// outputError reports err on stderr in the selected output format.
func (a *app) outputError(err error) {
	msg := err.Error()
	if a.jsonOutput {
		_ = a.writeJSON(a.stderr, map[string]any{"ok": false, "error": msg})
		return
	}
	opts := format.NewOutputOptions(false, a.noColor, a.stderr)
	_ = format.ActionError(a.stderr, msg, opts)
}

// Execute runs cdpkit with args, printing any error to stderr.
// Supports command abbreviation via unique prefix matching.
func Execute(ctx context.Context, args []string) error {
	return newApp(os.Stdin, os.Stdout, os.Stderr).execute(ctx, args)
}

func (a *app) execute(ctx context.Context, args []string) error {
	root := a.rootCommand()
	args = append([]string(nil), args...)
	if i := commandIndex(args); i >= 0 {
		if expanded := tryExpandCommand(root, args[i]); expanded != "" {
			args[i] = expanded
		}
	}
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err != nil {
		a.outputError(friendlyError(err))
	}
	return err
}

// commandIndex returns the index of the first non-flag argument, or -1.
// Global flags taking a separate value are skipped with it.
func commandIndex(args []string) int {
	valued := map[string]bool{
		"--config": true, "--endpoint": true, "--port": true, "--chrome": true,
		"--timeout": true, "--navigation-timeout": true, "--page": true, "-p": true,
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			return i
		}
		if valued[arg] {
			i++
		}
	}
	return -1
}

// tryExpandCommand attempts to expand a command abbreviation.
// Returns the expanded command if exactly one match is found, empty string otherwise.
func tryExpandCommand(root *cobra.Command, prefix string) string {
	var matches []string
	for _, cmd := range root.Commands() {
		name := cmd.Name()
		if name == prefix {
			return ""
		}
		if strings.HasPrefix(name, prefix) {
			matches = append(matches, name)
		}
	}
	if len(matches) == 1 {
		return matches[0]
	}
	return ""
}

// friendlyError shortens errors whose chain carries no extra information
// for a terminal user.
func friendlyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return errors.New("interrupted")
	}
	return err
}

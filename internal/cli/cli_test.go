package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/grantcarthew/cdpkit/internal/cdp"
	"github.com/grantcarthew/cdpkit/internal/cdptest"
	"github.com/grantcarthew/cdpkit/internal/config"
	"github.com/grantcarthew/cdpkit/internal/page"
)

type result struct {
	stdout string
	stderr string
	err    error
}

// run executes cdpkit against srv with an empty config file and no
// CDPKIT_* environment.
func run(t *testing.T, srv *cdptest.Server, stdin string, args ...string) result {
	t.Helper()

	conf := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(conf, nil, 0o600))

	var stdout, stderr bytes.Buffer
	a := newApp(strings.NewReader(stdin), &stdout, &stderr)
	a.lookupEnv = func(key string) (string, bool) {
		if key == config.EnvConfigPath {
			return conf, true
		}
		return "", false
	}

	if srv != nil {
		args = append([]string{"--endpoint", srv.Addr()}, args...)
	}
	err := a.execute(context.Background(), args)
	return result{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)

	res := run(t, srv, "", "version")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "Browser    "+cdptest.Product)
	assert.Contains(t, res.stdout, "Protocol   1.3")
	assert.Contains(t, res.stdout, "Endpoint   "+srv.Addr())

	res = run(t, srv, "", "--json", "version")
	require.NoError(t, res.err, res.stderr)
	assert.True(t, gjson.Get(res.stdout, "ok").Bool())
	assert.Equal(t, cdptest.Product, gjson.Get(res.stdout, "version.product").String())
}

func TestTargetsCommand(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t,
		cdptest.WithPage("https://example.com/", "Example"),
		cdptest.WithPage("https://go.dev/", "Go"),
	)

	res := run(t, srv, "", "targets")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "https://example.com/ - Example")
	assert.Contains(t, res.stdout, "https://go.dev/ - Go")

	res = run(t, srv, "", "--json", "targets", "--attach")
	require.NoError(t, res.err, res.stderr)
	targets := gjson.Get(res.stdout, "targets").Array()
	require.Len(t, targets, 2)
	for _, tgt := range targets {
		assert.Equal(t, int64(1), tgt.Get("frames").Int())
		assert.NotEmpty(t, tgt.Get("title").String())
	}
	// --attach detaches again.
	assert.Contains(t, srv.Received(), "Target.detachFromTarget")
}

func TestEvalCommand(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t, cdptest.WithPage("https://example.com/", "Example"))

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"number", []string{"eval", "42"}, "42\n"},
		{"string", []string{"eval", `"hello"`}, "hello\n"},
		{"title", []string{"eval", "document.title"}, "Example\n"},
		{"href", []string{"eval", "location.href"}, "https://example.com/\n"},
		{"joined args", []string{"eval", `"a`, `b"`}, "a b\n"},
		{"pretty", []string{"eval", "--pretty", `{"a":1}`}, "{\n  \"a\": 1\n}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(t, srv, "", tt.args...)
			require.NoError(t, res.err, res.stderr)
			assert.Equal(t, tt.want, res.stdout)
		})
	}

	res := run(t, srv, "", "--json", "eval", `{"a":{"b":2}}`)
	require.NoError(t, res.err, res.stderr)
	assert.Equal(t, int64(2), gjson.Get(res.stdout, "value.a.b").Int())
}

func TestEvalCommandException(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)

	res := run(t, srv, "", "eval", "missing.value")
	require.Error(t, res.err)
	assert.Empty(t, res.stdout)
	assert.Contains(t, res.stderr, "Error: ")
	assert.Contains(t, res.stderr, "ReferenceError: missing is not defined")

	res = run(t, srv, "", "--json", "eval", "throw oops")
	require.Error(t, res.err)
	assert.False(t, gjson.Get(res.stderr, "ok").Bool())
	assert.Contains(t, gjson.Get(res.stderr, "error").String(), "Uncaught oops")
}

func TestNavigateCommand(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)

	res := run(t, srv, "", "navigate", "example.com/docs")
	require.NoError(t, res.err, res.stderr)
	assert.Equal(t, "https://example.com/docs - \n", res.stdout)

	p, ok := srv.Page(srv.Targets()[0])
	require.True(t, ok)
	assert.Equal(t, "https://example.com/docs", p.URL())

	res = run(t, srv, "", "--json", "navigate", "--wait-until", "domcontentloaded", "localhost:8080/")
	require.NoError(t, res.err, res.stderr)
	assert.Equal(t, "http://localhost:8080/", gjson.Get(res.stdout, "url").String())

	res = run(t, srv, "", "navigate", "--wait-until", "never", "example.com")
	assert.ErrorContains(t, res.err, "unknown lifecycle event")

	res = run(t, srv, "", "navigate", "https://nowhere.invalid/")
	assert.ErrorContains(t, res.err, "net::ERR_NAME_NOT_RESOLVED")
}

func TestNavigateCommandNewPage(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)

	res := run(t, srv, "", "navigate", "--new", "https://example.com/new")
	require.NoError(t, res.err, res.stderr)
	require.Len(t, srv.Targets(), 2)

	p, ok := srv.Page(srv.Targets()[1])
	require.True(t, ok)
	assert.Equal(t, "https://example.com/new", p.URL())
}

func TestPageSelection(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t,
		cdptest.WithPage("https://example.com/", "Example"),
		cdptest.WithPage("https://go.dev/", "Go"),
	)

	res := run(t, srv, "", "--page", "go.dev", "eval", "document.title")
	require.NoError(t, res.err, res.stderr)
	assert.Equal(t, "Go\n", res.stdout)

	res = run(t, srv, "", "-p", "https", "eval", "1")
	assert.ErrorContains(t, res.err, "matches 2 pages")
}

func TestFramesCommand(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t, cdptest.WithPage("https://example.com/", "Example"))
	id := srv.Targets()[0]
	p, _ := srv.Page(id)
	main := p.Frames()[0].ID
	srv.AttachFrame(id, main, cdptypes.FrameID("CHILDFRAME"), "https://ads.example.com/slot")

	res := run(t, srv, "", "frames")
	require.NoError(t, res.err, res.stderr)
	lines := strings.Split(strings.TrimSpace(res.stdout), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "https://example.com/ active")
	assert.Equal(t, "  CHILDFRA https://ads.example.com/slot active", lines[1])

	res = run(t, srv, "", "--json", "frames")
	require.NoError(t, res.err, res.stderr)
	frames := gjson.Get(res.stdout, "frames").Array()
	require.Len(t, frames, 2)
	assert.Equal(t, string(main), frames[1].Get("parentId").String())
	assert.NotZero(t, frames[1].Get("executionContextId").Int())
}

func TestContentCommand(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t, cdptest.WithPage("https://example.com/", "Example"))

	res := run(t, srv, "", "content")
	require.NoError(t, res.err, res.stderr)
	assert.Equal(t, "<!DOCTYPE html><html><head><title>Example</title></head><body></body></html>\n", res.stdout)

	res = run(t, srv, "", "content", "--pretty")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "\n  <head>\n    <title>\n      Example\n    </title>\n")
	assert.True(t, strings.HasSuffix(res.stdout, "</html>\n"), res.stdout)
}

func TestTraceCommand(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)

	res := run(t, srv, "", "trace", "https://example.com/")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "Page.frameNavigated")
	assert.Contains(t, res.stdout, "Page.lifecycleEvent")
	assert.Contains(t, res.stdout, "Runtime.executionContextCreated")

	res = run(t, srv, "", "--json", "trace", "--method", "Page.lifecycle", "https://example.com/other")
	require.NoError(t, res.err, res.stderr)
	events := gjson.Get(res.stdout, "events").Array()
	require.NotEmpty(t, events)
	var names []string
	for _, e := range events {
		assert.Equal(t, "Page.lifecycleEvent", e.Get("method").String())
		assert.NotEmpty(t, e.Get("sessionId").String())
		names = append(names, e.Get("params.name").String())
	}
	assert.Contains(t, names, "load")
	assert.Equal(t, int64(0), gjson.Get(res.stdout, "dropped").Int())
}

func TestTraceCommandDropsOldest(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	conf := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(conf, []byte("traceBuffer: 2\n"), 0o600))

	res := run(t, srv, "", "--config", conf, "--json", "trace", "--duration", "200ms", "https://example.com/")
	require.NoError(t, res.err, res.stderr)
	assert.Len(t, gjson.Get(res.stdout, "events").Array(), 2)
	assert.Positive(t, gjson.Get(res.stdout, "dropped").Int())
	// The last event of a navigation.
	assert.Equal(t, "Page.frameStoppedLoading", gjson.Get(res.stdout, "events.1.method").String())
}

func TestREPLCommand(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	input := strings.Join([]string{
		"42",
		".url",
		".nav https://example.com/repl",
		"location.href",
		"nope",
		".bogus",
		".hist",
		".exit",
		`"after exit"`,
	}, "\n")

	res := run(t, srv, input, "repl")
	require.NoError(t, res.err, res.stderr)

	assert.True(t, strings.HasPrefix(res.stdout, "42\nabout:blank\nhttps://example.com/repl\nhttps://example.com/repl\n"), res.stdout)
	assert.Contains(t, res.stdout, "  5  nope\n")
	assert.NotContains(t, res.stdout, "after exit")
	assert.Contains(t, res.stderr, "ReferenceError: nope is not defined")
	assert.Contains(t, res.stderr, "unknown or ambiguous command .bogus")
}

func TestREPLSessionClosed(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	ctx := context.Background()
	conn, err := cdp.Dial(ctx, srv.URL())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		<-conn.Done()
	})
	p, err := page.Attach(ctx, conn, srv.Targets()[0], page.Options{})
	require.NoError(t, err)

	var out, errOut bytes.Buffer
	r := &REPL{page: p, in: strings.NewReader("2\n3\n"), out: &out, errOut: &errOut}
	require.NoError(t, r.handle(ctx, "1"))
	assert.Equal(t, "1\n", out.String())

	require.True(t, srv.ClosePage(srv.Targets()[0]))
	<-p.Session().Done()

	err = r.Run(ctx)
	require.ErrorIs(t, err, cdp.ErrSessionClosed)
	assert.Equal(t, "1\n", out.String())
	assert.Empty(t, errOut.String())
}

func TestExpandCommand(t *testing.T) {
	t.Parallel()

	root := newApp(nil, &bytes.Buffer{}, &bytes.Buffer{}).rootCommand()
	tests := map[string]string{
		"ver":     "version",
		"version": "",
		"fr":      "frames",
		"t":       "",
		"tr":      "trace",
		"x":       "",
	}
	for prefix, want := range tests {
		assert.Equal(t, want, tryExpandCommand(root, prefix), prefix)
	}

	assert.Equal(t, 2, commandIndex([]string{"--endpoint", "x", "ev", "1"}))
	assert.Equal(t, 1, commandIndex([]string{"--json", "ev"}))
	assert.Equal(t, -1, commandIndex([]string{"--json"}))

	srv := cdptest.NewServer(t)
	res := run(t, srv, "", "ev", "7")
	require.NoError(t, res.err, res.stderr)
	assert.Equal(t, "7\n", res.stdout)
}

func TestConfigFromFlags(t *testing.T) {
	t.Parallel()

	a := newApp(nil, &bytes.Buffer{}, &bytes.Buffer{})
	root := a.rootCommand()
	fs := root.PersistentFlags()
	require.NoError(t, fs.Parse([]string{"--endpoint", "ws://x", "--timeout", "5s", "--headless=false", "--port", "9333"}))

	conf, err := configFromFlags(fs)
	require.NoError(t, err)
	assert.Equal(t, "ws://x", conf.Endpoint.String)
	assert.True(t, conf.Timeout.Valid)
	assert.Equal(t, "5s", conf.Timeout.Duration.String())
	assert.True(t, conf.Headless.Valid)
	assert.False(t, conf.Headless.Bool)
	assert.Equal(t, int64(9333), conf.Port.Int64)
	assert.False(t, conf.Launch.Valid, "unset flags stay null")
	assert.False(t, conf.NavigationTimeout.Valid)

	_, err = configFromFlags(pflag.NewFlagSet("empty", pflag.ContinueOnError))
	assert.NoError(t, err)
}

func TestConfigErrors(t *testing.T) {
	t.Parallel()

	res := run(t, nil, "", "--endpoint", "127.0.0.1:1", "--timeout", "0s", "version")
	assert.ErrorContains(t, res.err, "timeout must be positive")

	res = run(t, nil, "", "--endpoint", "127.0.0.1:1", "version")
	assert.ErrorContains(t, res.err, "failed to resolve endpoint 127.0.0.1:1")
	assert.Contains(t, res.stderr, "Error: failed to resolve endpoint")
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"example.com":          "https://example.com",
		"localhost:3000/x":     "http://localhost:3000/x",
		"127.0.0.1":            "http://127.0.0.1",
		"http://example.com":   "http://example.com",
		"about:blank":          "about:blank",
		"data:text/html,hello": "data:text/html,hello",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeURL(in), in)
	}
}

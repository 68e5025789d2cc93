// Package page is a thin page layer over a CDP connection: it performs the
// attach handshake for a page target, wires a frame manager to the session
// and exposes navigation, evaluation and content helpers on the main frame.
package page

import (
	"context"
	"errors"
	"fmt"
	"strings"

	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/tidwall/gjson"

	"github.com/grantcarthew/cdpkit/internal/cdp"
	"github.com/grantcarthew/cdpkit/internal/frames"
	"github.com/grantcarthew/cdpkit/internal/log"
)

// contentJS serialises the doctype and the document element of the current
// document.
const contentJS = `(() => {
	let content = '';
	if (document.doctype) {
		content = new XMLSerializer().serializeToString(document.doctype);
	}
	if (document.documentElement) {
		content += document.documentElement.outerHTML;
	}
	return content;
})()`

// ErrNoMainFrame is returned when a page has no main frame, either before its
// frame tree is known or after its session closed.
var ErrNoMainFrame = errors.New("page has no main frame")

// Options configure Attach and New.
type Options struct {
	Logger   *log.Logger
	Timeouts *frames.TimeoutSettings
}

// Page is an attached page target.
type Page struct {
	targetID target.ID
	session  *cdp.Session
	frames   *frames.Manager
	logger   *log.Logger
}

// Attach opens a session to the page target and loads its frame tree.
func Attach(ctx context.Context, conn *cdp.Connection, targetID target.ID, opts Options) (*Page, error) {
	session, err := conn.AttachToTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}

	p := &Page{
		targetID: targetID,
		session:  session,
		frames:   frames.NewManager(session, opts.Logger, opts.Timeouts),
		logger:   opts.Logger,
	}
	if err := p.frames.Init(ctx); err != nil {
		p.frames.Close()
		_ = session.Detach(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to initialise page %s: %w", targetID, err)
	}
	p.logger.Debugf("page", "attached to %s (session %s)", targetID, session.ID())
	return p, nil
}

// New opens a new page target, attaches to it and navigates it to url unless
// url is empty or about:blank.
func New(ctx context.Context, conn *cdp.Connection, url string, opts Options) (*Page, error) {
	targetID, err := target.CreateTarget("about:blank").Do(cdptypes.WithExecutor(ctx, conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	opts.Logger.Debugf("page", "created target %s", targetID)

	p, err := Attach(ctx, conn, targetID, opts)
	if err != nil {
		return nil, err
	}
	if url == "" || url == "about:blank" {
		return p, nil
	}
	if err := p.Navigate(ctx, url, frames.NavigateOptions{}); err != nil {
		_ = p.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return p, nil
}

// TargetID returns the page target id.
func (p *Page) TargetID() target.ID { return p.targetID }

// Session returns the session attached to the page.
func (p *Page) Session() *cdp.Session { return p.session }

// FrameManager returns the frame manager tracking the page.
func (p *Page) FrameManager() *frames.Manager { return p.frames }

// MainFrame returns the main frame, or nil once the page session closed.
func (p *Page) MainFrame() *frames.Frame { return p.frames.MainFrame() }

// Frames returns the live frames, parents before children.
func (p *Page) Frames() []*frames.Frame { return p.frames.Frames() }

// URL returns the main frame URL as last reported by the browser.
func (p *Page) URL() string {
	if f := p.MainFrame(); f != nil {
		return f.URL()
	}
	return ""
}

// Navigate navigates the main frame to url.
func (p *Page) Navigate(ctx context.Context, url string, opts frames.NavigateOptions) error {
	f, err := p.mainFrame()
	if err != nil {
		return err
	}
	p.logger.Debugf("page", "navigate %s", url)
	return p.frames.Navigate(ctx, f, url, opts)
}

// WaitForNavigation waits for the next navigation of the main frame.
func (p *Page) WaitForNavigation(ctx context.Context, opts frames.NavigateOptions) error {
	f, err := p.mainFrame()
	if err != nil {
		return err
	}
	return p.frames.WaitForNavigation(ctx, f, opts)
}

// Evaluate evaluates expression in the main frame.
func (p *Page) Evaluate(ctx context.Context, expression string) (*runtime.RemoteObject, error) {
	f, err := p.mainFrame()
	if err != nil {
		return nil, err
	}
	return p.frames.Evaluate(ctx, f, expression)
}

// Content returns the serialised document of the main frame.
func (p *Page) Content(ctx context.Context) (string, error) {
	return p.evaluateString(ctx, contentJS)
}

// Title returns the document title of the main frame.
func (p *Page) Title(ctx context.Context) (string, error) {
	return p.evaluateString(ctx, "document.title")
}

// Close detaches from the page. The target itself stays open.
func (p *Page) Close(ctx context.Context) error {
	p.frames.Close()
	if p.session.Closed() {
		return nil
	}
	if err := p.session.Detach(ctx); err != nil {
		return fmt.Errorf("failed to detach from %s: %w", p.targetID, err)
	}
	return nil
}

func (p *Page) mainFrame() (*frames.Frame, error) {
	f := p.MainFrame()
	if f == nil {
		if p.session.Closed() {
			return nil, &cdp.StateError{Op: "page " + string(p.targetID), Err: cdp.ErrSessionClosed}
		}
		return nil, ErrNoMainFrame
	}
	return f, nil
}

func (p *Page) evaluateString(ctx context.Context, expression string) (string, error) {
	obj, err := p.Evaluate(ctx, expression)
	if err != nil {
		return "", err
	}
	return Value(obj).String(), nil
}

// Value returns the by-value result of an evaluation as a gjson.Result.
// Undefined results have Type gjson.Null and an empty Raw.
func Value(obj *runtime.RemoteObject) gjson.Result {
	if obj == nil || len(obj.Value) == 0 {
		return gjson.Result{}
	}
	return gjson.ParseBytes(obj.Value)
}

// Targets lists the page targets of the browser.
func Targets(ctx context.Context, conn *cdp.Connection) ([]*target.Info, error) {
	infos, err := target.GetTargets().Do(cdptypes.WithExecutor(ctx, conn))
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	pages := make([]*target.Info, 0, len(infos))
	for _, info := range infos {
		if info.Type == "page" {
			pages = append(pages, info)
		}
	}
	return pages, nil
}

// FindPage picks a page from targets. An empty query selects the first page.
// Otherwise the query matches a target id exactly or by prefix, or a
// substring of the URL or title, case-insensitively. More than one match is
// an error.
func FindPage(targets []*target.Info, query string) (*target.Info, error) {
	if len(targets) == 0 {
		return nil, errors.New("no page targets")
	}
	if query == "" {
		return targets[0], nil
	}

	for _, t := range targets {
		if string(t.TargetID) == query {
			return t, nil
		}
	}

	q := strings.ToLower(query)
	var matches []*target.Info
	for _, t := range targets {
		if strings.HasPrefix(strings.ToLower(string(t.TargetID)), q) ||
			strings.Contains(strings.ToLower(t.URL), q) ||
			strings.Contains(strings.ToLower(t.Title), q) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no page matches %q", query)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = string(m.TargetID)
		}
		return nil, fmt.Errorf("%q matches %d pages: %s", query, len(matches), strings.Join(ids, ", "))
	}
}

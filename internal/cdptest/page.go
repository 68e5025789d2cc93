package cdptest

import (
	"fmt"
	"strconv"
	"strings"

	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"
)

// Page is a page target served by the Server. Its first frame is the main
// frame.
type Page struct {
	TargetID target.ID
	Title    string
	// HTML is the document markup. When empty a minimal document carrying
	// Title is served.
	HTML string

	frames []*Frame
}

// Frame is one frame of a Page.
type Frame struct {
	ID       cdptypes.FrameID
	ParentID cdptypes.FrameID
	LoaderID cdptypes.LoaderID
	Name     string
	URL      string

	context runtime.ExecutionContextID
}

// URL returns the main frame URL.
func (p *Page) URL() string { return p.frames[0].URL }

// Frames returns copies of the page frames, main frame first.
func (p *Page) Frames() []Frame {
	out := make([]Frame, len(p.frames))
	for i, f := range p.frames {
		out[i] = *f
	}
	return out
}

// Document returns the markup served for the page.
func (p *Page) Document() string {
	if p.HTML != "" {
		return p.HTML
	}
	return fmt.Sprintf("<html><head><title>%s</title></head><body></body></html>", p.Title)
}

func (p *Page) snapshot() Page {
	cp := *p
	cp.frames = make([]*Frame, len(p.frames))
	for i, f := range p.frames {
		fc := *f
		cp.frames[i] = &fc
	}
	return cp
}

func (p *Page) info(attached bool) *target.Info {
	return &target.Info{
		TargetID: p.TargetID,
		Type:     "page",
		Title:    p.Title,
		URL:      p.URL(),
		Attached: attached,
	}
}

// frame returns the frame with the given id, or the main frame for an empty
// id.
func (p *Page) frame(id cdptypes.FrameID) *Frame {
	if id == "" {
		return p.frames[0]
	}
	for _, f := range p.frames {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// frameByContext returns the frame owning context id, or the main frame for
// id 0.
func (p *Page) frameByContext(id runtime.ExecutionContextID) *Frame {
	if id == 0 {
		return p.frames[0]
	}
	for _, f := range p.frames {
		if f.context == id {
			return f
		}
	}
	return nil
}

func (p *Page) frameTree() *page.FrameTree {
	var build func(f *Frame) *page.FrameTree
	build = func(f *Frame) *page.FrameTree {
		tree := &page.FrameTree{Frame: f.cdp()}
		for _, child := range p.frames {
			if child.ParentID == f.ID {
				tree.ChildFrames = append(tree.ChildFrames, build(child))
			}
		}
		return tree
	}
	return build(p.frames[0])
}

func (p *Page) dropChildren() {
	p.frames = p.frames[:1]
}

func (p *Page) removeFrame(id cdptypes.FrameID) {
	gone := map[cdptypes.FrameID]bool{id: true}
	kept := p.frames[:0]
	for _, f := range p.frames {
		// Parents precede their children in p.frames.
		if gone[f.ID] || gone[f.ParentID] {
			gone[f.ID] = true
			continue
		}
		kept = append(kept, f)
	}
	p.frames = kept
}

func (f *Frame) cdp() *cdptypes.Frame {
	return &cdptypes.Frame{
		ID:                             f.ID,
		ParentID:                       f.ParentID,
		LoaderID:                       f.LoaderID,
		Name:                           f.Name,
		URL:                            f.URL,
		SecurityOrigin:                 origin(f.URL),
		MimeType:                       "text/html",
		SecureContextType:              cdptypes.SecureContextTypeSecure,
		CrossOriginIsolatedContextType: cdptypes.CrossOriginIsolatedContextTypeNotIsolated,
	}
}

func (f *Frame) contextCreated() *runtime.EventExecutionContextCreated {
	aux := fmt.Sprintf(`{"isDefault":true,"type":"default","frameId":%q}`, f.ID)
	return &runtime.EventExecutionContextCreated{
		Context: &runtime.ExecutionContextDescription{
			ID:       f.context,
			Origin:   origin(f.URL),
			UniqueID: fmt.Sprintf("%d.%s", f.context, f.LoaderID),
			AuxData:  easyjson.RawMessage(aux),
		},
	}
}

func origin(u string) string {
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return "null"
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host
}

// DefaultEvaluator understands a handful of expressions: document.title,
// location.href of the evaluating frame, anything reading outerHTML, JSON
// literals and "throw <message>". Everything else throws a ReferenceError.
func DefaultEvaluator(p *Page, f *Frame, expression string) *runtime.EvaluateReturns {
	expr := strings.TrimSpace(expression)
	switch {
	case expr == "document.title":
		return stringResult(p.Title)
	case expr == "location.href" || expr == "document.URL" || expr == "window.location.href":
		return stringResult(f.URL)
	case strings.Contains(expr, "outerHTML"):
		return stringResult("<!DOCTYPE html>" + p.Document())
	case strings.HasPrefix(expr, "throw "):
		return exception("Uncaught " + strings.TrimSpace(strings.TrimPrefix(expr, "throw ")))
	case gjson.Valid(expr):
		return valueResult(gjson.Parse(expr))
	default:
		name, _, _ := strings.Cut(expr, ".")
		return exception(fmt.Sprintf("ReferenceError: %s is not defined", name))
	}
}

func stringResult(s string) *runtime.EvaluateReturns {
	return &runtime.EvaluateReturns{Result: &runtime.RemoteObject{
		Type:  runtime.TypeString,
		Value: easyjson.RawMessage(strconv.Quote(s)),
	}}
}

func valueResult(v gjson.Result) *runtime.EvaluateReturns {
	obj := &runtime.RemoteObject{Value: easyjson.RawMessage(v.Raw)}
	switch v.Type {
	case gjson.String:
		obj.Type = runtime.TypeString
	case gjson.Number:
		obj.Type = runtime.TypeNumber
		obj.Description = v.Raw
	case gjson.True, gjson.False:
		obj.Type = runtime.TypeBoolean
	case gjson.Null:
		obj.Type = runtime.TypeObject
		obj.Subtype = runtime.SubtypeNull
	default:
		obj.Type = runtime.TypeObject
	}
	return &runtime.EvaluateReturns{Result: obj}
}

func exception(text string) *runtime.EvaluateReturns {
	return &runtime.EvaluateReturns{
		Result: &runtime.RemoteObject{
			Type:        runtime.TypeObject,
			Subtype:     runtime.SubtypeError,
			ClassName:   "Error",
			Description: text,
		},
		ExceptionDetails: &runtime.ExceptionDetails{
			ExceptionID: 1,
			Text:        text,
			Exception: &runtime.RemoteObject{
				Type:        runtime.TypeObject,
				Subtype:     runtime.SubtypeError,
				ClassName:   "Error",
				Description: text,
			},
		},
	}
}

// Package htmlformat re-indents HTML markup for display.
package htmlformat

import (
	"errors"
	"io"
	"strings"

	"golang.org/x/net/html"
)

const indent = "  "

// preformatted elements keep their content byte for byte.
var preformatted = map[string]bool{
	"pre":      true,
	"textarea": true,
	"script":   true,
	"style":    true,
}

// void elements have no end tag and so open no level.
var void = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

type printer struct {
	out   strings.Builder
	depth int
	// raw is the stack of open preformatted elements.
	raw []string
}

// Format puts every tag, comment and text run of input on its own line,
// indented two spaces per open element. Text whitespace is collapsed except
// inside pre, textarea, script and style.
func Format(input string) (string, error) {
	z := html.NewTokenizer(strings.NewReader(input))
	p := &printer{}
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return "", err
			}
			return p.out.String(), nil
		}
		p.token(z, tt)
	}
}

func (p *printer) token(z *html.Tokenizer, tt html.TokenType) {
	raw := string(z.Raw())
	if len(p.raw) > 0 {
		p.rawToken(z, tt, raw)
		return
	}

	switch tt {
	case html.DoctypeToken, html.CommentToken, html.SelfClosingTagToken:
		p.line(raw)
	case html.StartTagToken:
		name := tagName(z)
		p.line(raw)
		if preformatted[name] {
			p.raw = append(p.raw, name)
		}
		if !void[name] {
			p.depth++
		}
	case html.EndTagToken:
		p.dedent()
		p.line(raw)
	case html.TextToken:
		if text := collapse(raw); text != "" {
			p.line(text)
		}
	}
}

// rawToken copies a token inside a preformatted element. Only the end tag
// closing the outermost one ends the line.
func (p *printer) rawToken(z *html.Tokenizer, tt html.TokenType, raw string) {
	p.out.WriteString(raw)
	if tt != html.StartTagToken && tt != html.EndTagToken {
		return
	}
	name := tagName(z)
	top := p.raw[len(p.raw)-1]
	switch {
	case tt == html.StartTagToken && name == top:
		p.raw = append(p.raw, name)
	case tt == html.EndTagToken && name == top:
		p.raw = p.raw[:len(p.raw)-1]
		if len(p.raw) == 0 {
			p.out.WriteByte('\n')
			p.dedent()
		}
	}
}

func (p *printer) line(s string) {
	p.out.WriteString(strings.Repeat(indent, p.depth))
	p.out.WriteString(s)
	p.out.WriteByte('\n')
}

// dedent closes a level. Stray end tags never push below the left margin.
func (p *printer) dedent() {
	if p.depth > 0 {
		p.depth--
	}
}

func tagName(z *html.Tokenizer) string {
	name, _ := z.TagName()
	return string(name)
}

// collapse trims s and folds runs of ASCII whitespace into one space.
func collapse(s string) string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f'
	})
	return strings.Join(fields, " ")
}

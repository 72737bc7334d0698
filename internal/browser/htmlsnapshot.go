package browser

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/locale"
)

// ParseHTML builds a PageSnapshot from saved markup, for offline
// classification. Without layout, visibility comes from the hidden and
// aria-hidden attributes, inline display/visibility/opacity styles and
// closed <dialog> elements.
func ParseHTML(r io.Reader, pageURL string) (*schemas.PageSnapshot, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	p := &htmlSnapshotter{snap: &schemas.PageSnapshot{URL: pageURL}}
	p.walk(doc, true, nil)

	p.snap.Text = strings.TrimSpace(p.text.String())
	return p.snap, nil
}

type htmlSnapshotter struct {
	snap     *schemas.PageSnapshot
	text     strings.Builder
	controls int
	surfaces int
}

// walk visits n. visible is the inherited visibility; surface is the
// innermost enclosing confirmation surface, if any.
func (p *htmlSnapshotter) walk(n *html.Node, visible bool, surface *schemas.Surface) {
	switch n.Type {
	case html.TextNode:
		if visible {
			p.text.WriteString(n.Data)
		}
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Head:
			if n.DataAtom == atom.Head {
				p.readHead(n)
			}
			return
		case atom.Html:
			p.snap.Lang = attr(n, "lang")
		}
		visible = visible && !hiddenElement(n)

		if isControl(n) {
			text := controlText(n)
			if text != "" {
				p.controls++
				c := schemas.Control{
					Ref:     "c" + strconv.Itoa(p.controls),
					Text:    text,
					Visible: visible,
					Role:    controlRole(n),
				}
				if surface != nil {
					surface.Controls = append(surface.Controls, c)
				} else {
					p.snap.Controls = append(p.snap.Controls, c)
				}
			}
			if visible {
				p.text.WriteString(" " + text + " ")
			}
			return
		}

		if surface == nil && isSurface(n) {
			p.surfaces++
			p.snap.Surfaces = append(p.snap.Surfaces, schemas.Surface{
				Ref:     "s" + strconv.Itoa(p.surfaces),
				Text:    locale.CollapseSpace(strings.TrimSpace(textContent(n))),
				Visible: visible,
			})
			s := &p.snap.Surfaces[len(p.snap.Surfaces)-1]
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				p.walk(c, visible, s)
			}
			return
		}

		if isBlock(n) {
			p.text.WriteString("\n")
			defer p.text.WriteString("\n")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.walk(c, visible, surface)
	}
}

func (p *htmlSnapshotter) readHead(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Title {
			p.snap.Title = strings.TrimSpace(textContent(c))
		}
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func hiddenElement(n *html.Node) bool {
	if hasAttr(n, "hidden") || hasAttr(n, "inert") || attr(n, "aria-hidden") == "true" {
		return true
	}
	if n.DataAtom == atom.Dialog && !hasAttr(n, "open") {
		return true
	}
	if n.DataAtom == atom.Input && strings.EqualFold(attr(n, "type"), "hidden") {
		return true
	}
	style := strings.ToLower(strings.ReplaceAll(attr(n, "style"), " ", ""))
	for _, decl := range strings.Split(style, ";") {
		switch decl {
		case "display:none", "visibility:hidden", "visibility:collapse", "opacity:0", "opacity:0.0":
			return true
		}
	}
	return false
}

func isControl(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Button:
		return true
	case atom.A:
		return hasAttr(n, "href")
	case atom.Input:
		t := strings.ToLower(attr(n, "type"))
		return t == "submit" || t == "button"
	}
	switch attr(n, "role") {
	case "button", "link", "menuitem":
		return true
	}
	return n.Data == "yt-button-renderer" || n.Data == "tp-yt-paper-button"
}

func controlRole(n *html.Node) string {
	if r := attr(n, "role"); r != "" {
		return r
	}
	return n.Data
}

func controlText(n *html.Node) string {
	text := locale.CollapseSpace(strings.TrimSpace(textContent(n)))
	if text == "" && n.DataAtom == atom.Input {
		text = strings.TrimSpace(attr(n, "value"))
	}
	if text == "" {
		text = strings.TrimSpace(attr(n, "aria-label"))
	}
	return text
}

func isSurface(n *html.Node) bool {
	if n.DataAtom == atom.Dialog || n.Data == "tp-yt-paper-dialog" {
		return true
	}
	switch attr(n, "role") {
	case "dialog", "alertdialog":
		return true
	}
	return attr(n, "aria-modal") == "true"
}

func isBlock(n *html.Node) bool {
	switch n.DataAtom {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Li, atom.Ul, atom.Ol,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Br, atom.Tr, atom.Table,
		atom.Header, atom.Footer, atom.Main, atom.Nav, atom.Aside, atom.Form:
		return true
	}
	return false
}

// textContent concatenates the text below n, skipping scripts and hidden
// descendants. n itself may be hidden: a hidden control or a closed dialog
// still has a label.
func textContent(root *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
			return
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			}
			if n != root && hiddenElement(n) {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(root)
	return b.String()
}

// Package content prepares captured letter HTML for embedded display.
//
// Captured bodies are often complete HTML documents with extra markup
// prepended by the interceptor, so nothing here parses a whole document.
// Each function locates the fragment it cares about with a pattern, parses
// only that fragment, and leaves everything else byte-for-byte intact.
// All functions are total: malformed input degrades to a fallback or to the
// unchanged input.
package content

import (
	"bytes"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HeadersFallback is returned by ExtractHeaders when no header block is found.
const HeadersFallback = "UNABLE TO PARSE HEADERS"

// attachmentsRowElements is the element count of a header list that ends with
// an "attachments" dt/dd pair.
const attachmentsRowElements = 10

var (
	headersPattern = regexp.MustCompile(`(?s)<body>\s*<div[^>]+id="container">\s*<div[^>]+id="message_headers">\s*(<dl>.+</dl>)`)

	anchorPattern = regexp.MustCompile(`<a\s[^>]+>(?:.|\s)*?</a>`)

	imgPattern = regexp.MustCompile(`<img(?:[^>]+?)>`)

	styleLinkPattern = regexp.MustCompile(`(plain|rich)\.html`)
)

// fragmentContext is the element fragments are parsed as children of.
var fragmentContext = &html.Node{
	Type:     html.ElementNode,
	Data:     "body",
	DataAtom: atom.Body,
}

// ExtractHeaders returns the <dl> header block rendered by the interceptor at
// the top of a captured body. A trailing attachments row is dropped, since
// attachments are listed separately. Returns HeadersFallback when the block
// cannot be found.
func ExtractHeaders(doc string) string {
	m := headersPattern.FindStringSubmatch(doc)
	if m == nil || strings.TrimSpace(m[1]) == "" {
		return HeadersFallback
	}

	nodes, err := html.ParseFragment(strings.NewReader(m[1]), fragmentContext)
	if err != nil {
		slog.Debug("failed to parse headers fragment", "error", err)
		return HeadersFallback
	}

	root := firstElement(nodes)
	if root == nil || root.DataAtom != atom.Dl {
		return HeadersFallback
	}

	if countElements(root) == attachmentsRowElements {
		removeLastChild(root, atom.Dd)
		removeLastChild(root, atom.Dt)
	}

	// Only the list itself; anything after it in the capture is body markup.
	out, err := render([]*html.Node{root})
	if err != nil {
		slog.Debug("failed to render headers fragment", "error", err)
		return HeadersFallback
	}
	return out
}

// RewriteAnchors makes every link in doc open in a new window, except links
// to a letter's own plain/rich views. Anchors that cannot be parsed are left
// as they are.
func RewriteAnchors(doc string) string {
	return anchorPattern.ReplaceAllStringFunc(doc, rewriteAnchor)
}

func rewriteAnchor(link string) string {
	nodes, err := html.ParseFragment(strings.NewReader(repairLinkHTML(link)), fragmentContext)
	if err != nil || len(nodes) != 1 || nodes[0].DataAtom != atom.A {
		return link
	}
	a := nodes[0]

	if styleLinkPattern.MatchString(attr(a, "href")) {
		return link
	}
	setAttr(a, "target", "_blank")

	out, err := render(nodes)
	if err != nil {
		return link
	}
	return out
}

// repairLinkHTML closes void elements inside a link so it can be parsed as a
// standalone fragment.
func repairLinkHTML(link string) string {
	fixed := strings.ReplaceAll(link, "<br>", "<br/>")
	return imgPattern.ReplaceAllStringFunc(fixed, func(img string) string {
		if strings.HasSuffix(img, "/>") {
			return img
		}
		return img[:len(img)-1] + " />"
	})
}

func firstElement(nodes []*html.Node) *html.Node {
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			return n
		}
	}
	return nil
}

func countElements(n *html.Node) int {
	count := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			count++
		}
	}
	return count
}

func removeLastChild(n *html.Node, a atom.Atom) {
	for c := n.LastChild; c != nil; c = c.PrevSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			n.RemoveChild(c)
			return
		}
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func render(nodes []*html.Node) (string, error) {
	var buf bytes.Buffer
	for _, n := range nodes {
		if err := html.Render(&buf, n); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

package pipes

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"

	"golang.org/x/net/html"

	"github.com/nao1215/pipechain/internal/config"
	"github.com/nao1215/pipechain/internal/model"
	"github.com/nao1215/pipechain/internal/pipeline"
)

// linkAttrs maps element names to the attribute holding their link.
var linkAttrs = map[string]string{
	"a":      "href",
	"link":   "href",
	"img":    "src",
	"script": "src",
	"iframe": "src",
	"form":   "action",
}

// LinksStage yields the distinct links of an HTML file in document order.
// Relative links are resolved against base when it is set.
//
//	options:
//	  path: "${page}"
//	  base: "https://example.com/docs/"
//	  tags: "a,img"
type LinksStage struct {
	base
	path    string
	baseURL string
	tags    []string
}

func newLinksStage(b base, sc config.StageConfig) (pipeline.Stage, error) {
	tags := listOption(sc.Option("tags", "a,img,script,link"), ",")
	for _, tag := range tags {
		if _, ok := linkAttrs[tag]; !ok {
			return nil, fmt.Errorf("%w: tag %q has no link attribute", ErrInvalidOption, tag)
		}
	}
	baseURL := sc.Option("base", "")
	if baseURL != "" && !IsTemplate(baseURL) {
		if _, err := url.Parse(baseURL); err != nil {
			return nil, fmt.Errorf("%w: base: %w", ErrInvalidOption, err)
		}
	}
	return &LinksStage{
		base:    b,
		path:    sc.Option("path", "${"+UpstreamRef+"}"),
		baseURL: baseURL,
		tags:    tags,
	}, nil
}

// Produce implements pipeline.Stage. The file is parsed on the first call
// to Next.
func (s *LinksStage) Produce(_ context.Context, upstream *model.Item, b *pipeline.Bindings) (pipeline.Sequence, error) {
	path, err := Expand(s.path, upstream, b)
	if err != nil {
		return failure(err)
	}
	rawBase, err := Expand(s.baseURL, upstream, b)
	if err != nil {
		return failure(err)
	}

	var (
		links  []model.Item
		parsed bool
	)
	return pipeline.FuncSequence(func(context.Context) (model.Item, bool, error) {
		if !parsed {
			parsed = true
			var perr error
			if links, perr = s.parse(path, rawBase); perr != nil {
				return model.Item{}, false, perr
			}
		}
		if len(links) == 0 {
			return model.Item{}, false, nil
		}
		item := links[0]
		links = links[1:]
		return item, true, nil
	}), nil
}

func (s *LinksStage) parse(path, rawBase string) ([]model.Item, error) {
	var baseURL *url.URL
	if rawBase != "" {
		u, err := url.Parse(rawBase)
		if err != nil {
			return nil, fmt.Errorf("%w: base: %w", ErrInvalidOption, err)
		}
		baseURL = u
	}

	f, err := os.Open(path) //nolint:gosec // paths come from the pipeline definition
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	doc, err := html.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	seen := make(map[string]bool)
	var out []model.Item

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && slices.Contains(s.tags, n.Data) {
			if link := resolveURL(baseURL, getAttr(n, linkAttrs[n.Data])); link != "" && !seen[link] {
				seen[link] = true
				item := s.item(link, link).
					WithAttr("tag", n.Data).
					WithAttr("source", path)
				if text := textOf(n); text != "" {
					item = item.WithAttr("text", text)
				}
				out = append(out, item)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return out, nil
}

// resolveURL resolves href against base. Script, mail and fragment-only
// links are dropped.
func resolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || href == "#" ||
		strings.HasPrefix(href, "javascript:") ||
		strings.HasPrefix(href, "mailto:") ||
		strings.HasPrefix(href, "tel:") ||
		strings.HasPrefix(href, "data:") {
		return ""
	}

	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

// textOf returns the trimmed text content of n.
func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

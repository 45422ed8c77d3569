package registry

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
)

const sitemapNamespace = "http://www.sitemaps.org/schemas/sitemap/0.9"

type sitemapDoc struct {
	// index is true for a <sitemapindex>, whose locs point at further sitemaps.
	index bool
	locs  []string
}

// parseSitemap reads the <loc> entries of a urlset or sitemapindex document. Elements
// outside the sitemaps.org namespace are ignored.
func parseSitemap(body []byte) (sitemapDoc, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return sitemapDoc{}, fmt.Errorf("parse sitemap xml: %w", err)
	}
	var out sitemapDoc
	if root := xmlquery.FindOne(doc, "/*[local-name()='sitemapindex']"); root != nil && root.NamespaceURI == sitemapNamespace {
		out.index = true
	}
	for _, n := range xmlquery.Find(doc, "//*[local-name()='loc']") {
		if n.NamespaceURI != sitemapNamespace {
			continue
		}
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			out.locs = append(out.locs, loc)
		}
	}
	return out, nil
}

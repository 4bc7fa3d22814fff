// Package fieldmap holds the declarative extraction rules for each site.
// Adding a retailer is a configuration change, not a new code path.
package fieldmap

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Rule maps one logical field to a CSS selector, optionally reading an
// attribute instead of the element text.
type Rule struct {
	Selector string `mapstructure:"selector" json:"selector"`
	Attr     string `mapstructure:"attr" json:"attr,omitempty"`
}

// SiteMap is the full set of rules for one site.
type SiteMap map[string]Rule

// Registry looks up the SiteMap for a logical site id.
type Registry struct {
	sites map[string]SiteMap
}

// NewRegistry builds a Registry from configuration data.
func NewRegistry(sites map[string]SiteMap) *Registry {
	normalized := make(map[string]SiteMap, len(sites))
	for site, m := range sites {
		normalized[strings.ToLower(site)] = m
	}
	return &Registry{sites: normalized}
}

// For returns the SiteMap for site, or false when none is registered.
func (r *Registry) For(site string) (SiteMap, bool) {
	m, ok := r.sites[strings.ToLower(site)]
	return m, ok
}

// Extract applies the rules to an HTML document and returns the populated
// fields. Fields whose selector matches nothing are omitted; callers use the
// populated count to distinguish success from a block-with-empty-shell page.
func Extract(html []byte, rules SiteMap, wanted []string) (map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	fields := make(map[string]string)
	for _, name := range wanted {
		rule, ok := rules[name]
		if !ok {
			continue
		}
		sel := doc.Find(rule.Selector).First()
		if sel.Length() == 0 {
			continue
		}
		var value string
		if rule.Attr != "" {
			value, _ = sel.Attr(rule.Attr)
		} else {
			value = sel.Text()
		}
		value = strings.TrimSpace(value)
		if value != "" {
			fields[name] = value
		}
	}
	return fields, nil
}

package step

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/odvcencio/bookingd/pkg/driver"
)

// ExtractHTML runs a selector over a page snapshot instead of the live DOM.
// Preferred for large scrapes: one PageHTML round trip, then parsing happens
// off the browser.
func ExtractHTML(html, selector, attribute string, all bool) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page html: %w", err)
	}
	sel := doc.Find(selector)
	if sel.Length() == 0 {
		if all {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", driver.ErrNotFound, selector)
	}
	if !all {
		sel = sel.First()
	}
	var out []string
	sel.Each(func(_ int, s *goquery.Selection) {
		if attribute != "" {
			if v, ok := s.Attr(attribute); ok {
				out = append(out, v)
			}
			return
		}
		out = append(out, strings.TrimSpace(s.Text()))
	})
	return out, nil
}

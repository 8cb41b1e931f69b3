package scraper

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/realtime-job-aggregator/internal/jobs"
)

// Fallback texts used when a card lacks a field.
const (
	DefaultLocation = "Location not specified"
	DefaultPosted   = "Recently posted"
)

// Fields are CSS selectors evaluated inside one listing card. Each may be a
// comma-separated group; the first match in document order wins.
type Fields struct {
	Title    string
	Company  string
	Location string
	Link     string
	Posted   string
}

// Defaults fill in fields a card does not carry.
type Defaults struct {
	Title    string
	Company  string
	Location string
	Posted   string
}

// Found reports which fields were present on a card.
type Found struct {
	Title   bool
	Company bool
}

// Profile describes how to search one job site and read its result cards.
type Profile struct {
	Source  string
	BaseURL string
	// SearchURL builds the results page URL for a request.
	SearchURL func(jobs.SearchParams) string
	// CardSelectors are tried in order; the first that matches any element is used.
	CardSelectors  []string
	WaitSelector   string
	CookieSelector string
	Fields         Fields
	Defaults       Defaults
	// Keep decides whether a card is a listing. Nil keeps cards with a title.
	Keep func(card *goquery.Selection, found Found) bool
}

// Extract parses rendered HTML into listings. pageURL resolves relative links
// and falls back to BaseURL when empty.
func (p Profile) Extract(html, pageURL string) ([]jobs.JobRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse %s html: %w", p.Source, err)
	}
	base, err := p.resolveBase(pageURL)
	if err != nil {
		return nil, err
	}

	cards := p.cards(doc)
	records := make([]jobs.JobRecord, 0, cards.Length())
	cards.Each(func(_ int, card *goquery.Selection) {
		title, hasTitle := firstText(card, p.Fields.Title)
		company, hasCompany := firstText(card, p.Fields.Company)
		found := Found{Title: hasTitle, Company: hasCompany}
		if !p.keep(card, found) {
			return
		}
		location, _ := firstText(card, p.Fields.Location)
		posted, _ := firstText(card, p.Fields.Posted)
		records = append(records, jobs.JobRecord{
			Title:    orDefault(title, p.Defaults.Title),
			Company:  orDefault(company, p.Defaults.Company),
			Location: orDefault(location, p.Defaults.Location),
			Link:     resolveLink(base, cardLink(card, p.Fields.Link)),
			Posted:   orDefault(posted, p.Defaults.Posted),
			Source:   p.Source,
		})
	})
	return records, nil
}

func (p Profile) resolveBase(pageURL string) (*url.URL, error) {
	raw := pageURL
	if raw == "" {
		raw = p.BaseURL
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", raw, err)
	}
	return base, nil
}

func (p Profile) cards(doc *goquery.Document) *goquery.Selection {
	for _, selector := range p.CardSelectors {
		if sel := doc.Find(selector); sel.Length() > 0 {
			return sel
		}
	}
	return doc.Selection.Slice(0, 0)
}

func (p Profile) keep(card *goquery.Selection, found Found) bool {
	if p.Keep != nil {
		return p.Keep(card, found)
	}
	return found.Title
}

// firstText returns the whitespace-collapsed text of the first match.
func firstText(card *goquery.Selection, selector string) (string, bool) {
	if selector == "" {
		return "", false
	}
	el := card.Find(selector).First()
	if el.Length() == 0 {
		return "", false
	}
	return cleanText(el.Text()), true
}

func cardLink(card *goquery.Selection, selector string) string {
	if goquery.NodeName(card) == "a" {
		href, _ := card.Attr("href")
		return href
	}
	if selector == "" {
		return ""
	}
	href, _ := card.Find(selector).First().Attr("href")
	return href
}

func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

package scraper

import (
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/realtime-job-aggregator/internal/jobs"
)

var profiles = map[string]func() Profile{
	jobs.SourceLinkedIn:  LinkedIn,
	jobs.SourceWellfound: Wellfound,
	jobs.SourceUnstop:    Unstop,
}

// Sources lists every site a scraper exists for, sorted.
func Sources() []string {
	out := make([]string, 0, len(profiles))
	for name := range profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ProfileFor returns the profile registered for source.
func ProfileFor(source string) (Profile, bool) {
	build, ok := profiles[strings.ToLower(strings.TrimSpace(source))]
	if !ok {
		return Profile{}, false
	}
	return build(), true
}

// query is an ordered query-string builder. Values are escaped the way
// browsers escape form fields, with spaces as %20.
type query []string

func (q *query) add(key, value string) {
	*q = append(*q, escape(key)+"="+escape(value))
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func (q query) String() string {
	return strings.Join(q, "&")
}

// LinkedIn reads the public guest job search.
func LinkedIn() Profile {
	const list = ".jobs-search__results-list"
	return Profile{
		Source:  jobs.SourceLinkedIn,
		BaseURL: "https://www.linkedin.com",
		SearchURL: func(p jobs.SearchParams) string {
			var q query
			q.add("keywords", p.Query)
			if p.Location != "" {
				q.add("location", p.Location)
			}
			switch p.JobType {
			case jobs.JobTypeInternship:
				q.add("f_JT", "I")
			case jobs.JobTypeFullTime:
				q.add("f_JT", "F")
			case jobs.JobTypeContract:
				q.add("f_JT", "C")
			}
			return "https://www.linkedin.com/jobs/search/?" + q.String()
		},
		CardSelectors: []string{list + " > li"},
		WaitSelector:  list,
		Fields: Fields{
			Title:    ".base-search-card__title",
			Company:  ".base-search-card__subtitle",
			Location: ".job-search-card__location",
			Link:     "a.base-card__full-link",
			Posted:   ".job-search-card__listdate, .job-search-card__listdate--new",
		},
		Defaults: Defaults{
			Location: DefaultLocation,
			Posted:   DefaultPosted,
		},
		Keep: func(_ *goquery.Selection, found Found) bool {
			return found.Title && found.Company
		},
	}
}

// Wellfound reads startup listings. Its markup changes often, so cards are
// located through progressively looser selectors.
func Wellfound() Profile {
	return Profile{
		Source:  jobs.SourceWellfound,
		BaseURL: "https://wellfound.com",
		SearchURL: func(p jobs.SearchParams) string {
			var q query
			if p.Query != "" {
				q.add("q", p.Query)
			}
			if p.Location != "" {
				q.add("location", p.Location)
			}
			switch p.JobType {
			case jobs.JobTypeInternship:
				q.add("internships", "true")
			case jobs.JobTypeFullTime:
				q.add("full_time", "true")
			case jobs.JobTypeContract:
				q.add("contract", "true")
			}
			if len(q) == 0 {
				return "https://wellfound.com/jobs"
			}
			return "https://wellfound.com/jobs?" + q.String()
		},
		CardSelectors: []string{
			".job-card, .job, .job-listing, .job-search-card, .listings-item",
			`[data-testid*="job"], [class*="job-"]`,
			`a[href*="/jobs/"], div[class*="listing"]`,
		},
		WaitSelector:   ".job-card, .job, .job-listing, .job-search-card, .listings-item",
		CookieSelector: `button[data-testid="cookie-consent-accept-button"], .cookie-banner button`,
		Fields: Fields{
			Title:    `h3, h4, [class*="title"], [class*="role"], [class*="position"], a[href*="/jobs/"]`,
			Company:  `[class*="company"], [class*="startup"], [class*="employer"]`,
			Location: `[class*="location"], [class*="workplace"]`,
			Link:     "a",
			Posted:   `[class*="date"], [class*="time"], [class*="posted"]`,
		},
		Defaults: Defaults{
			Title:    "Job Position",
			Company:  "Wellfound",
			Location: "Remote/Various",
			Posted:   DefaultPosted,
		},
		Keep: func(card *goquery.Selection, found Found) bool {
			if found.Title {
				return true
			}
			text := strings.ToLower(card.Text())
			return strings.Contains(text, "job") || strings.Contains(text, "position")
		},
	}
}

// Unstop reads the jobs tab of Unstop search. It has no contract filter.
func Unstop() Profile {
	const cards = ".opportunity-card, .job-card, .job-listing"
	return Profile{
		Source:  jobs.SourceUnstop,
		BaseURL: "https://unstop.com",
		SearchURL: func(p jobs.SearchParams) string {
			var q query
			q.add("keyword", p.Query)
			q.add("tab", "jobs")
			if p.Location != "" {
				q.add("location", p.Location)
			}
			switch p.JobType {
			case jobs.JobTypeInternship:
				q.add("type", "internship")
			case jobs.JobTypeFullTime:
				q.add("type", "job")
			}
			return "https://unstop.com/search?" + q.String()
		},
		CardSelectors:  []string{cards},
		WaitSelector:   cards,
		CookieSelector: ".cookie-consent-btn, .accept-cookies-btn",
		Fields: Fields{
			Title:    ".opportunity-title, .job-title, .listing-title, h3",
			Company:  ".company-name, .organization-name, .company",
			Location: ".location, .job-location, .opportunity-location",
			Link:     "a",
			Posted:   ".posted-date, .date-posted, .listing-date",
		},
		Defaults: Defaults{
			Company:  "Unstop Opportunity",
			Location: "Multiple Locations",
			Posted:   DefaultPosted,
		},
		Keep: func(card *goquery.Selection, found Found) bool {
			return found.Title && (found.Company || strings.Contains(card.Text(), "Unstop"))
		},
	}
}

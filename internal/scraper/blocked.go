package scraper

import (
	"net/http"
	"strings"
)

// Block reasons reported by DetectBlock.
const (
	BlockStatus  = "status"
	BlockCaptcha = "captcha"
	BlockLogin   = "login_wall"
	BlockEmpty   = "empty_body"
)

// linkedInThrottled is the non-standard status LinkedIn answers scrapers with.
const linkedInThrottled = 999

var captchaMarkers = []string{
	"g-recaptcha",
	"recaptcha/api",
	"hcaptcha.com",
	"verify you are human",
	"unusual traffic",
}

var loginMarkers = []string{
	"authwall",
	"sign in to view",
	"log in to continue",
}

// DetectBlock reports whether a rendered page looks like an anti-bot
// interstitial rather than search results. It never fails the scrape; callers
// log the reason so empty results can be explained.
func DetectBlock(p Page) (string, bool) {
	switch p.Status {
	case http.StatusForbidden, http.StatusTooManyRequests, linkedInThrottled:
		return BlockStatus, true
	}
	body := strings.TrimSpace(p.HTML)
	if body == "" {
		return BlockEmpty, true
	}
	lower := strings.ToLower(body)
	for _, marker := range captchaMarkers {
		if strings.Contains(lower, marker) {
			return BlockCaptcha, true
		}
	}
	if strings.Contains(strings.ToLower(p.FinalURL), "/authwall") {
		return BlockLogin, true
	}
	for _, marker := range loginMarkers {
		if strings.Contains(lower, marker) {
			return BlockLogin, true
		}
	}
	return "", false
}

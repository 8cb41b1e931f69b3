// Package jobs defines the domain types shared across the aggregator subsystems.
package jobs

import (
	"errors"
	"fmt"
	"strings"
)

// Recognized source identifiers.
const (
	SourceLinkedIn  = "linkedin"
	SourceWellfound = "wellfound"
	SourceUnstop    = "unstop"
)

// Job type filters understood by the site URL builders.
const (
	JobTypeInternship = "internship"
	JobTypeFullTime   = "fulltime"
	JobTypeContract   = "contract"
)

// ErrInvalidRequest marks search parameters rejected before any work happens.
var ErrInvalidRequest = errors.New("invalid request")

// JobRecord is a single listing extracted from a job site.
type JobRecord struct {
	Title    string `json:"title"`
	Company  string `json:"company"`
	Location string `json:"location"`
	Link     string `json:"link"`
	Posted   string `json:"posted"`
	Source   string `json:"source"`
}

// SearchParams captures a client search request.
type SearchParams struct {
	Query    string   `json:"searchQuery"`
	Location string   `json:"location,omitempty"`
	JobType  string   `json:"jobType,omitempty"`
	Sources  []string `json:"sources,omitempty"`
}

// Validate enforces the request contract: a non-blank query, and a non-empty
// source list when one is supplied at all.
func (p SearchParams) Validate() error {
	if strings.TrimSpace(p.Query) == "" {
		return fmt.Errorf("%w: search query is required", ErrInvalidRequest)
	}
	if p.Sources != nil && len(p.Sources) == 0 {
		return fmt.Errorf("%w: sources must be a non-empty array", ErrInvalidRequest)
	}
	return nil
}

// NormalizeSources lowercases, trims and deduplicates source names, keeping the
// first occurrence order. Blank entries are dropped.
func NormalizeSources(sources []string) []string {
	out := make([]string, 0, len(sources))
	seen := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

package jobs

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// PostedUnknown is the recency score for posted-date text that cannot be parsed.
// It sorts after every parsed value.
const PostedUnknown = math.MaxFloat64

var relativePosted = regexp.MustCompile(
	`^(?:re)?(?:posted\s+)?(\d+|an?|one)\+?\s+(minute|min|hour|hr|day|week|month|mo|year|yr)s?\s+ago$`,
)

var hoursPerUnit = map[string]float64{
	"minute": 1.0 / 60,
	"min":    1.0 / 60,
	"hour":   1,
	"hr":     1,
	"day":    24,
	"week":   168,
	"month":  720,
	"mo":     720,
	"year":   8760,
	"yr":     8760,
}

// NormalizePostedDate converts free-text posting age ("3 days ago", "Just now")
// into hours since posting. Smaller is more recent; anything unrecognized maps
// to PostedUnknown.
func NormalizePostedDate(text string) float64 {
	s := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	switch s {
	case "just now", "now", "today", "posted today", "just posted":
		return 0
	case "yesterday", "posted yesterday":
		return 24
	}

	m := relativePosted.FindStringSubmatch(s)
	if m == nil {
		return PostedUnknown
	}
	n := 1.0
	switch m[1] {
	case "a", "an", "one":
	default:
		v, err := strconv.Atoi(m[1])
		if err != nil {
			return PostedUnknown
		}
		n = float64(v)
	}
	return n * hoursPerUnit[m[2]]
}

// SortByRecency orders records most recent first. Records with equal scores
// keep their relative order.
func SortByRecency(records []JobRecord) {
	scores := make([]float64, len(records))
	for i, r := range records {
		scores[i] = NormalizePostedDate(r.Posted)
	}
	sort.Stable(byScore{records: records, scores: scores})
}

type byScore struct {
	records []JobRecord
	scores  []float64
}

func (b byScore) Len() int           { return len(b.records) }
func (b byScore) Less(i, j int) bool { return b.scores[i] < b.scores[j] }
func (b byScore) Swap(i, j int) {
	b.records[i], b.records[j] = b.records[j], b.records[i]
	b.scores[i], b.scores[j] = b.scores[j], b.scores[i]
}

package report

import (
	"sort"
	"strings"
	"time"
)

var rangeTokens = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"3d":  72 * time.Hour,
	"7d":  168 * time.Hour,
	"30d": 720 * time.Hour,
	"6m":  4320 * time.Hour,
	"1y":  8760 * time.Hour,
}

// ParseTimeRange maps a reporting range token to its duration. Unknown or
// empty tokens are rejected.
func ParseTimeRange(token string) (time.Duration, error) {
	d, ok := rangeTokens[strings.TrimSpace(token)]
	if !ok {
		return 0, invalidArgument("ParseTimeRange", "unknown time range %q (valid: %s)",
			token, strings.Join(TimeRangeTokens(), ", "))
	}
	return d, nil
}

// TimeRangeTokens lists the accepted range tokens, shortest first.
func TimeRangeTokens() []string {
	tokens := make([]string, 0, len(rangeTokens))
	for k := range rangeTokens {
		tokens = append(tokens, k)
	}
	sort.Slice(tokens, func(i, j int) bool {
		return rangeTokens[tokens[i]] < rangeTokens[tokens[j]]
	})
	return tokens
}

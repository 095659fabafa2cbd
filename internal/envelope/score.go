package envelope

import "regexp"

// Risk classifies untrusted content by its summed injection score.
type Risk string

const (
	RiskSafe     Risk = "safe"
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// Severity weights. Critical alone is enough to reach RiskCritical; lows
// have to pile up before the risk level moves at all.
const (
	weightLow      = 1
	weightMedium   = 3
	weightHigh     = 5
	weightCritical = 12
)

type injectionPattern struct {
	name   string
	weight int
	regex  *regexp.Regexp
}

// The closed set of injection signals. Scoring is advisory: content is
// wrapped and labelled regardless, the risk level just travels with it.
var injectionPatterns = []injectionPattern{
	{"ignore_previous", weightCritical, regexp.MustCompile(`(?i)ignore\s+(?:all\s+)?previous\s+instructions`)},
	{"disregard_previous", weightCritical, regexp.MustCompile(`(?i)disregard\s+(?:all\s+)?(?:previous|prior)\s+instructions`)},
	{"role_reassignment", weightCritical, regexp.MustCompile(`(?i)you\s+are\s+now\b`)},
	{"system_tag", weightCritical, regexp.MustCompile(`(?i)<\s*/?\s*system\s*>`)},
	{"new_instructions", weightHigh, regexp.MustCompile(`(?i)(?:new|updated)\s+instructions\s*:`)},
	{"admin_claim", weightHigh, regexp.MustCompile(`(?i)\bi\s+am\s+the\s+admin(?:istrator)?\b`)},
	{"fenced_curl_pipe", weightHigh, regexp.MustCompile("(?s)```[^`]*curl[^`|]*\\|\\s*(?:ba|z)?sh")},
	{"rtl_override", weightHigh, regexp.MustCompile(`[\x{202A}-\x{202E}\x{2066}-\x{2069}]`)},
	{"invisible_chars", weightHigh, regexp.MustCompile(`[\x{200B}-\x{200F}\x{FEFF}\x{E0020}-\x{E007E}]`)},
	{"base64_block", weightLow, regexp.MustCompile(`[A-Za-z0-9+/=]{200,}`)},
	{"hex_block", weightLow, regexp.MustCompile(`(?:[0-9a-fA-F]{2}){100,}`)},
}

// Score sums the weights of every matched injection pattern and returns the
// matched names for the audit trail.
func Score(content string) (int, []string) {
	score := 0
	var matched []string
	for _, p := range injectionPatterns {
		if p.regex.MatchString(content) {
			score += p.weight
			matched = append(matched, p.name)
		}
	}
	return score, matched
}

// RiskLevel maps a summed score onto a risk band.
func RiskLevel(score int) Risk {
	switch {
	case score <= 0:
		return RiskSafe
	case score < weightMedium:
		return RiskLow
	case score < weightHigh:
		return RiskMedium
	case score < weightCritical:
		return RiskHigh
	default:
		return RiskCritical
	}
}

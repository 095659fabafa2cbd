package security

import (
	"math"
	"regexp"
)

const (
	// DefaultEntropyThreshold is the Shannon entropy (bits per symbol) above
	// which a candidate substring is treated as a probable secret.
	DefaultEntropyThreshold = 4.0

	// MinEntropyLength is the shortest candidate the entropy heuristic
	// considers. Shorter strings have too little signal to judge.
	MinEntropyLength = 32
)

// highEntropyCandidate matches contiguous runs over a secret-like alphabet:
// base64, base64url, and hex all fall inside it.
var highEntropyCandidate = regexp.MustCompile(`[a-zA-Z0-9+/=_\-]{32,}`)

// ShannonEntropy calculates the Shannon entropy of a string in bits per
// symbol. Natural language sits well below 4.0; random tokens above it.
func ShannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}

	freq := make(map[rune]int)
	for _, r := range s {
		freq[r]++
	}

	var entropy float64
	length := float64(len(s))
	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// hasHighEntropyString reports whether content contains a candidate run of at
// least MinEntropyLength characters whose entropy meets the threshold.
func hasHighEntropyString(content string, threshold float64) bool {
	for _, match := range highEntropyCandidate.FindAllString(content, -1) {
		if ShannonEntropy(match) >= threshold {
			return true
		}
	}
	return false
}

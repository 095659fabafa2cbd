package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShannonEntropy(t *testing.T) {
	assert.Zero(t, ShannonEntropy(""))
	assert.Zero(t, ShannonEntropy("aaaaaaaa"))

	// Two symbols in equal proportion carry exactly one bit each.
	assert.InDelta(t, 1.0, ShannonEntropy(strings.Repeat("aA", 50)), 0.001)

	// Random-looking base62 token: well above the 4.0 threshold.
	assert.Greater(t, ShannonEntropy("kJ8s2nQ94hxGzp3vWq1yTbM6eRc0uAfL5dNiZoXm"), 4.0)

	// Repetitive prose sits well below it.
	assert.Less(t, ShannonEntropy("mississippi mississippi mississippi"), 4.0)
}

func TestHasHighEntropyString(t *testing.T) {
	random := "kJ8s2nQ94hxGzp3vWq1yTbM6eRc0uAfL5dNiZoXm"
	assert.True(t, hasHighEntropyString("token: "+random, DefaultEntropyThreshold))

	// Below the 32-char minimum the heuristic stays silent even for
	// perfectly random content.
	assert.False(t, hasHighEntropyString("kJ8s2nQ94hxGzp3vWq1yTbM6eRc0", DefaultEntropyThreshold))

	// Long but repetitive runs never reach the threshold.
	assert.False(t, hasHighEntropyString(strings.Repeat("ab", 100), DefaultEntropyThreshold))
	assert.False(t, hasHighEntropyString("plain prose with no dense runs at all", DefaultEntropyThreshold))
}

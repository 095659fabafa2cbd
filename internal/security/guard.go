// Package security implements the outbound output guard: pattern- and
// entropy-based scanning of any text about to cross to an external sink.
// A hit blocks the emission and substitutes a fixed redaction notice.
package security

import (
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agent-gate/agentgate-go/internal/audit"
	"github.com/agent-gate/agentgate-go/internal/security/patterns"
)

// RedactionNotice replaces any outbound message that tripped the guard. The
// original text is never surfaced, not even partially.
const RedactionNotice = "[message withheld: output contained a credential-like value and was redacted]"

// Decoded-form candidates. Runs shorter than these cannot encode any pattern
// the guard knows about, so skipping them keeps the pass linear.
var (
	base64Run = regexp.MustCompile(`[A-Za-z0-9+/_\-]{24,}={0,2}`)
	hexRun    = regexp.MustCompile(`(?:[0-9a-fA-F]{2}){16,}`)
)

// Config controls optional guard behavior.
type Config struct {
	// EntropyEnabled turns on the Shannon-entropy heuristic in addition to
	// the known-shape patterns. Off by default: entropy flags any random
	// token, including ones the operator intended to expose.
	EntropyEnabled bool `json:"entropy_enabled" mapstructure:"entropy_enabled"`

	// EntropyThreshold in bits per symbol. Zero means DefaultEntropyThreshold.
	EntropyThreshold float64 `json:"entropy_threshold" mapstructure:"entropy_threshold"`
}

// Verdict describes why a text was blocked.
type Verdict struct {
	// Pattern is the stable pattern name, or "high_entropy" for the
	// heuristic. Recorded in the audit event.
	Pattern  string
	Severity patterns.Severity
	// Form says where the hit was found: raw, base64, hex, or percent.
	Form string
}

// Guard scans outbound text for secrets. Safe for concurrent use; the
// pattern set is compiled once at construction and never mutated.
type Guard struct {
	patterns  []*patterns.Pattern
	entropy   bool
	threshold float64
	auditLog  *audit.Log
	logger    *zap.Logger
}

// NewGuard builds a guard with the core pattern set. The audit log may be
// nil in tests.
func NewGuard(cfg Config, auditLog *audit.Log, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.EntropyThreshold
	if threshold <= 0 {
		threshold = DefaultEntropyThreshold
	}
	return &Guard{
		patterns:  patterns.Core(),
		entropy:   cfg.EntropyEnabled,
		threshold: threshold,
		auditLog:  auditLog,
		logger:    logger.Named("outguard"),
	}
}

// Check scans text and returns a non-nil verdict if it must be blocked.
func (g *Guard) Check(text string) *Verdict {
	if v := g.scanPatterns(text, "raw"); v != nil {
		return v
	}

	// Percent-decoded form. Unescape failures mean the text was not really
	// percent-encoded, so there is nothing extra to scan. The '+' check
	// catches query-style space encoding with no escaped octets at all.
	if strings.ContainsAny(text, "%+") {
		if decoded, err := url.QueryUnescape(text); err == nil && decoded != text {
			if v := g.scanPatterns(decoded, "percent"); v != nil {
				return v
			}
		}
	}

	// Base64- and hex-decoded runs. One decoding level only: the guard
	// chases encodings of secrets, not encodings of encodings.
	for _, run := range base64Run.FindAllString(text, -1) {
		if decoded, ok := decodeBase64(run); ok {
			if v := g.scanPatterns(decoded, "base64"); v != nil {
				return v
			}
		}
	}
	for _, run := range hexRun.FindAllString(text, -1) {
		if raw, err := hex.DecodeString(run); err == nil && mostlyPrintable(raw) {
			if v := g.scanPatterns(string(raw), "hex"); v != nil {
				return v
			}
		}
	}

	// Entropy runs on the raw text only. Decoded random bytes always look
	// high-entropy, so scanning decoded forms would flag every binary blob.
	if g.entropy && hasHighEntropyString(text, g.threshold) {
		return &Verdict{Pattern: "high_entropy", Severity: patterns.SeverityMedium, Form: "raw"}
	}
	return nil
}

// Redact returns the text unchanged when clean, or the redaction notice and
// the verdict when blocked. A block lands in the audit log before the
// redacted text is handed back.
func (g *Guard) Redact(text string) (string, *Verdict) {
	v := g.Check(text)
	if v == nil {
		return text, nil
	}
	g.logger.Warn("outbound text blocked",
		zap.String("pattern", v.Pattern),
		zap.String("form", v.Form),
		zap.String("severity", string(v.Severity)))
	g.emit(v)
	return RedactionNotice, v
}

func (g *Guard) emit(v *Verdict) {
	if g.auditLog == nil {
		return
	}
	ev := audit.Event{
		TS:        time.Now().UTC(),
		Component: "outguard",
		Category:  "output.redacted",
		Decision:  audit.DecisionDeny,
		Detail: map[string]string{
			"pattern":  v.Pattern,
			"form":     v.Form,
			"severity": string(v.Severity),
		},
	}
	if err := g.auditLog.Emit(ev); err != nil {
		g.logger.Warn("audit emit failed", zap.Error(err))
	}
}

func (g *Guard) scanPatterns(text, form string) *Verdict {
	for _, p := range g.patterns {
		if p.Match(text) {
			return &Verdict{Pattern: p.Name, Severity: p.Severity, Form: form}
		}
	}
	return nil
}

// decodeBase64 tries standard then URL-safe alphabets. The decoded text is
// only useful if it is mostly printable; random bytes cannot match any
// pattern and just waste scan time.
func decodeBase64(run string) (string, bool) {
	trimmed := strings.TrimRight(run, "=")
	raw, err := base64.RawStdEncoding.DecodeString(trimmed)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(trimmed)
		if err != nil {
			return "", false
		}
	}
	if !mostlyPrintable(raw) {
		return "", false
	}
	return string(raw), true
}

func mostlyPrintable(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	printable := 0
	for _, b := range raw {
		if b == '\n' || b == '\t' || (b >= 0x20 && b < 0x7f) {
			printable++
		}
	}
	return printable*10 >= len(raw)*9
}

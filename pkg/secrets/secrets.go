// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

// Package secrets scrubs credentials out of code before it reaches a model
// or durable storage. Detection runs inside the inference workers so the
// serving path never sees the redacted form diverge from what was persisted.
package secrets

import (
	"regexp"
)

// Placeholder replaces every detected secret.
const Placeholder = "<REDACTED>"

// Detector finds and replaces secrets in source text.
type Detector interface {
	// Redact returns text with every detected secret replaced by
	// Placeholder, plus the number of replacements.
	Redact(text string) (string, int)
}

// pattern pairs a name with its compiled expression, for diagnostics.
type pattern struct {
	name string
	re   *regexp.Regexp
}

// RegexDetector is the default Detector: a fixed set of high-precision
// patterns. It favors precision over recall; a missed generic secret is
// better than mangling ordinary code.
type RegexDetector struct {
	patterns []pattern
}

var _ Detector = (*RegexDetector)(nil)

// NewRegexDetector builds the default pattern set.
func NewRegexDetector() *RegexDetector {
	return &RegexDetector{patterns: []pattern{
		{"aws-access-key", regexp.MustCompile(`\b(?:AKIA|ASIA|ABIA|ACCA)[0-9A-Z]{16}\b`)},
		{"pem-block", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)},
		{"bearer-token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{16,}=*`)},
		{"github-token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
		{"slack-token", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
		{"assigned-secret", regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|access[_-]?token|auth[_-]?token)\b(\s*[:=]\s*|\s*=>\s*)["']?[^\s"']{8,}["']?`)},
	}}
}

// Redact replaces every match with Placeholder. For key=value patterns the
// key survives so the code still parses.
func (d *RegexDetector) Redact(text string) (string, int) {
	total := 0
	for _, p := range d.patterns {
		if p.name == "assigned-secret" {
			text = p.re.ReplaceAllStringFunc(text, func(m string) string {
				total++
				sub := p.re.FindStringSubmatch(m)
				return sub[1] + sub[2] + Placeholder
			})
			continue
		}
		n := len(p.re.FindAllStringIndex(text, -1))
		if n == 0 {
			continue
		}
		total += n
		text = p.re.ReplaceAllString(text, Placeholder)
	}
	return text, total
}

// None is a Detector that redacts nothing, for tests and opt-out configs.
type None struct{}

// Redact returns text unchanged.
func (None) Redact(text string) (string, int) { return text, 0 }

// Package screen scans request intents for prompt injection, smuggled
// credentials and similar content before policy approves them.
package screen

import (
	"context"
	"fmt"
	"strings"

	"github.com/garagon/aguara"

	"github.com/sentinel-sh/sentinel/internal/access"
)

// Verdict is the screening decision for an intent.
type Verdict string

const (
	VerdictClean    Verdict = "clean"
	VerdictFlag     Verdict = "flag"
	VerdictEscalate Verdict = "escalate"
	VerdictBlock    Verdict = "block"
)

// Outcome holds the result of screening one intent.
type Outcome struct {
	Verdict  Verdict
	Findings []Finding
}

// RuleIDs lists the triggered rules in finding order.
func (o *Outcome) RuleIDs() []string {
	ids := make([]string, 0, len(o.Findings))
	for _, f := range o.Findings {
		ids = append(ids, f.RuleID)
	}
	return ids
}

// Finding is a simplified aguara finding.
type Finding struct {
	RuleID   string `json:"rule_id"`
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Match    string `json:"match,omitempty"`
}

// Scanner wraps the aguara engine for in-process scanning.
type Scanner struct {
	opts []aguara.Option
}

// New creates a scanner with aguara's built-in rules plus any rules in
// customRulesDir.
func New(customRulesDir string, extraOpts ...aguara.Option) *Scanner {
	s := &Scanner{}
	if customRulesDir != "" {
		s.opts = append(s.opts, aguara.WithCustomRules(customRulesDir))
	}
	s.opts = append(s.opts, extraOpts...)
	return s
}

// Scan screens the intent's summary and description. Critical findings
// block, high findings escalate to human review, medium findings flag.
func (s *Scanner) Scan(ctx context.Context, intent access.Intent) (*Outcome, error) {
	result, err := aguara.ScanContent(ctx, content(intent), "intent.md", s.opts...)
	if err != nil {
		return nil, fmt.Errorf("aguara scan: %w", err)
	}

	outcome := &Outcome{Verdict: VerdictClean}
	for _, f := range result.Findings {
		outcome.Findings = append(outcome.Findings, Finding{
			RuleID:   f.RuleID,
			Name:     f.RuleName,
			Severity: f.Severity.String(),
			Match:    truncate(f.MatchedText, 120),
		})

		switch {
		case f.Severity >= aguara.SeverityCritical:
			outcome.Verdict = VerdictBlock
		case f.Severity >= aguara.SeverityHigh && outcome.Verdict != VerdictBlock:
			outcome.Verdict = VerdictEscalate
		case f.Severity >= aguara.SeverityMedium && outcome.Verdict == VerdictClean:
			outcome.Verdict = VerdictFlag
		}
	}
	return outcome, nil
}

// RulesCount returns the number of loaded rules.
func (s *Scanner) RulesCount(ctx context.Context) int {
	result, err := aguara.ScanContent(ctx, "ok", "probe.md", s.opts...)
	if err != nil {
		return 0
	}
	return result.RulesLoaded
}

func content(i access.Intent) string {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(i.Summary)
	b.WriteString("\n\n")
	if i.Description != "" {
		b.WriteString(i.Description)
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

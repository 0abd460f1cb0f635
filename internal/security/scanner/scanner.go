// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

// Package scanner detects prompt injection and leaked credentials in text
// that reaches the model: user messages and tool results such as indexed
// datasheet chunks.
package scanner

import (
	"context"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"

	pserr "github.com/partscout/partscout/pkg/errors"
)

// Stage identifies where in the turn scanning occurs.
type Stage string

const (
	StageInput Stage = "input"
	StageTool  Stage = "tool"
)

// Valid reports whether the stage is a known stage.
func (s Stage) Valid() bool {
	return s == StageInput || s == StageTool
}

// Severity indicates how critical a detection is.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Valid reports whether the severity is a known level.
func (s Severity) Valid() bool {
	switch s {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return true
	default:
		return false
	}
}

// ScanResult holds the outcome of a scan.
type ScanResult struct {
	Threat  bool
	Matches []Match
	// Content is the normalized text. Match offsets index into it, so
	// redaction must use it rather than the original input.
	Content string
}

// Rules lists the distinct rule names that matched, in match order.
func (r ScanResult) Rules() []string {
	var names []string
	for _, m := range r.Matches {
		if !slices.Contains(names, m.Rule) {
			names = append(names, m.Rule)
		}
	}
	return names
}

// Match is one rule hit. Location and Length are byte offsets into
// ScanResult.Content and are never negative.
type Match struct {
	Rule     string
	Location int
	Length   int
	Severity Severity
}

// Scanner scans content for threats.
type Scanner interface {
	Scan(ctx context.Context, content string, stage Stage) (ScanResult, error)
}

// Rule is one detection pattern bound to a stage.
type Rule struct {
	Stage    Stage
	Name     string
	Pattern  *regexp.Regexp
	Severity Severity
}

// DefaultMaxContentLength caps what RegexScanner accepts. Larger content is
// reported as a threat without running the rules.
const DefaultMaxContentLength = 1 << 20

// RegexScanner implements Scanner with compiled regexes.
type RegexScanner struct {
	rules            []Rule
	maxContentLength int
}

// NewRegexScanner validates rules and returns a scanner over them.
func NewRegexScanner(rules []Rule) (*RegexScanner, error) {
	for i, r := range rules {
		switch {
		case r.Pattern == nil:
			return nil, pserr.Errorf(pserr.CodeSecurityScannerFailure, "rule %d (%s) has nil pattern", i, r.Name)
		case !r.Stage.Valid():
			return nil, pserr.Errorf(pserr.CodeSecurityScannerFailure, "rule %d (%s) has invalid stage %q", i, r.Name, r.Stage)
		case r.Name == "":
			return nil, pserr.Errorf(pserr.CodeSecurityScannerFailure, "rule %d has empty name", i)
		case !r.Severity.Valid():
			return nil, pserr.Errorf(pserr.CodeSecurityScannerFailure, "rule %d (%s) has invalid severity %q", i, r.Name, r.Severity)
		}
	}
	return &RegexScanner{rules: rules, maxContentLength: DefaultMaxContentLength}, nil
}

// invisibleChars strips zero-width and other invisible code points used to
// split trigger phrases.
var invisibleChars = strings.NewReplacer(
	"\u200b", "", // zero-width space
	"\u200c", "", // zero-width non-joiner
	"\u200d", "", // zero-width joiner
	"\ufeff", "", // BOM
	"\u00ad", "", // soft hyphen
	"\u034f", "", // combining grapheme joiner
	"\u061c", "", // Arabic letter mark
	"\u180e", "", // Mongolian vowel separator
	"\u2060", "", // word joiner
	"\u2061", "",
	"\u2062", "",
	"\u2063", "",
	"\u2064", "",
)

// normalize strips invisible characters and applies NFKC so fullwidth and
// other compatibility forms match the ASCII rules.
func normalize(s string) string {
	return norm.NFKC.String(invisibleChars.Replace(s))
}

// Scan checks content against the rules of stage.
func (s *RegexScanner) Scan(_ context.Context, content string, stage Stage) (ScanResult, error) {
	if !stage.Valid() {
		return ScanResult{}, pserr.Errorf(pserr.CodeSecurityScannerFailure, "invalid scan stage %q", stage)
	}

	content = normalize(content)
	if len(content) > s.maxContentLength {
		return ScanResult{Threat: true, Content: content, Matches: []Match{{
			Rule:     "content_too_large",
			Length:   len(content),
			Severity: SeverityHigh,
		}}}, nil
	}

	result := ScanResult{Content: content}
	for _, rule := range s.rules {
		if rule.Stage != stage {
			continue
		}
		for _, loc := range rule.Pattern.FindAllStringIndex(content, -1) {
			result.Threat = true
			result.Matches = append(result.Matches, Match{
				Rule:     rule.Name,
				Location: loc[0],
				Length:   loc[1] - loc[0],
				Severity: rule.Severity,
			})
		}
	}
	return result, nil
}

// DefaultRules returns the built-in rules for both stages.
func DefaultRules() []Rule {
	return slices.Concat(InputRules(), ToolRules(), SecretRules(StageTool))
}

var (
	instructionOverride = regexp.MustCompile(`(?i)(ignore|disregard|override|forget|do\s+not\s+follow)\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`)
	systemBlock         = regexp.MustCompile(`(?i)(?:<\|?system\|?>|\[system\]|<<SYS>>)`)
)

// InputRules detects prompt injection in user messages.
func InputRules() []Rule {
	return []Rule{
		{Stage: StageInput, Name: "instruction_override", Pattern: instructionOverride, Severity: SeverityHigh},
		{
			Stage:    StageInput,
			Name:     "role_confusion",
			Pattern:  regexp.MustCompile(`(?i)you\s+are\s+now\s+\w+[,.]?\s*(do|ignore|forget|disregard)`),
			Severity: SeverityHigh,
		},
		{
			Stage:    StageInput,
			Name:     "delimiter_abuse",
			Pattern:  regexp.MustCompile("(?i)```system\\b"),
			Severity: SeverityMedium,
		},
		{
			Stage:    StageInput,
			Name:     "new_task_injection",
			Pattern:  regexp.MustCompile(`(?i)(new\s+task:|from\s+now\s+on,?\s+you|pretend\s+(?:the\s+)?(?:above|previous)\s+(?:rules?|instructions?)\s+(?:do\s+not|don'?t)\s+exist)`),
			Severity: SeverityMedium,
		},
		{Stage: StageInput, Name: "system_block_injection", Pattern: systemBlock, Severity: SeverityHigh},
	}
}

// ToolRules detects instructions planted in tool output, such as datasheet
// text returned by the similarity index.
func ToolRules() []Rule {
	return []Rule{
		{Stage: StageTool, Name: "instruction_override", Pattern: instructionOverride, Severity: SeverityHigh},
		{Stage: StageTool, Name: "system_block_injection", Pattern: systemBlock, Severity: SeverityHigh},
		{
			Stage:    StageTool,
			Name:     "system_prompt_leak",
			Pattern:  regexp.MustCompile(`(?im)^SYSTEM:\s`),
			Severity: SeverityHigh,
		},
		{
			Stage:    StageTool,
			Name:     "role_impersonation",
			Pattern:  regexp.MustCompile(`(?is)\[INST\].{0,1000}?\[/INST\]`),
			Severity: SeverityHigh,
		},
	}
}

// SecretRules detects credentials for stage.
func SecretRules(stage Stage) []Rule {
	rule := func(name, pattern string, sev Severity) Rule {
		return Rule{Stage: stage, Name: name, Pattern: regexp.MustCompile(pattern), Severity: sev}
	}
	return []Rule{
		rule("aws_access_key", `AKIA[0-9A-Z]{16}`, SeverityHigh),
		rule("anthropic_api_key", `sk-ant-api\d{2}-[A-Za-z0-9_-]{20,}`, SeverityHigh),
		rule("openai_api_key", `sk-proj-[A-Za-z0-9_-]{20,}`, SeverityHigh),
		rule("openai_legacy_key", `sk-[A-Za-z0-9]{40,}`, SeverityMedium),
		rule("google_api_key", `AIza[0-9A-Za-z_-]{35}`, SeverityHigh),
		rule("github_pat", `ghp_[A-Za-z0-9]{36}`, SeverityHigh),
		rule("github_fine_grained_pat", `github_pat_[A-Za-z0-9_]{22,}`, SeverityHigh),
		rule("slack_token", `xox[bpas]-[A-Za-z0-9-]+`, SeverityHigh),
		rule("bearer_token", `(?i)bearer\s+[A-Za-z0-9_\-.]{20,}`, SeverityHigh),
		rule("pem_private_key", `-----BEGIN\s+(RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`, SeverityHigh),
		rule("database_connection_string", `(?i)(postgres(?:ql)?|mysql|mongodb|redis|jdbc:[a-z]+)://[^\s:@]+:[^\s@]+@[^\s]+`, SeverityHigh),
		rule("keyring_uri", `keyring://[^\s"]+`, SeverityMedium),
	}
}

// Mode is what happens to content with a detection.
type Mode string

const (
	ModeBlock  Mode = "block"
	ModeFlag   Mode = "flag"
	ModeRedact Mode = "redact"
)

// Valid reports whether the mode is known.
func (m Mode) Valid() bool {
	switch m {
	case ModeBlock, ModeFlag, ModeRedact:
		return true
	default:
		return false
	}
}

// ParseMode parses a case-insensitive mode name.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", pserr.Errorf(pserr.CodeConfigValidateInvalidValue, "invalid scanner mode: %q", s)
	}
	return m, nil
}

// ApplyMode applies mode to a scan of content. Block fails, flag returns
// content unchanged and redact replaces the matches in result.Content.
func ApplyMode(mode Mode, content string, result ScanResult) (string, error) {
	if !result.Threat {
		return content, nil
	}

	switch mode {
	case ModeBlock:
		first := "unknown"
		if len(result.Matches) > 0 {
			first = result.Matches[0].Rule
		}
		return "", pserr.New(pserr.CodeSecurityScannerBlocked,
			"content blocked by security scanner",
			pserr.Field("matches", len(result.Matches)),
			pserr.Field("first_rule", first),
		)
	case ModeFlag:
		return content, nil
	case ModeRedact:
		return redact(result.Content, result.Matches), nil
	default:
		return "", pserr.Errorf(pserr.CodeSecurityScannerFailure, "unknown scanner mode %q", mode)
	}
}

const redacted = "[REDACTED]"

// redact replaces matched regions with [REDACTED], merging overlaps.
func redact(content string, matches []Match) string {
	if len(matches) == 0 {
		return content
	}

	sorted := slices.Clone(matches)
	slices.SortFunc(sorted, func(a, b Match) int { return a.Location - b.Location })

	type span struct{ start, end int }
	spans := []span{{sorted[0].Location, sorted[0].Location + sorted[0].Length}}
	for _, m := range sorted[1:] {
		last := &spans[len(spans)-1]
		end := m.Location + m.Length
		if m.Location <= last.end {
			last.end = max(last.end, end)
			continue
		}
		spans = append(spans, span{m.Location, end})
	}

	var b strings.Builder
	b.Grow(len(content))
	pos := 0
	for _, s := range spans {
		b.WriteString(content[pos:s.start])
		b.WriteString(redacted)
		pos = min(s.end, len(content))
	}
	b.WriteString(content[pos:])
	return b.String()
}

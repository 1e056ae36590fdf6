package secrets

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Finding records one redaction. The secret value itself is never carried
// here so results are safe to log.
type Finding struct {
	RuleID      string
	Description string
	Line        int
}

// Result is the outcome of scrubbing one piece of content.
type Result struct {
	Content  string
	Findings []Finding
	ByRule   map[string]int
}

// Total returns the number of redactions applied.
func (r Result) Total() int { return len(r.Findings) }

// Scrubber detects and redacts secrets from content.
type Scrubber interface {
	Scrub(content string) Result
	IsEnabled() bool
}

// Options configures New.
type Options struct {
	// Enabled turns scrubbing off entirely when false.
	Enabled bool

	// AllowlistPath points at an optional allowlist TOML file. Missing
	// files are ignored.
	AllowlistPath string
}

// gitleaksScrubber runs the gitleaks default detector, built once and
// reused across calls.
type gitleaksScrubber struct {
	detector *detect.Detector
}

var _ Scrubber = (*gitleaksScrubber)(nil)

// New builds a Scrubber. With Options.Enabled false it returns a Noop
// scrubber that passes content through unchanged.
func New(opts Options) (Scrubber, error) {
	if !opts.Enabled {
		return &Noop{}, nil
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("create gitleaks detector: %w", err)
	}

	allowlist, err := LoadAllowlist(opts.AllowlistPath)
	if err != nil {
		return nil, err
	}
	if allowlist != nil {
		applyAllowlist(&detector.Config, allowlist)
	}

	return &gitleaksScrubber{detector: detector}, nil
}

// Scrub replaces every detected secret with a [REDACTED:rule-id] marker.
// Replacement is by secret value rather than by reported position, so a
// credential repeated in the content is masked everywhere.
func (s *gitleaksScrubber) Scrub(content string) Result {
	result := Result{Content: content, ByRule: make(map[string]int)}

	findings := s.detector.DetectString(content)
	if len(findings) == 0 {
		return result
	}

	type replacement struct {
		secret string
		ruleID string
	}
	seen := make(map[string]struct{}, len(findings))
	replacements := make([]replacement, 0, len(findings))
	for _, f := range findings {
		result.Findings = append(result.Findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
		})
		result.ByRule[f.RuleID]++

		if f.Secret == "" {
			continue
		}
		if _, ok := seen[f.Secret]; ok {
			continue
		}
		seen[f.Secret] = struct{}{}
		replacements = append(replacements, replacement{secret: f.Secret, ruleID: f.RuleID})
	}

	// Longest secrets first so one match can never clobber part of another.
	sort.Slice(replacements, func(i, j int) bool {
		return len(replacements[i].secret) > len(replacements[j].secret)
	})
	for _, r := range replacements {
		marker := "[REDACTED:" + r.ruleID + "]"
		result.Content = strings.ReplaceAll(result.Content, r.secret, marker)
	}
	return result
}

func (s *gitleaksScrubber) IsEnabled() bool { return true }

// Noop passes content through unchanged, for disabled mode and tests.
type Noop struct{}

var _ Scrubber = (*Noop)(nil)

func (n *Noop) Scrub(content string) Result {
	return Result{Content: content, ByRule: make(map[string]int)}
}

func (n *Noop) IsEnabled() bool { return false }

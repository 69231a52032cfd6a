// Package thinking handles extended reasoning: effort selection passed to
// providers, and duration measurement over recorded transcripts.
//
// Users can request deeper reasoning with keywords in their prompts:
//   - "think" - extra reasoning tokens, moderate depth
//   - "think hard" / "think harder" - deeper analysis
//   - "ultrathink" - maximum reasoning budget
package thinking

import (
	"regexp"
	"strings"
)

// Effort is the reasoning budget hint forwarded to a provider.
type Effort string

const (
	EffortNone   Effort = ""
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// Detection patterns for thinking keywords.
var (
	ultrathinkPattern  = regexp.MustCompile(`(?i)\bultrathink\b`)
	thinkHarderPattern = regexp.MustCompile(`(?i)\bthink\s+harder\b`)
	thinkHardPattern   = regexp.MustCompile(`(?i)\bthink\s+hard\b`)
	thinkPattern       = regexp.MustCompile(`(?i)^think[,.:]?\s`)
)

// DetectEffort inspects a prompt for thinking keywords and returns the
// effort hint plus the prompt with the keyword stripped. Natural uses of
// "think" ("I think we should...") are left alone.
func DetectEffort(prompt string) (Effort, string) {
	if ultrathinkPattern.MatchString(prompt) {
		return EffortHigh, strings.TrimSpace(ultrathinkPattern.ReplaceAllString(prompt, ""))
	}
	if thinkHarderPattern.MatchString(prompt) {
		return EffortHigh, strings.TrimSpace(thinkHarderPattern.ReplaceAllString(prompt, ""))
	}
	if thinkHardPattern.MatchString(prompt) {
		return EffortMedium, strings.TrimSpace(thinkHardPattern.ReplaceAllString(prompt, ""))
	}
	if thinkPattern.MatchString(prompt) {
		return EffortLow, strings.TrimSpace(thinkPattern.ReplaceAllString(prompt, ""))
	}
	return EffortNone, prompt
}

// Package prompt scans request text for prompt injection attempts and
// personally identifiable information. It backs the policy engine's
// security and content filter rules; it never mutates the prompt.
package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

// Finding is one suspicious span in the scanned text
type Finding struct {
	Category string `json:"category"`
	Detail   string `json:"detail"`
}

// Injection categories
const (
	CategorySystemPromptLeak    = "system_prompt_leak"
	CategoryRoleManipulation    = "role_manipulation"
	CategoryInstructionOverride = "instruction_override"
	CategoryJailbreak           = "jailbreak"
	CategoryDelimiterAttack     = "delimiter_attack"
)

// PII categories
const (
	CategoryEmail      = "email"
	CategorySSN        = "ssn"
	CategoryCreditCard = "credit_card"
	CategoryPhone      = "phone"
)

type patternGroup struct {
	category string
	detail   string
	patterns []*regexp.Regexp
}

var injectionGroups = []patternGroup{
	{
		category: CategorySystemPromptLeak,
		detail:   "attempt to reveal the system prompt",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)ignore\s+(previous|all|above|prior)\s+(instructions?|prompts?|commands?)`),
			regexp.MustCompile(`(?i)(show|reveal|print|repeat)\s+(me\s+)?(your|the)\s+(system|original|initial|hidden|secret)\s+(prompt|instructions?)`),
			regexp.MustCompile(`(?i)what\s+(is|are|was|were)\s+(your|the)\s+(system|original|initial)\s+(prompt|instructions?)`),
		},
	},
	{
		category: CategoryRoleManipulation,
		detail:   "attempt to change the assistant role",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)assume\s+(the\s+)?(role|identity)\s+of`),
			regexp.MustCompile(`(?i)pretend\s+(to\s+)?be\s+(a|an)`),
			regexp.MustCompile(`(?i)act\s+as\s+(if\s+)?(you|you're|you\s+are)`),
			regexp.MustCompile(`(?i)from\s+now\s+on[,]?\s+(you|your)\s+(are|will)`),
		},
	},
	{
		category: CategoryInstructionOverride,
		detail:   "attempt to override prior instructions",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(disregard|override|cancel)\s+(all|previous|above|any|system)\s+(instructions?|rules|commands?|settings?)`),
			regexp.MustCompile(`(?i)forget\s+(everything|all\s+previous|what\s+you\s+learned)`),
			regexp.MustCompile(`(?i)start\s+over\s+with\s+new\s+instructions?`),
		},
	},
	{
		category: CategoryJailbreak,
		detail:   "known jailbreak phrasing",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(DAN|developer|unrestricted|god)\s+mode`),
			regexp.MustCompile(`(?i)jailbreak`),
			regexp.MustCompile(`(?i)without\s+(any|ethical|moral)\s+(restrictions?|limitations?|guidelines?)`),
		},
	},
	{
		category: CategoryDelimiterAttack,
		detail:   "forged role delimiters",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\[/?(SYSTEM|USER|ASSISTANT)\]`),
			regexp.MustCompile(`<\|(system|user|assistant|end)\|>`),
			regexp.MustCompile(`###\s*(SYSTEM|USER|ASSISTANT|INSTRUCTION)`),
		},
	},
}

var (
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
	ssnPattern   = regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`)
	phonePattern = regexp.MustCompile(`\b(\+?1[-.]?)?\(?[0-9]{3}\)?[-.][0-9]{3}[-.][0-9]{4}\b`)

	// Major card number formats; candidates still have to pass Luhn
	cardPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b4[0-9]{12}(?:[0-9]{3})?\b`),
		regexp.MustCompile(`\b5[1-5][0-9]{14}\b`),
		regexp.MustCompile(`\b3[47][0-9]{13}\b`),
		regexp.MustCompile(`\b6(?:011|5[0-9]{2})[0-9]{12}\b`),
	}
)

// ScanInjection reports every injection category matched by the text.
// Each category is reported at most once.
func ScanInjection(text string) []Finding {
	var findings []Finding
	for _, group := range injectionGroups {
		for _, pattern := range group.patterns {
			if pattern.MatchString(text) {
				findings = append(findings, Finding{
					Category: group.category,
					Detail:   group.detail,
				})
				break
			}
		}
	}
	return findings
}

// ScanPII reports PII categories present in the text. Values are never
// included in findings; only the category and an occurrence count leave
// the scanner.
func ScanPII(text string) []Finding {
	var findings []Finding

	if n := len(emailPattern.FindAllString(text, -1)); n > 0 {
		findings = append(findings, piiFinding(CategoryEmail, n))
	}
	if n := len(ssnPattern.FindAllString(text, -1)); n > 0 {
		findings = append(findings, piiFinding(CategorySSN, n))
	}

	cards := 0
	for _, pattern := range cardPatterns {
		for _, candidate := range pattern.FindAllString(text, -1) {
			if luhnValid(candidate) {
				cards++
			}
		}
	}
	if cards > 0 {
		findings = append(findings, piiFinding(CategoryCreditCard, cards))
	}

	if n := len(phonePattern.FindAllString(text, -1)); n > 0 {
		findings = append(findings, piiFinding(CategoryPhone, n))
	}

	return findings
}

func piiFinding(category string, count int) Finding {
	return Finding{
		Category: category,
		Detail:   fmt.Sprintf("%d %s occurrence(s)", count, strings.ReplaceAll(category, "_", " ")),
	}
}

func luhnValid(number string) bool {
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		c := number[i]
		if c < '0' || c > '9' {
			return false
		}
		digit := int(c - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}
	return sum%10 == 0
}

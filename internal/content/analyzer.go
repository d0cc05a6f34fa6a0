// Package content classifies message bodies as safe or high-risk before they
// are queued. Analyze is pure: no state, no I/O.
package content

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

type RiskLevel string

const (
	RiskNone   RiskLevel = "none"
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Check names which rule flagged a body.
type Check string

const (
	CheckKeyword  Check = "keyword"
	CheckPatterns Check = "patterns"
	CheckLength   Check = "length"
	CheckURLs     Check = "urls"
)

// DefaultKeywords is the built-in denylist. Matching is a case-insensitive substring test.
var DefaultKeywords = []string{
	"free money",
	"you have won",
	"you've won",
	"winner",
	"click here",
	"act now",
	"limited time offer",
	"100% free",
	"risk free",
	"earn cash",
	"make money fast",
	"double your",
	"lottery",
	"casino",
	"crypto giveaway",
	"claim your prize",
}

type Config struct {
	Keywords []string
	// PatternThreshold is the number of distinct suspicious patterns that flags a body.
	PatternThreshold int
	MinLength        int
	MaxLength        int
	MaxURLs          int
}

func DefaultConfig() Config {
	return Config{
		Keywords:         DefaultKeywords,
		PatternThreshold: 2,
		MinLength:        1,
		MaxLength:        4096,
		MaxURLs:          3,
	}
}

type Result struct {
	Safe   bool      `json:"safe"`
	Reason string    `json:"reason,omitempty"`
	Risk   RiskLevel `json:"risk"`
	Check  Check     `json:"check,omitempty"`
	// Patterns lists the suspicious pattern names seen, even when below threshold.
	Patterns []string `json:"patterns,omitempty"`
}

type pattern struct {
	name  string
	match func(string) bool
}

var (
	rePunct    = regexp.MustCompile(`[!?]{3,}`)
	reCurrency = regexp.MustCompile(`(?i)([$€£]\s?\d+|\b(usd|eur|gbp)\s?\d+|\d+\s?%\s?(off|discount)|\b(discount|promo code|coupon)\b)`)
	rePlatform = regexp.MustCompile(`(?i)(wa\.me/|chat\.whatsapp\.com/|t\.me/|bit\.ly/)`)
	reURL      = regexp.MustCompile(`(?i)(https?://\S+|\bwww\.\S+)`)
)

var patterns = []pattern{
	{name: "repeated_chars", match: hasCharRun},
	{name: "excessive_caps", match: hasExcessiveCaps},
	{name: "repeated_punctuation", match: rePunct.MatchString},
	{name: "currency_discount", match: reCurrency.MatchString},
	{name: "platform_link", match: rePlatform.MatchString},
}

// Analyzer applies a Config. The zero value is not usable; use New.
type Analyzer struct {
	cfg      Config
	keywords []string
}

func New(cfg Config) *Analyzer {
	def := DefaultConfig()
	if cfg.Keywords == nil {
		cfg.Keywords = def.Keywords
	}
	if cfg.PatternThreshold <= 0 {
		cfg.PatternThreshold = def.PatternThreshold
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = def.MinLength
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = def.MaxLength
	}
	if cfg.MaxURLs < 0 {
		cfg.MaxURLs = def.MaxURLs
	}
	kw := make([]string, 0, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kw = append(kw, k)
		}
	}
	return &Analyzer{cfg: cfg, keywords: kw}
}

// Analyze runs the checks in order and returns the first failure.
func (a *Analyzer) Analyze(body string) Result {
	lower := strings.ToLower(body)
	for _, k := range a.keywords {
		if strings.Contains(lower, k) {
			return Result{
				Reason: fmt.Sprintf("message contains blocked phrase %q", k),
				Risk:   RiskHigh,
				Check:  CheckKeyword,
			}
		}
	}

	var seen []string
	for _, p := range patterns {
		if p.match(body) {
			seen = append(seen, p.name)
		}
	}
	if len(seen) >= a.cfg.PatternThreshold {
		risk := RiskMedium
		if len(seen) > a.cfg.PatternThreshold {
			risk = RiskHigh
		}
		return Result{
			Reason:   fmt.Sprintf("message matches %d suspicious patterns (%s)", len(seen), strings.Join(seen, ", ")),
			Risk:     risk,
			Check:    CheckPatterns,
			Patterns: seen,
		}
	}

	if n := utf8.RuneCountInString(strings.TrimSpace(body)); n < a.cfg.MinLength || n > a.cfg.MaxLength {
		return Result{
			Reason:   fmt.Sprintf("message length %d outside %d-%d", n, a.cfg.MinLength, a.cfg.MaxLength),
			Risk:     RiskLow,
			Check:    CheckLength,
			Patterns: seen,
		}
	}

	if n := len(reURL.FindAllStringIndex(body, -1)); n > a.cfg.MaxURLs {
		return Result{
			Reason:   fmt.Sprintf("message has %d links, max %d", n, a.cfg.MaxURLs),
			Risk:     RiskMedium,
			Check:    CheckURLs,
			Patterns: seen,
		}
	}

	risk := RiskNone
	if len(seen) > 0 {
		risk = RiskLow
	}
	return Result{Safe: true, Risk: risk, Patterns: seen}
}

// hasCharRun reports a run of five or more identical non-space runes.
func hasCharRun(s string) bool {
	var prev rune
	run := 0
	for _, r := range s {
		if r == prev && !unicode.IsSpace(r) {
			run++
			if run >= 5 {
				return true
			}
			continue
		}
		prev, run = r, 1
	}
	return false
}

// hasExcessiveCaps reports bodies with at least 8 letters of which 70% or more are upper case.
func hasExcessiveCaps(s string) bool {
	letters, upper := 0, 0
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	return letters >= 8 && upper*10 >= letters*7
}

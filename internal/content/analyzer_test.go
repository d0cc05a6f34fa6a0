package content

import (
	"strings"
	"testing"
)

func TestAnalyzeExamples(t *testing.T) {
	t.Parallel()
	a := New(DefaultConfig())

	if r := a.Analyze("WIN FREE MONEY NOW!!!"); r.Safe {
		t.Fatalf("spam body marked safe: %+v", r)
	}
	if r := a.Analyze("Hi Maria, see you at 6pm"); !r.Safe {
		t.Fatalf("benign body flagged: %+v", r)
	}
}

func TestAnalyzeChecks(t *testing.T) {
	t.Parallel()
	a := New(Config{MaxLength: 50, MaxURLs: 1, PatternThreshold: 2})
	tests := []struct {
		name  string
		body  string
		safe  bool
		check Check
	}{
		{name: "keyword case-insensitive", body: "Click HERE for details", check: CheckKeyword},
		{name: "caps and punctuation", body: "HURRY UP AND BUY THIS!!!", check: CheckPatterns},
		{name: "discount and link", body: "50% off today at wa.me/123", check: CheckPatterns},
		{name: "single pattern is fine", body: "Are you coming???", safe: true},
		{name: "too long", body: strings.Repeat("a b ", 20), check: CheckLength},
		{name: "blank", body: "   ", check: CheckLength},
		{name: "too many urls", body: "see https://a.example and https://b.example", check: CheckURLs},
		{name: "one url", body: "docs at https://a.example", safe: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := a.Analyze(tt.body)
			if r.Safe != tt.safe {
				t.Fatalf("Safe = %v, want %v (%+v)", r.Safe, tt.safe, r)
			}
			if !tt.safe {
				if r.Check != tt.check {
					t.Fatalf("Check = %s, want %s (%s)", r.Check, tt.check, r.Reason)
				}
				if r.Reason == "" {
					t.Fatal("unsafe result without reason")
				}
			}
		})
	}
}

func TestAnalyzeShortCircuitOrder(t *testing.T) {
	t.Parallel()
	a := New(Config{MaxLength: 10})
	// Keyword and length both fail; keyword wins.
	r := a.Analyze("this is a lottery announcement that is long")
	if r.Check != CheckKeyword {
		t.Fatalf("Check = %s, want keyword first", r.Check)
	}
	if r.Risk != RiskHigh {
		t.Fatalf("Risk = %s", r.Risk)
	}
}

func TestPatternHelpers(t *testing.T) {
	t.Parallel()
	if !hasCharRun("sooooo good") {
		t.Fatal("expected run detection")
	}
	if hasCharRun("book keeping") {
		t.Fatal("short runs should pass")
	}
	if hasCharRun("a     b") {
		t.Fatal("whitespace runs should pass")
	}
	if !hasExcessiveCaps("THIS IS LOUD") {
		t.Fatal("expected caps detection")
	}
	if hasExcessiveCaps("OK") {
		t.Fatal("short caps should pass")
	}
}

func TestCustomKeywords(t *testing.T) {
	t.Parallel()
	a := New(Config{Keywords: []string{"  Unsubscribe "}})
	if r := a.Analyze("reply UNSUBSCRIBE to stop"); r.Safe {
		t.Fatal("custom keyword not applied")
	}
	if r := a.Analyze("you have won"); !r.Safe {
		t.Fatal("custom list should replace defaults")
	}
}

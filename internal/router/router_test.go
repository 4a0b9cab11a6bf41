package router

import (
	"errors"
	"strings"
	"testing"

	"cofounder/internal/domain"
)

func testRules() Rules {
	return Rules{
		AutonomousKeywords: []string{"build", "research and", "step by step", "autonomous", "create a plan"},
		CategoryKeywords: map[string][]string{
			domain.CategoryResearch: {"research", "analyze", "investigate", "compare"},
			domain.CategoryCode:     {"build", "implement", "code", "api", "deploy"},
			domain.CategoryBusiness: {"pricing", "revenue", "market", "strategy"},
			domain.CategoryContent:  {"write", "blog", "post", "draft"},
		},
	}
}

func TestClassifyEmptyInput(t *testing.T) {
	c := New(testRules())
	for _, in := range []string{"", "   ", "\n\t"} {
		if _, err := c.Classify(in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Classify(%q) err = %v, want ErrInvalidInput", in, err)
		}
	}
}

func TestClassifyChatDefault(t *testing.T) {
	c := New(testRules())
	d, err := c.Classify("What do you think about this approach?")
	if err != nil {
		t.Fatal(err)
	}
	if d.Mode != ModeChat {
		t.Fatalf("mode = %s, want chat", d.Mode)
	}
	if d.Category != domain.CategoryChat {
		t.Fatalf("category = %s, want chat", d.Category)
	}
}

func TestClassifyKeywordTrigger(t *testing.T) {
	c := New(testRules())
	d, err := c.Classify("Build me a landing page")
	if err != nil {
		t.Fatal(err)
	}
	if d.Mode != ModeAutonomous {
		t.Fatalf("mode = %s, want autonomous", d.Mode)
	}
	if d.Category != domain.CategoryCode {
		t.Fatalf("category = %s, want code", d.Category)
	}
}

func TestClassifySequencingConnective(t *testing.T) {
	c := New(testRules())
	d, err := c.Classify("fix the login bug and then update the changelog")
	if err != nil {
		t.Fatal(err)
	}
	if d.Mode != ModeAutonomous {
		t.Fatalf("mode = %s, want autonomous", d.Mode)
	}
}

func TestClassifyNumberedList(t *testing.T) {
	c := New(testRules())
	d, err := c.Classify("1. set up repo 2. add CI")
	if err != nil {
		t.Fatal(err)
	}
	if d.Mode != ModeAutonomous {
		t.Fatalf("mode = %s, want autonomous", d.Mode)
	}
}

func TestClassifyCommaEnumeration(t *testing.T) {
	c := New(testRules())
	// Two commas but short: stays chat.
	d, err := c.Classify("apples, oranges, pears")
	if err != nil {
		t.Fatal(err)
	}
	if d.Mode != ModeChat {
		t.Fatalf("short enumeration mode = %s, want chat", d.Mode)
	}

	long := "please summarize the customer interviews from last week, pull out the recurring complaints we keep hearing, and group them by product area for review"
	if len(long) <= 100 {
		t.Fatalf("fixture too short: %d", len(long))
	}
	d, err = c.Classify(long)
	if err != nil {
		t.Fatal(err)
	}
	if d.Mode != ModeAutonomous {
		t.Fatalf("long enumeration mode = %s, want autonomous", d.Mode)
	}
}

func TestClassifyLongInput(t *testing.T) {
	c := New(testRules())
	text := strings.Repeat("describe the thing in detail ", 12)
	if len(text) <= 300 {
		t.Fatalf("fixture too short: %d", len(text))
	}
	d, err := c.Classify(text)
	if err != nil {
		t.Fatal(err)
	}
	if d.Mode != ModeAutonomous {
		t.Fatalf("mode = %s, want autonomous", d.Mode)
	}
}

func TestCategoryPrecedence(t *testing.T) {
	c := New(testRules())
	// Both research and code keywords match; research wins.
	d, err := c.Classify("build a comparison: research the top competitors and analyze their apis")
	if err != nil {
		t.Fatal(err)
	}
	if d.Mode != ModeAutonomous {
		t.Fatalf("mode = %s, want autonomous", d.Mode)
	}
	if d.Category != domain.CategoryResearch {
		t.Fatalf("category = %s, want research", d.Category)
	}
}

func TestCategoryFallback(t *testing.T) {
	c := New(testRules())
	d, err := c.Classify("do something big step by step with no obvious topic words")
	if err != nil {
		t.Fatal(err)
	}
	if d.Mode != ModeAutonomous {
		t.Fatalf("mode = %s, want autonomous", d.Mode)
	}
	if d.Category != domain.CategoryCode {
		t.Fatalf("category = %s, want code fallback", d.Category)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	c := New(testRules())
	inputs := []string{
		"Build me a landing page",
		"hello there",
		"research the market, draft a report, and then publish it somewhere people can actually read it today",
	}
	for _, in := range inputs {
		first, err := c.Classify(in)
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 20; i++ {
			d, err := c.Classify(in)
			if err != nil {
				t.Fatal(err)
			}
			if d != first {
				t.Fatalf("Classify(%q) run %d = %+v, want %+v", in, i, d, first)
			}
		}
	}
}

func TestSetRulesSwapsKeywords(t *testing.T) {
	c := New(testRules())
	d, err := c.Classify("launch the rocket")
	if err != nil {
		t.Fatal(err)
	}
	if d.Mode != ModeChat {
		t.Fatalf("pre-swap mode = %s, want chat", d.Mode)
	}
	c.SetRules(Rules{AutonomousKeywords: []string{"LAUNCH"}})
	d, err = c.Classify("launch the rocket")
	if err != nil {
		t.Fatal(err)
	}
	if d.Mode != ModeAutonomous {
		t.Fatalf("post-swap mode = %s, want autonomous", d.Mode)
	}
}
